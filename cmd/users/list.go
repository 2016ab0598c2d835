package users

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quorumsec/aegis/cmd/cmdutil"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cmdutil.BuildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		accounts := app.Authn.ListUsers()
		if len(accounts) == 0 {
			fmt.Println("No users found")
			return nil
		}

		for _, user := range accounts {
			status := "active"
			if !user.Active {
				status = "inactive"
			}
			line := fmt.Sprintf("%s  %s <%s>  %s", user.ID, user.Username, user.Email, status)
			if user.MFAEnabled {
				line += fmt.Sprintf("  mfa:%s", strings.Join(user.MFAMethods, ","))
			}
			fmt.Println(line)
		}
		fmt.Printf("\n%d user(s)\n", len(accounts))
		return nil
	},
}
