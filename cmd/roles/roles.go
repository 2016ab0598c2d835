package roles

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quorumsec/aegis/cmd/cmdutil"
)

// RolesCmd is the parent command for role catalog operations
var RolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Inspect the role catalog",
	Long:  `Commands for inspecting roles and the permissions they grant.`,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List roles and their permissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cmdutil.BuildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		for _, role := range app.Authz.ListRoles() {
			marker := ""
			if role.System {
				marker = " [system]"
			}
			fmt.Printf("%s%s — %s\n", role.Name, marker, role.Description)
			if len(role.Permissions) > 0 {
				fmt.Printf("  permissions: %s\n", strings.Join(role.Permissions, ", "))
			}
		}
		return nil
	},
}

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "List the permission catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cmdutil.BuildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		for _, perm := range app.Authz.ListPermissions() {
			fmt.Printf("%-24s %-12s %s\n", perm.Name, perm.Category, perm.Description)
		}
		return nil
	},
}

func init() {
	RolesCmd.AddCommand(listCmd)
	RolesCmd.AddCommand(permissionsCmd)
}
