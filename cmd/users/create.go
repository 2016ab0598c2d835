package users

import (
	"bufio"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quorumsec/aegis/cmd/cmdutil"
	"github.com/quorumsec/aegis/internal/authn"
)

var (
	emailFlag    string
	usernameFlag string
	passwordFlag string
	rolesInput   []string
	stdinFlag    bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new local account",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Validate required flags
		if emailFlag == "" {
			return fmt.Errorf("--email flag is required")
		}
		if usernameFlag == "" {
			return fmt.Errorf("--username flag is required")
		}

		password := passwordFlag
		if stdinFlag {
			// Read password from stdin
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("Enter password: ")
			if scanner.Scan() {
				password = scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
		}
		if password == "" {
			return fmt.Errorf("password is required (use --password or --stdin)")
		}

		// Validate email format
		if _, err := mail.ParseAddress(emailFlag); err != nil {
			return fmt.Errorf("invalid email format: %w", err)
		}

		ctx := cmd.Context()
		app, err := cmdutil.BuildApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		// Resolve roles before creating the account
		roleIDs := make(map[string]string, len(rolesInput))
		for _, name := range rolesInput {
			role, err := app.Authz.GetRoleByName(name)
			if err != nil {
				valid := make([]string, 0)
				for _, r := range app.Authz.ListRoles() {
					valid = append(valid, r.Name)
				}
				return fmt.Errorf("invalid role %q\nValid roles are: %s", name, strings.Join(valid, ", "))
			}
			roleIDs[name] = role.ID
		}

		user, err := app.Authn.RegisterUser(ctx, authn.RegisterParams{
			Username: usernameFlag,
			Email:    emailFlag,
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		for _, name := range rolesInput {
			if _, err := app.Authz.AssignRole(ctx, user.ID, roleIDs[name], "system", nil, nil); err != nil {
				return fmt.Errorf("failed to assign role %q: %w", name, err)
			}
		}

		if err := app.SaveState(ctx); err != nil {
			return fmt.Errorf("failed to persist snapshot: %w", err)
		}

		fmt.Println("User created successfully!")
		fmt.Println("----------------------------------------")
		fmt.Printf("User ID: %s\n", user.ID)
		fmt.Printf("Email: %s\n", user.Email)
		fmt.Printf("Username: %s\n", user.Username)
		if len(rolesInput) > 0 {
			fmt.Printf("Roles: %s\n", strings.Join(rolesInput, ", "))
		}
		fmt.Println("----------------------------------------")

		return nil
	},
}
