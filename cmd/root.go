package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quorumsec/aegis/cmd/cmdutil"
	"github.com/quorumsec/aegis/cmd/compliance"
	"github.com/quorumsec/aegis/cmd/roles"
	"github.com/quorumsec/aegis/cmd/users"
	"github.com/quorumsec/aegis/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "Aegis identity, access and runtime-security control plane",
	Long: `Aegis manages accounts, sessions, MFA, role-based access control,
external identity providers, plugin sandboxing and runtime security
controls from a single process.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cmdutil.Cfg = cfg
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().String("storage-dsn", "", "Snapshot storage DSN, Postgres or SQLite (env: STORAGE_DSN)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: DEBUG)")

	// Add subcommands
	rootCmd.AddCommand(users.UsersCmd)
	rootCmd.AddCommand(roles.RolesCmd)
	rootCmd.AddCommand(compliance.ComplianceCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
