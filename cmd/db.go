package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/quorumsec/aegis/cmd/cmdutil"
	"github.com/quorumsec/aegis/internal/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Snapshot storage management commands",
	Long:  `Commands for managing the snapshot storage schema.`,
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize snapshot tables",
	Long:  `Creates the snapshot tables in the configured database. Run this once during initial setup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmdutil.Cfg.StorageDSN == "" {
			return fmt.Errorf("STORAGE_DSN must be set")
		}
		db, err := store.NewDB(cmdutil.Cfg.StorageDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close(db)

		if err := store.New(db).Init(context.Background()); err != nil {
			return fmt.Errorf("failed to initialize snapshot tables: %w", err)
		}

		log.Printf("Snapshot tables initialized successfully")
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show snapshot storage status",
	Long:  `Displays row counts for the persisted snapshots.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmdutil.Cfg.StorageDSN == "" {
			return fmt.Errorf("STORAGE_DSN must be set")
		}
		db, err := store.NewDB(cmdutil.Cfg.StorageDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close(db)

		ctx := context.Background()
		s := store.New(db)
		if err := s.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize snapshot tables: %w", err)
		}

		users, err := s.LoadUsers(ctx)
		if err != nil {
			return err
		}
		audit, err := s.LoadAuditEntries(ctx, 0)
		if err != nil {
			return err
		}
		events, err := s.LoadSecurityEvents(ctx, 0)
		if err != nil {
			return err
		}

		log.Printf("Snapshot storage:")
		log.Printf("  users: %d", len(users))
		log.Printf("  audit entries: %d", len(audit))
		log.Printf("  security events: %d", len(events))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbStatusCmd)
}
