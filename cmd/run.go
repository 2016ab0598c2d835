package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumsec/aegis/cmd/cmdutil"
	"github.com/quorumsec/aegis/internal/telemetry"
)

const snapshotInterval = time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control plane",
	Long:  `Starts the control plane, restores persisted state and snapshots it periodically until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		shutdownTracing, err := telemetry.Init(ctx, cmdutil.Cfg.Observability)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				log.Printf("Warning: tracer shutdown failed: %v", err)
			}
		}()

		app, err := cmdutil.BuildApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if app.Store != nil {
			log.Printf("Snapshot storage enabled, persisting every %v", snapshotInterval)
		} else {
			log.Printf("No storage DSN configured, state is in-memory only")
		}
		log.Printf("Control plane ready (issuer %s)", cmdutil.Cfg.OAuth.Issuer)

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := app.SaveState(ctx); err != nil {
					log.Printf("ERROR: Periodic snapshot failed: %v", err)
				}

			case sig := <-shutdown:
				log.Printf("Received signal %v, shutting down gracefully", sig)

				saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := app.SaveState(saveCtx); err != nil {
					return fmt.Errorf("final snapshot failed: %w", err)
				}

				log.Printf("Control plane stopped")
				return nil
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
