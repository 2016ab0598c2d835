// Package cmdutil shares control-plane construction between subcommands.
package cmdutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/quorumsec/aegis/internal/config"
	"github.com/quorumsec/aegis/internal/core"
)

// Cfg is loaded by the root command before any subcommand runs.
var Cfg *config.Config

// NewLogger builds the process logger from the loaded configuration.
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	if Cfg != nil && Cfg.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// BuildApp assembles the control plane and restores persisted state.
func BuildApp(ctx context.Context) (*core.App, error) {
	if Cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	app, err := core.New(Cfg, core.Options{Logger: NewLogger()})
	if err != nil {
		return nil, err
	}
	if err := app.LoadState(ctx); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("restore state: %w", err)
	}
	return app, nil
}
