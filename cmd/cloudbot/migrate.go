package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/helGmoro/tardiaplataforma-code/db/migrations"
	"github.com/helGmoro/tardiaplataforma-code/internal/app/migrate"
	"github.com/helGmoro/tardiaplataforma-code/pkg/config"
	"github.com/helGmoro/tardiaplataforma-code/pkg/logger"
)

func newMigrateCmd() *cobra.Command {
	var (
		timeout time.Duration
		target  int64
	)
	cmd := &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadPlatformConfig()
			log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			runner, err := migrate.New(cfg.DatabaseURL, migrations.Files, log)
			if err != nil {
				return fmt.Errorf("configure migration runner: %w", err)
			}
			switch args[0] {
			case "up":
				err = runner.Ensure(ctx)
			case "down":
				err = runner.Down(ctx, target)
			case "status":
				err = runner.Status(ctx)
			}
			if err != nil {
				return err
			}
			log.Info("migration command completed", "command", args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")
	cmd.Flags().Int64Var(&target, "target", 0, "target version for down (optional)")
	return cmd
}
