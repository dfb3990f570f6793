package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Strob0t/ReviewForge/internal/adapter/postgres"
)

// newMigrateCmd manages the PostgreSQL schema. The SQLite store creates its
// schema on open.
func newMigrateCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL session schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, flush, err := flags.loadConfig(cmd)
				if err != nil {
					return err
				}
				defer flush()
				return postgres.RunMigrations(cmd.Context(), cfg.Postgres.DSN)
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations (default 1)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n < 1 {
						return errors.New("steps must be a positive integer")
					}
					steps = n
				}
				cfg, flush, err := flags.loadConfig(cmd)
				if err != nil {
					return err
				}
				defer flush()
				return postgres.RollbackMigrations(cmd.Context(), cfg.Postgres.DSN, steps)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, flush, err := flags.loadConfig(cmd)
				if err != nil {
					return err
				}
				defer flush()
				v, err := postgres.MigrationVersion(cmd.Context(), cfg.Postgres.DSN)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
				return err
			},
		},
	)
	return cmd
}
