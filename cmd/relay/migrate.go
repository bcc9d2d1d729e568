package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"prjsdr.xyz/relay/internal/app"
	"prjsdr.xyz/relay/internal/config"
	"prjsdr.xyz/relay/internal/migrate"
	"prjsdr.xyz/relay/internal/store/sqlstore"
)

const migrateTimeout = 30 * time.Second

func newMigrateCmd(load func() (config.Config, error)) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the message store schema",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "database DSN (defaults to RELAY_DB_DSN)")

	run := func(fn func(context.Context, *cobra.Command, *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				cfg, err := load()
				if err != nil {
					return err
				}
				dsn = cfg.DBDSN
			}
			if dsn == "" {
				return errors.New("missing DSN: provide --dsn or RELAY_DB_DSN")
			}
			st, err := sqlstore.Open(dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer st.Close()
			mgr, err := app.Migrations(st)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
			defer cancel()
			return fn(ctx, cmd, mgr)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				applied, err := mgr.Up(ctx)
				for _, name := range applied {
					cmd.Printf("applied %s\n", name)
				}
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					cmd.Println("schema up to date")
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				name, err := mgr.Down(ctx)
				if errors.Is(err, migrate.ErrNothingApplied) {
					cmd.Println("nothing to roll back")
					return nil
				}
				if err != nil {
					return err
				}
				cmd.Printf("rolled back %s\n", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, mgr *migrate.Manager) error {
				applied, err := mgr.Status(ctx)
				if err != nil {
					return err
				}
				for _, name := range applied {
					cmd.Println(name)
				}
				cmd.Printf("%d applied\n", len(applied))
				return nil
			}),
		},
	)
	return cmd
}
