package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"

	"github.com/liamcoop/automod/internal/logger"
)

func main() {
	if err := run(os.Args); err != nil {
		logger.Fatal(slog.Default(), "exiting", "err", err)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:  "migrate",
		Usage: "apply rule store schema migrations",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "PostgreSQL connection string",
			EnvVars:  []string{"DATABASE_URL"},
			Required: true,
		},
		&cli.StringFlag{
			Name:  "path",
			Usage: "path to migrations directory",
			Value: "migrations",
		},
	}

	app.Before = func(cctx *cli.Context) error {
		logger.Setup(cctx.Context, logger.ConfigFromEnv())
		return nil
	}

	app.Commands = []*cli.Command{
		{
			Name:  "up",
			Usage: "apply all pending migrations",
			Action: withMigrate(func(m *migrate.Migrate, cctx *cli.Context) error {
				slog.Info("running migrations up")
				err := m.Up()
				if errors.Is(err, migrate.ErrNoChange) {
					slog.Info("no migrations to run, database is up to date")
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				slog.Info("migrations completed")
				return nil
			}),
		},
		{
			Name:  "down",
			Usage: "roll back all migrations",
			Action: withMigrate(func(m *migrate.Migrate, cctx *cli.Context) error {
				slog.Info("rolling back migrations")
				if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("failed to roll back migrations: %w", err)
				}
				slog.Info("rollback completed")
				return nil
			}),
		},
		{
			Name:      "steps",
			Usage:     "apply n migrations, or roll back if n is negative",
			ArgsUsage: "<n>",
			Action: withMigrate(func(m *migrate.Migrate, cctx *cli.Context) error {
				var n int
				if _, err := fmt.Sscanf(cctx.Args().First(), "%d", &n); err != nil {
					return fmt.Errorf("steps requires a number: %w", err)
				}
				if err := m.Steps(n); err != nil {
					return fmt.Errorf("failed to migrate %d steps: %w", n, err)
				}
				slog.Info("migrated", "steps", n)
				return nil
			}),
		},
		{
			Name:  "version",
			Usage: "print the current schema version",
			Action: withMigrate(func(m *migrate.Migrate, cctx *cli.Context) error {
				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					slog.Info("no migrations applied")
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to get version: %w", err)
				}
				slog.Info("current version", "version", version, "dirty", dirty)
				return nil
			}),
		},
		{
			Name:      "force",
			Usage:     "set the schema version without running migrations",
			ArgsUsage: "<version>",
			Action: withMigrate(func(m *migrate.Migrate, cctx *cli.Context) error {
				var version int
				if _, err := fmt.Sscanf(cctx.Args().First(), "%d", &version); err != nil {
					return fmt.Errorf("invalid version number: %w", err)
				}
				if err := m.Force(version); err != nil {
					return fmt.Errorf("failed to force version: %w", err)
				}
				slog.Info("forced version", "version", version)
				return nil
			}),
		},
	}

	return app.Run(args)
}

func withMigrate(fn func(m *migrate.Migrate, cctx *cli.Context) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		slog.Info("connecting to database", "migrations", cctx.String("path"))
		m, err := migrate.New(
			fmt.Sprintf("file://%s", cctx.String("path")),
			cctx.String("database-url"),
		)
		if err != nil {
			return fmt.Errorf("failed to create migration instance: %w", err)
		}
		defer m.Close()
		return fn(m, cctx)
	}
}
