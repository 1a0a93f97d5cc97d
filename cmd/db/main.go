package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/internal/database"
	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/uptrace/bun/migrate"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var (
	ErrNameRequired  = errors.New("NAME argument required")
	ErrRunIDRequired = errors.New("RUN_ID argument required")
	ErrUserRequired  = errors.New("--guild and --user are required")
)

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	// Setup dependencies
	db, logger, err := setupDatabase()
	if err != nil {
		return fmt.Errorf("failed to setup database: %w", err)
	}
	defer db.Close()

	migrator := db.Migrator()

	app := &cli.Command{
		Name:  "db",
		Usage: "Role-change ledger management tool",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize migration tables",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return migrator.Init(ctx)
				},
			},
			{
				Name:  "migrate",
				Usage: "Run pending migrations",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return withLock(ctx, migrator, func() error {
						group, err := migrator.Migrate(ctx)
						if err != nil {
							return err
						}

						if group.IsZero() {
							logger.Info("No new migrations to run (database is up to date)")
							return nil
						}

						logger.Info("Successfully migrated", zap.String("group", group.String()))

						return nil
					})
				},
			},
			{
				Name:  "rollback",
				Usage: "Rollback the last migration group",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return withLock(ctx, migrator, func() error {
						group, err := migrator.Rollback(ctx)
						if err != nil {
							return err
						}

						if group.IsZero() {
							logger.Info("No groups to roll back")
							return nil
						}

						logger.Info("Successfully rolled back", zap.String("group", group.String()))

						return nil
					})
				},
			},
			{
				Name:  "status",
				Usage: "Show migration status",
				Action: func(ctx context.Context, _ *cli.Command) error {
					ms, err := migrator.MigrationsWithStatus(ctx)
					if err != nil {
						return err
					}

					logger.Info("Migration status",
						zap.String("migrations", ms.String()),
						zap.String("unapplied", ms.Unapplied().String()),
						zap.String("last_group", ms.LastGroup().String()),
					)

					return nil
				},
			},
			{
				Name:      "create",
				Usage:     "Create a new Go migration file",
				ArgsUsage: "NAME",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return ErrNameRequired
					}

					mf, err := migrator.CreateGoMigration(ctx, c.Args().First())
					if err != nil {
						return err
					}

					logger.Info("Created Go migration",
						zap.String("name", mf.Name),
						zap.String("path", mf.Path),
					)

					return nil
				},
			},
			{
				Name:  "history",
				Usage: "Show the latest role changes of a member",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "guild", Aliases: []string{"g"}, Usage: "Guild ID"},
					&cli.UintFlag{Name: "user", Aliases: []string{"u"}, Usage: "Discord user ID"},
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum changes to show"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Uint("guild") == 0 || c.Uint("user") == 0 {
						return ErrUserRequired
					}

					changes, err := db.Ledger().RecentForUser(ctx,
						snowflake.ID(c.Uint("guild")), snowflake.ID(c.Uint("user")), int(c.Int("limit")))
					if err != nil {
						return err
					}

					for _, change := range changes {
						fmt.Printf("%s  %-16s %-24s %s\n",
							change.AppliedAt.Format(time.RFC3339), change.Source, change.Summary(), change.RunID)
					}

					return nil
				},
			},
			{
				Name:      "run",
				Usage:     "Summarize the changes applied by a job run",
				ArgsUsage: "RUN_ID",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return ErrRunIDRequired
					}

					summary, err := db.Ledger().SummarizeRun(ctx, c.Args().First())
					if err != nil {
						return err
					}

					logger.Info("Run summary",
						zap.String("run_id", summary.RunID),
						zap.String("source", summary.Source),
						zap.Int("users", summary.Users),
						zap.Int("added", summary.Added),
						zap.Int("removed", summary.Removed),
						zap.Time("first", summary.First),
						zap.Time("last", summary.Last),
					)

					return nil
				},
			},
			{
				Name:  "prune",
				Usage: "Delete role changes older than the retention period",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Value: 90, Usage: "Retention period in days"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cutoff := time.Now().AddDate(0, 0, -int(c.Int("days")))
					_, err := db.Ledger().Prune(ctx, cutoff)

					return err
				},
			},
		},
	}

	return app.Run(context.Background(), os.Args)
}

// withLock runs fn while holding the migration lock.
func withLock(ctx context.Context, migrator *migrate.Migrator, fn func() error) error {
	if err := migrator.Lock(ctx); err != nil {
		return err
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	return fn()
}

// setupDatabase loads the configuration and connects without migrating.
func setupDatabase() (database.Client, *zap.Logger, error) {
	// Load full configuration
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Create development logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	db, err := database.NewConnection(context.Background(), &cfg.PostgreSQL, logger, false)
	if err != nil {
		return nil, logger, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, logger, nil
}
