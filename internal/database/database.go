package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ethoslink/rolesync/internal/database/migrations"
	"github.com/ethoslink/rolesync/internal/database/models"
	"github.com/ethoslink/rolesync/internal/setup/config"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bunjson"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

// sonicProvider is a JSON provider that uses Sonic for encoding and decoding.
type sonicProvider struct{}

func (sonicProvider) Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func (sonicProvider) Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

func (sonicProvider) NewEncoder(w io.Writer) bunjson.Encoder {
	return sonic.ConfigDefault.NewEncoder(w)
}

func (sonicProvider) NewDecoder(r io.Reader) bunjson.Decoder {
	return sonic.ConfigDefault.NewDecoder(r)
}

// Client is the role-change ledger database.
type Client interface {
	// Ledger returns the role-change ledger model.
	Ledger() *models.LedgerModel
	// Migrator returns a migrator over the registered migrations.
	Migrator() *migrate.Migrator
	// DB returns the underlying bun.DB instance.
	DB() *bun.DB
	// Close gracefully shuts down the database connection.
	Close() error
}

// clientImpl represents the concrete implementation of the database client.
type clientImpl struct {
	db     *bun.DB
	ledger *models.LedgerModel
	logger *zap.Logger
}

// NewConnection establishes a new database connection and optionally runs pending migrations.
func NewConnection(ctx context.Context, cfg *config.PostgreSQL, logger *zap.Logger, autoMigrate bool) (Client, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithAddr(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))),
		pgdriver.WithUser(cfg.User),
		pgdriver.WithPassword(cfg.Password),
		pgdriver.WithDatabase(cfg.DBName),
		pgdriver.WithInsecure(true),
		pgdriver.WithApplicationName("rolesync"),
	))

	// Set connection pool settings
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Minute)
	sqldb.SetConnMaxIdleTime(time.Duration(cfg.MaxIdleTime) * time.Minute)

	bunjson.SetProvider(sonicProvider{})

	db := bun.NewDB(sqldb, pgdialect.New())
	db.AddQueryHook(NewHook(logger))

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	client := &clientImpl{
		db:     db,
		ledger: models.NewLedger(db, logger),
		logger: logger,
	}

	if autoMigrate {
		if err := client.migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	logger.Info("Database connection established")

	return client, nil
}

// migrate applies pending migrations.
func (c *clientImpl) migrate(ctx context.Context) error {
	migrator := c.Migrator()
	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock migrations: %w", err)
	}
	defer func() { _ = migrator.Unlock(ctx) }()

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if !group.IsZero() {
		c.logger.Info("Automatically ran migrations", zap.String("group", group.String()))
	}

	return nil
}

// Ledger returns the role-change ledger model.
func (c *clientImpl) Ledger() *models.LedgerModel {
	return c.ledger
}

// Migrator returns a migrator over the registered migrations.
func (c *clientImpl) Migrator() *migrate.Migrator {
	return migrate.NewMigrator(c.db, migrations.Migrations)
}

// DB returns the underlying bun.DB instance.
func (c *clientImpl) DB() *bun.DB {
	return c.db
}

// Close gracefully shuts down the database connection.
func (c *clientImpl) Close() error {
	if err := c.db.Close(); err != nil {
		c.logger.Error("Failed to close database connection", zap.Error(err))
		return err
	}

	c.logger.Info("Database connection closed")

	return nil
}
