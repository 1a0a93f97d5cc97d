package synccache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/ethoslink/rolesync/pkg/utils"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS sync_records (
		user_id INTEGER PRIMARY KEY,
		synced_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS sync_records_expires_at ON sync_records (expires_at);
`

// SQLiteStore keeps sync records in a single-file database for single-node deployments.
type SQLiteStore struct {
	mu    sync.Mutex
	conn  *sqlite.Conn
	clock utils.Clock
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(path string, clock utils.Clock) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate|sqlite.OpenReadWrite|sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return nil, errors.Join(
			fmt.Errorf("failed to create sync_records table: %w", err),
			conn.Close(),
		)
	}

	return &SQLiteStore{conn: conn, clock: clock}, nil
}

func (s *SQLiteStore) Name() string {
	return "sqlite"
}

func (s *SQLiteStore) Get(ctx context.Context, userID snowflake.ID) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetInterrupt(ctx.Done())
	defer s.conn.SetInterrupt(nil)

	var (
		syncedAt time.Time
		found    bool
	)

	err := sqlitex.Execute(s.conn, "SELECT synced_at FROM sync_records WHERE user_id = ?", &sqlitex.ExecOptions{
		Args: []any{int64(userID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			syncedAt = time.Unix(stmt.ColumnInt64(0), 0)
			found = true

			return nil
		},
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get sync record: %w", err)
	}

	return syncedAt, found, nil
}

func (s *SQLiteStore) Set(ctx context.Context, userID snowflake.ID, syncedAt time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetInterrupt(ctx.Done())
	defer s.conn.SetInterrupt(nil)

	err := sqlitex.Execute(s.conn, `
		INSERT INTO sync_records (user_id, synced_at, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET synced_at = excluded.synced_at, expires_at = excluded.expires_at
	`, &sqlitex.ExecOptions{
		Args: []any{int64(userID), syncedAt.Unix(), syncedAt.Add(ttl).Unix()},
	})
	if err != nil {
		return fmt.Errorf("failed to set sync record: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, userID snowflake.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetInterrupt(ctx.Done())
	defer s.conn.SetInterrupt(nil)

	err := sqlitex.Execute(s.conn, "DELETE FROM sync_records WHERE user_id = ?", &sqlitex.ExecOptions{
		Args: []any{int64(userID)},
	})
	if err != nil {
		return fmt.Errorf("failed to delete sync record: %w", err)
	}

	return nil
}

// Entries returns every record after pruning rows whose retention expired.
func (s *SQLiteStore) Entries(ctx context.Context) (map[snowflake.ID]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetInterrupt(ctx.Done())
	defer s.conn.SetInterrupt(nil)

	err := sqlitex.Execute(s.conn, "DELETE FROM sync_records WHERE expires_at <= ?", &sqlitex.ExecOptions{
		Args: []any{s.clock.Now().Unix()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prune sync records: %w", err)
	}

	entries := make(map[snowflake.ID]time.Time)

	err = sqlitex.ExecuteTransient(s.conn, "SELECT user_id, synced_at FROM sync_records", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries[snowflake.ID(stmt.ColumnInt64(0))] = time.Unix(stmt.ColumnInt64(1), 0) //nolint:gosec // ids are positive

			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sync records: %w", err)
	}

	return entries, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.Close()
}
