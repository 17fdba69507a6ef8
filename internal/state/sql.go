package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Dialect names accepted by NewSQLStore
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const createTable = `
CREATE TABLE IF NOT EXISTS runtime_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// SQLStore keeps runtime state in a single key/value table. Postgres serves
// multi-process deployments, SQLite a single host that must survive restarts.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
	timeout time.Duration
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens the database, verifies connectivity and creates the
// state table if needed.
func OpenSQLStore(ctx context.Context, dialect, dsn string) (*SQLStore, error) {
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	db, err := sqlx.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one writer; sqlite serialises anyway and this avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s ping: %v", ErrUnavailable, dialect, err)
	}

	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database handle without migrating
func NewSQLStore(db *sqlx.DB, dialect string) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Migrate creates the runtime_state table
func (s *SQLStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create runtime_state: %w", err)
	}
	return nil
}

// Get returns the value for key
func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT value FROM runtime_state WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts value under key
func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.db.Rebind(`
		INSERT INTO runtime_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, key, value, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to write state %s: %w", key, err)
	}
	return nil
}

// Incr adds delta to the integer at key in a single upsert statement
func (s *SQLStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	intType := "BIGINT"
	if s.dialect == DialectSQLite {
		intType = "INTEGER"
	}
	query := s.db.Rebind(fmt.Sprintf(`
		INSERT INTO runtime_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE
		SET value = CAST(CAST(runtime_state.value AS %[1]s) + CAST(? AS %[1]s) AS TEXT),
		    updated_at = excluded.updated_at
		RETURNING value`, intType))

	var raw string
	err := s.db.QueryRowxContext(ctx, query, key, strconv.FormatInt(delta, 10), s.now().UTC(), delta).Scan(&raw)
	if err != nil {
		return 0, fmt.Errorf("failed to increment state %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer: %w", key, err)
	}
	return n, nil
}

// Delete removes key
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM runtime_state WHERE key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", key, err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}
