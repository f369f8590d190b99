package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqlitePollStep is how often Pop looks at the queue table while waiting.
// SQLite has no blocking read, so it is emulated by polling.
const sqlitePollStep = 50 * time.Millisecond

// SQLite keeps the command channel and the running registry in a single
// database file. Meant for single host deployments and development.
type SQLite struct {
	db *sql.DB
}

var _ Storage = (*SQLite)(nil)

// NewSQLite opens sqlite:///path/to.db or a file: DSN and creates the
// tables.
func NewSQLite(ctx context.Context, rawURL string) (*SQLite, error) {
	dsn, err := sqliteDSN(rawURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			payload BLOB NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating queue table: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating kv table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func sqliteDSN(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing sqlite url: %w", err)
	}
	var dsn string
	switch u.Scheme {
	case "file":
		dsn = rawURL
	case "sqlite":
		path := u.Host + u.Path
		if path == "" {
			return "", errors.New("sqlite url has no path")
		}
		dsn = "file:" + path
		if u.RawQuery != "" {
			dsn += "?" + u.RawQuery
		}
	default:
		return "", fmt.Errorf("unsupported sqlite scheme %q", u.Scheme)
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.Contains(dsn, "busy_timeout") {
		dsn += sep + "_pragma=busy_timeout(5000)"
		sep = "&"
	}
	if !strings.Contains(dsn, "_txlock") {
		dsn += sep + "_txlock=immediate"
	}
	return dsn, nil
}

func (s *SQLite) Push(ctx context.Context, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (name, payload) VALUES (?, ?)`, CommandKey, payload,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

func (s *SQLite) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		payload, err := s.popOne(ctx)
		if err != nil || payload != nil {
			return payload, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(remaining, sqlitePollStep))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *SQLite) popOne(ctx context.Context) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func(ctx context.Context) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
		}
	}(ctx)

	var id int64
	var payload []byte
	row := tx.QueryRowContext(ctx,
		`SELECT id, payload FROM queue WHERE name = ? ORDER BY id LIMIT 1`, CommandKey,
	)
	err = row.Scan(&id, &payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("executing sql delete failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction failed: %w", err)
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload, nil
}

func (s *SQLite) LoadRunning(ctx context.Context) ([]byte, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, RunningKey)
	err := row.Scan(&blob)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return blob, nil
}

func (s *SQLite) SaveRunning(ctx context.Context, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		RunningKey, blob,
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	return nil
}

func (s *SQLite) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE name = ?`, CommandKey); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, RunningKey); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
