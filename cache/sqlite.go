package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db   *sql.DB
	cfg  config
	once sync.Once
}

var _ Backend = (*sqliteBackend)(nil)

// NewSQLite returns a Backend persisted in a SQLite database.
// If dbPath is empty or ":memory:", an in-memory database is used.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Backend, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// an in-memory database only lives as long as its connection
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS namespaces (
		name TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS entries (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (namespace, key)
	)`); err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteBackend{db: db, cfg: applyOptions(opts)}, nil
}

func (c *sqliteBackend) CreateNamespace(ctx context.Context, ns string) error {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	_, err := c.db.ExecContext(qctx,
		`INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)`, ns, time.Now().UnixNano())
	return err
}

func (c *sqliteBackend) Namespaces(ctx context.Context) ([]string, error) {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	rows, err := c.db.QueryContext(qctx, `SELECT name FROM namespaces ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (c *sqliteBackend) DropNamespace(ctx context.Context, ns string) (bool, error) {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	tx, err := c.db.BeginTx(qctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(qctx, `DELETE FROM entries WHERE namespace = ?`, ns); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(qctx, `DELETE FROM namespaces WHERE name = ?`, ns)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (c *sqliteBackend) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	var data []byte
	err := c.db.QueryRowContext(qctx,
		`SELECT value FROM entries WHERE namespace = ? AND key = ?`, ns, key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *sqliteBackend) Set(ctx context.Context, ns string, values map[string][]byte) error {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	tx, err := c.db.BeginTx(qctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(qctx,
		`INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)`, ns, time.Now().UnixNano()); err != nil {
		return err
	}
	for k, v := range values {
		if _, err := tx.ExecContext(qctx,
			`INSERT INTO entries (namespace, key, value) VALUES (?, ?, ?)
			ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
			ns, k, v,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *sqliteBackend) Del(ctx context.Context, ns, key string) (bool, error) {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	result, err := c.db.ExecContext(qctx, `DELETE FROM entries WHERE namespace = ? AND key = ?`, ns, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (c *sqliteBackend) Keys(ctx context.Context, ns string) ([]string, error) {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	rows, err := c.db.QueryContext(qctx, `SELECT key FROM entries WHERE namespace = ? ORDER BY key`, ns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (c *sqliteBackend) Close() error {
	var dbErr error
	c.once.Do(func() {
		dbErr = c.db.Close()
	})
	return dbErr
}
