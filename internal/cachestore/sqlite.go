package cachestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite persists generations in a SQLite database via modernc.org/sqlite.
type SQLite struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

// NewSQLite opens a SQLite database at dsn (a file path or ":memory:") and
// applies migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &SQLite{write: write, read: read}, nil
}

func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

func (s *SQLite) Open(ctx context.Context, name string) (Cache, error) {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO generations (name, seq, created_at)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ? FROM generations WHERE true
		 ON CONFLICT(name) DO NOTHING`,
		name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("open generation %q: %w", name, err)
	}
	return &sqliteCache{s: s, name: name}, nil
}

func (s *SQLite) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) Names(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx, `SELECT name FROM generations ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.write.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete generation %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping verifies database connectivity by pinging the read pool.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

type sqliteCache struct {
	s    *SQLite
	name string
}

func (c *sqliteCache) Match(ctx context.Context, key string) (Snapshot, bool, error) {
	var (
		snap         Snapshot
		header, vary []byte
	)
	err := c.s.read.QueryRowContext(ctx,
		`SELECT url, status, header, body, type, vary, stored_at, hash32
		 FROM entries WHERE generation = ? AND key = ?`, c.name, key).
		Scan(&snap.URL, &snap.Status, &header, &snap.Body, &snap.Type, &vary, &snap.StoredAt, &snap.Hash32)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	if err := json.Unmarshal(header, &snap.Header); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode header %q: %w", key, err)
	}
	if len(vary) > 0 {
		if err := json.Unmarshal(vary, &snap.Vary); err != nil {
			return Snapshot{}, false, fmt.Errorf("decode vary %q: %w", key, err)
		}
	}
	return snap, true, nil
}

func (c *sqliteCache) Put(ctx context.Context, key string, snap Snapshot) error {
	header, err := json.Marshal(snap.Header)
	if err != nil {
		return err
	}
	var vary []byte
	if len(snap.Vary) > 0 {
		if vary, err = json.Marshal(snap.Vary); err != nil {
			return err
		}
	}
	body := snap.Body
	if body == nil {
		body = []byte{}
	}
	// Writing into a deleted generation trips the foreign key.
	_, err = c.s.write.ExecContext(ctx,
		`INSERT INTO entries (generation, key, url, status, header, body, type, vary, stored_at, hash32)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(generation, key) DO UPDATE SET
		   url = excluded.url, status = excluded.status, header = excluded.header,
		   body = excluded.body, type = excluded.type, vary = excluded.vary,
		   stored_at = excluded.stored_at, hash32 = excluded.hash32`,
		c.name, key, snap.URL, snap.Status, header, body, snap.Type, vary, snap.StoredAt, snap.Hash32)
	if err != nil {
		if ok, herr := c.s.Has(ctx, c.name); herr == nil && !ok {
			return fmt.Errorf("generation %q: %w", c.name, ErrClosed)
		}
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, key string) (bool, error) {
	res, err := c.s.write.ExecContext(ctx, `DELETE FROM entries WHERE generation = ? AND key = ?`, c.name, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.s.read.QueryContext(ctx, `SELECT key FROM entries WHERE generation = ? ORDER BY key`, c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
