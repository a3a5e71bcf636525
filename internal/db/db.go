package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB runs queries against either a pgx pool or a sqlite database. Queries
// are written with $n placeholders; they are rebound for sqlite.
type DB struct {
	dialect Dialect
	pool    *pgxpool.Pool
	sql     *sql.DB
}

// Open connects to url. postgres:// and postgresql:// URLs use pgx;
// sqlite://path, file: URIs and :memory: use sqlite.
func Open(ctx context.Context, url string) (*DB, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return openPostgres(ctx, url)
	case strings.HasPrefix(url, "sqlite://"):
		return openSQLite(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"), url == ":memory:":
		return openSQLite(ctx, url)
	}
	return nil, fmt.Errorf("db: unsupported database url %q", url)
}

func openPostgres(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{dialect: Postgres, pool: pool}, nil
}

func openSQLite(ctx context.Context, path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	// a :memory: database lives and dies with its connection
	sqldb.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
	} {
		if _, err := sqldb.ExecContext(ctx, pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("db: %s: %w", pragma, err)
		}
	}
	return &DB{dialect: SQLite, sql: sqldb}, nil
}

func (d *DB) Dialect() Dialect { return d.dialect }

func (d *DB) Close() error {
	if d.pool != nil {
		d.pool.Close()
		return nil
	}
	return d.sql.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if d.pool != nil {
		return d.pool.Ping(ctx)
	}
	return d.sql.PingContext(ctx)
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) error {
	if d.pool != nil {
		_, err := d.pool.Exec(ctx, query, args...)
		return err
	}
	_, err := d.sql.ExecContext(ctx, rebind(query), args...)
	return err
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) Row {
	if d.pool != nil {
		return d.pool.QueryRow(ctx, query, args...)
	}
	return d.sql.QueryRowContext(ctx, rebind(query), args...)
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	if d.pool != nil {
		return d.pool.Query(ctx, query, args...)
	}
	rows, err := d.sql.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

type Row interface {
	Scan(dest ...any) error
}

type Rows interface {
	Close()
	Err() error
	Next() bool
	Scan(dest ...any) error
}

type sqlRows struct{ *sql.Rows }

func (r sqlRows) Close() { _ = r.Rows.Close() }

var placeholder = regexp.MustCompile(`\$\d+`)

// rebind turns $n placeholders into ?. Every query in this module uses each
// placeholder once, in order.
func rebind(query string) string {
	return placeholder.ReplaceAllString(query, "?")
}
