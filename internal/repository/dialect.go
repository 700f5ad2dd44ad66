package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// pingTimeout bounds the connectivity check made when the store opens.
const pingTimeout = 5 * time.Second

// dialect carries everything that differs between the supported drivers:
// how to reach the database, how to size its pool, which placeholders the
// query builder emits, and which goose dialect runs the migrations.
type dialect struct {
	name         string
	sqlDriver    string
	placeholders sq.PlaceholderFormat
	goose        goose.Dialect
	dsn          func(domain.RepositoryConfig) (string, error)
	pool         func(*sql.DB, domain.RepositoryConfig)
}

var dialects = map[string]dialect{
	"sqlite": {
		name:         "sqlite",
		sqlDriver:    "sqlite",
		placeholders: sq.Question,
		goose:        goose.DialectSQLite3,
		dsn:          sqliteDSN,
		pool:         sqlitePool,
	},
	"postgres": {
		name:         "postgres",
		sqlDriver:    "postgres",
		placeholders: sq.Dollar,
		goose:        goose.DialectPostgres,
		dsn:          postgresDSN,
		pool:         postgresPool,
	},
}

// open connects with the dialect for cfg.Driver and applies pool settings.
func open(ctx context.Context, cfg domain.RepositoryConfig) (*sql.DB, dialect, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, dialect{}, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, d, err
	}

	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, d, fmt.Errorf("open %s: %w", d.name, err)
	}
	d.pool(db, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, d, fmt.Errorf("ping %s: %w", d.name, err)
	}
	return db, d, nil
}

// sqliteDSN points at the configured file, or a shared in-memory database
// for ":memory:". WAL lets decision reads run while audits are written.
func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}

	const pragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	if path == ":memory:" {
		return "file::memory:?cache=shared&" + pragmas, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database directory: %w", err)
		}
	}
	return "file:" + path + "?" + pragmas, nil
}

// sqlitePool keeps a single writer connection for in-memory databases so
// every query sees the same schema.
func sqlitePool(db *sql.DB, cfg domain.RepositoryConfig) {
	if cfg.SQLitePath == ":memory:" {
		db.SetMaxOpenConns(1)
		return
	}
	applyPool(db, cfg)
}

// postgresDSN builds a URL DSN so credentials with spaces or symbols are
// escaped, tagging connections with the kestrel application name.
func postgresDSN(cfg domain.RepositoryConfig) (string, error) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + dbname,
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "kestrel")
	q.Set("connect_timeout", strconv.Itoa(int(pingTimeout/time.Second)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// postgresPool sizes the pool for concurrent decisions when nothing is
// configured.
func postgresPool(db *sql.DB, cfg domain.RepositoryConfig) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	applyPool(db, cfg)
}

func applyPool(db *sql.DB, cfg domain.RepositoryConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}
