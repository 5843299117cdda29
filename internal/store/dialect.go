package store

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Dialect captures the SQL differences between the supported backends.
// It is selected once when the connection is opened; nothing else in the
// store branches on the backend.
type Dialect interface {
	// Name returns the backend identifier ("postgres", "mysql", "sqlite3").
	Name() string

	// Rebind rewrites ?-style placeholders into the backend's native style.
	Rebind(query string) string

	// AutoIncrementPK returns the column definition for an auto-incrementing
	// integer primary key.
	AutoIncrementPK() string

	// SupportsReturning reports whether INSERT ... RETURNING id works.
	// Backends without it fall back to LastInsertId.
	SupportsReturning() bool
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) AutoIncrementPK() string { return "BIGSERIAL PRIMARY KEY" }
func (postgresDialect) SupportsReturning() bool { return true }

type mysqlDialect struct{}

func (mysqlDialect) Name() string               { return "mysql" }
func (mysqlDialect) Rebind(query string) string { return query }
func (mysqlDialect) AutoIncrementPK() string    { return "BIGINT PRIMARY KEY AUTO_INCREMENT" }
func (mysqlDialect) SupportsReturning() bool    { return false }

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return "sqlite3" }
func (sqliteDialect) Rebind(query string) string { return query }
func (sqliteDialect) AutoIncrementPK() string    { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) SupportsReturning() bool    { return false }

// resolveURL maps a database URL onto a driver name, a driver-specific DSN
// and the matching dialect. Supported schemes: postgres://, postgresql://,
// mysql://, sqlite://, sqlite3://.
func resolveURL(rawURL string) (driver, dsn string, dialect Dialect, err error) {
	// SQLite paths like ":memory:" are not valid URL authorities, so the
	// scheme is stripped before any URL parsing happens.
	for _, scheme := range []string{"sqlite://", "sqlite3://"} {
		if strings.HasPrefix(rawURL, scheme) {
			dsn := strings.TrimPrefix(rawURL, scheme)
			if dsn == "" {
				return "", "", nil, fmt.Errorf("sqlite URL is missing a database path")
			}
			return "sqlite3", dsn, sqliteDialect{}, nil
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", nil, fmt.Errorf("invalid database URL: %w", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		// lib/pq accepts the URL form directly.
		return "postgres", rawURL, postgresDialect{}, nil

	case "mysql":
		cfg := mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		cfg.ParseTime = true
		if u.User != nil {
			cfg.User = u.User.Username()
			cfg.Passwd, _ = u.User.Password()
		}
		if params := u.Query(); len(params) > 0 {
			cfg.Params = make(map[string]string, len(params))
			for k := range params {
				cfg.Params[k] = params.Get(k)
			}
		}
		return "mysql", cfg.FormatDSN(), mysqlDialect{}, nil

	default:
		return "", "", nil, fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}
}
