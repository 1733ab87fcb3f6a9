// Package pool hands out one database connection pool per tenant database,
// plus the main pool holding the tenant catalog.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/DukeRupert/agora/internal/domain"
)

// Target identifies one database to connect to.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Key is the routing key for the target: host and database name.
func (t Target) Key() string {
	return t.Host + "/" + t.Database
}

// DSN renders the target as a postgres connection URL.
func (t Target) DSN() string {
	host := t.Host
	if t.Port > 0 {
		host = net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(t.User, t.Password),
		Host:   host,
		Path:   "/" + t.Database,
	}
	if t.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {t.SSLMode}}.Encode()
	}
	return u.String()
}

// Validate reports a configuration error naming the first missing
// connection parameter.
func (t Target) Validate(op string) error {
	switch {
	case t.Host == "":
		return domain.Configuration(op, "database host is not configured")
	case t.User == "":
		return domain.Configuration(op, "database user is not configured")
	case t.Database == "":
		return domain.Configuration(op, "database name is not configured")
	}
	return nil
}

// Pool is a live connection pool for one database.
type Pool struct {
	*sql.DB
	key     string
	release func()
}

// New wraps db as a Pool. release, when set, runs after db is closed and
// frees whatever db was built on.
func New(db *sql.DB, key string, release func()) *Pool {
	return &Pool{DB: db, key: key, release: release}
}

// Key returns the routing key the pool was opened for.
func (p *Pool) Key() string {
	return p.key
}

// Close closes the pool and every connection it holds.
func (p *Pool) Close() error {
	err := p.DB.Close()
	if p.release != nil {
		p.release()
	}
	return err
}

// Opener connects to a target.
type Opener func(ctx context.Context, t Target) (*Pool, error)

// PoolConfig tunes the pools built by PgxOpener. Zero values keep the pgx
// defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConnectTimeout bounds connecting and the health check on open.
const DefaultConnectTimeout = 5 * time.Second

// PgxOpener returns an Opener backed by pgxpool. Pools are checked with a
// ping before they are handed out.
func PgxOpener(cfg PoolConfig) Opener {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	return func(ctx context.Context, t Target) (*Pool, error) {
		pcfg, err := pgxpool.ParseConfig(t.DSN())
		if err != nil {
			return nil, fmt.Errorf("parse pool config for %s: %w", t.Key(), err)
		}
		if cfg.MaxConns > 0 {
			pcfg.MaxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			pcfg.MinConns = cfg.MinConns
		}
		if cfg.MaxConnLifetime > 0 {
			pcfg.MaxConnLifetime = cfg.MaxConnLifetime
		}
		if cfg.MaxConnIdleTime > 0 {
			pcfg.MaxConnIdleTime = cfg.MaxConnIdleTime
		}
		pcfg.ConnConfig.ConnectTimeout = timeout

		pgx, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, fmt.Errorf("open pool for %s: %w", t.Key(), err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := pgx.Ping(pingCtx); err != nil {
			pgx.Close()
			return nil, fmt.Errorf("ping %s: %w", t.Key(), err)
		}

		return New(stdlib.OpenDBFromPool(pgx), t.Key(), pgx.Close), nil
	}
}
