// Package journal keeps a durable record of every share sent upstream and
// the pool's verdict on it. It runs on PostgreSQL or, for a single rig, on a
// local SQLite file.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
	// SQLite driver for database/sql
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Client wraps the journal database
type Client struct {
	db     *sqlx.DB
	driver string
}

// Config holds journal connection configuration
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient opens the database, checks it answers and creates the journal
// table if it does not exist.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	schema, ok := schemas[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported journal driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// one writer; SQLite serializes anyway and this avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create journal table: %w", err)
	}

	return &Client{db: db, driver: cfg.Driver}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Driver names the database/sql driver in use.
func (c *Client) Driver() string {
	return c.driver
}

// Shares returns the share repository over this connection.
func (c *Client) Shares() *ShareRepository {
	return NewShareRepository(c.db)
}
