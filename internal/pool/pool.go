// Package pool owns the process-wide database connection pool and lets the
// fixture retarget it when a new container replaces the old one. The
// *sql.DB identity is stable across repoints, so application code holding it
// never reopens anything; only the endpoint behind it moves.
package pool

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/pastyface/dbsnap/internal/conf"
)

// Pool is the connection pool capability the fixture mutates: repointing it
// at a new endpoint and purging connections made to an old one.
type Pool interface {
	// SetURL retargets the pool at the endpoint the DSN describes. New
	// connections dial it immediately; connections to the previous endpoint
	// are invalidated as if Purge had been called.
	SetURL(dsn string) error

	// Purge invalidates every connection currently pooled without changing
	// the target. Invalidated connections are discarded the next time the
	// pool picks them up, never handed to a caller.
	Purge()

	// DB exposes the retargetable pool to application code.
	DB() *sql.DB

	// PingContext verifies the current target accepts connections.
	PingContext(ctx context.Context) error

	// Close closes the pool.
	Close() error
}

// SQLPool implements Pool over database/sql with the MySQL driver.
type SQLPool struct {
	db  *sql.DB
	tgt *target
	log zerolog.Logger
}

// New builds a pool with no target; SetURL must be called before use.
func New(cfg *conf.PoolSettings, log zerolog.Logger) *SQLPool {
	tgt := &target{}
	db := sql.OpenDB(&retargetConnector{tgt: tgt})
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Std())
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime.Std())

	return &SQLPool{
		db:  db,
		tgt: tgt,
		log: log.With().Str("component", "pool").Logger(),
	}
}

// SetURL parses the DSN and swaps the pool's target. Existing connections
// belong to the previous epoch afterwards and are discarded on pickup.
func (p *SQLPool) SetURL(dsn string) error {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fmt.Errorf("failed to parse pool DSN: %w", err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return fmt.Errorf("failed to build connector for %s: %w", cfg.Addr, err)
	}

	epoch := p.tgt.set(connector, cfg.Addr)
	p.log.Debug().Str("addr", cfg.Addr).Uint64("epoch", epoch).Msg("pool repointed")
	return nil
}

// Purge invalidates all pooled connections by advancing the epoch.
func (p *SQLPool) Purge() {
	epoch := p.tgt.invalidate()
	p.log.Debug().Uint64("epoch", epoch).Msg("pool purged")
}

// DB returns the retargetable pool.
func (p *SQLPool) DB() *sql.DB {
	return p.db
}

// Addr returns the address of the current target, or "" before the first
// SetURL.
func (p *SQLPool) Addr() string {
	return p.tgt.address()
}

// PingContext verifies the current target accepts connections.
func (p *SQLPool) PingContext(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the pool and all its connections.
func (p *SQLPool) Close() error {
	return p.db.Close()
}
