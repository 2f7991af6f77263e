package pool

import (
	"context"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
)

// ErrNoTarget is returned for connection attempts made before the first
// SetURL.
var ErrNoTarget = errors.New("connection pool has no target endpoint")

// target holds the connector for the current endpoint and the epoch counter
// pooled connections validate themselves against. Advancing the epoch
// orphans every connection dialed under an earlier one.
type target struct {
	mu        sync.RWMutex
	connector driver.Connector
	addr      string
	epoch     atomic.Uint64
}

func (t *target) set(connector driver.Connector, addr string) uint64 {
	t.mu.Lock()
	t.connector = connector
	t.addr = addr
	t.mu.Unlock()
	return t.epoch.Add(1)
}

func (t *target) invalidate() uint64 {
	return t.epoch.Add(1)
}

func (t *target) current() (driver.Connector, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connector, t.epoch.Load()
}

func (t *target) address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr
}

// retargetConnector dials whatever the current target is and stamps each
// connection with the epoch it was created under.
type retargetConnector struct {
	tgt *target
}

func (c *retargetConnector) Connect(ctx context.Context) (driver.Conn, error) {
	connector, epoch := c.tgt.current()
	if connector == nil {
		return nil, ErrNoTarget
	}
	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &epochConn{Conn: conn, tgt: c.tgt, epoch: epoch}, nil
}

func (c *retargetConnector) Driver() driver.Driver {
	return mysql.MySQLDriver{}
}

// epochConn wraps a driver connection with the epoch it was dialed under.
// database/sql calls ResetSession when it picks a pooled connection and
// IsValid when one is returned; answering ErrBadConn and false for
// connections from an older epoch makes the pool drop them instead of
// reusing them against an endpoint that no longer exists.
type epochConn struct {
	driver.Conn
	tgt   *target
	epoch uint64
}

func (c *epochConn) stale() bool {
	return c.epoch != c.tgt.epoch.Load()
}

func (c *epochConn) ResetSession(ctx context.Context) error {
	if c.stale() {
		return driver.ErrBadConn
	}
	if sr, ok := c.Conn.(driver.SessionResetter); ok {
		return sr.ResetSession(ctx)
	}
	return nil
}

func (c *epochConn) IsValid() bool {
	if c.stale() {
		return false
	}
	if v, ok := c.Conn.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

// The wrapper would otherwise hide the driver's optional interfaces from
// database/sql, forcing it onto prepare-everything fallback paths.

func (c *epochConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		return pc.PrepareContext(ctx, query)
	}
	return c.Conn.Prepare(query)
}

func (c *epochConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	ec, ok := c.Conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	return ec.ExecContext(ctx, query, args)
}

func (c *epochConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	qc, ok := c.Conn.(driver.QueryerContext)
	if !ok {
		return nil, driver.ErrSkip
	}
	return qc.QueryContext(ctx, query, args)
}

func (c *epochConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	return c.Conn.Begin() //nolint:staticcheck // fallback for drivers without ConnBeginTx
}

func (c *epochConn) Ping(ctx context.Context) error {
	if p, ok := c.Conn.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *epochConn) CheckNamedValue(nv *driver.NamedValue) error {
	if nvc, ok := c.Conn.(driver.NamedValueChecker); ok {
		return nvc.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}
