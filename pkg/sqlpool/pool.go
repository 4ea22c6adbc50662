// Package sqlpool is a connection pool for SQL Server built on go-mssqldb.
//
// A pool is configured with a Builder, either through setters or from an
// ADO connection string, and finalized once with CreatePool:
//
//	pool, err := sqlpool.NewBuilder().
//		Host("db.internal").
//		Port(1433).
//		BasicAuthentication("app", "secret").
//		Database("orders").
//		MaxSize(20).
//		WaitTimeout(1520 * time.Millisecond).
//		PreRecycle(func(c *sqlpool.Client, m sqlpool.Metrics) error {
//			return nil
//		}).
//		CreatePool()
//
// Connections are opened lazily on checkout and validated with a liveness
// probe and the configured hooks each time they are reused. Only
// configuration, connection and timeout errors reach callers; a connection
// rejected on reuse is discarded and replaced transparently.
package sqlpool

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/objpool"
)

// Status holds pool statistics.
type Status = objpool.Status

// Pool hands out exclusive connections.
type Pool struct {
	inner   *objpool.Pool[*Client]
	manager *Manager
	logger  *zap.Logger
}

// Get checks out a connection, waiting at most the configured wait timeout.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	obj, err := p.inner.Get(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return &Conn{obj: obj}, nil
}

// GetTimeout checks out a connection, waiting at most wait. A zero wait
// fails immediately when no connection is free.
func (p *Pool) GetTimeout(ctx context.Context, wait time.Duration) (*Conn, error) {
	obj, err := p.inner.GetTimeout(ctx, wait)
	if err != nil {
		return nil, translate(err)
	}
	return &Conn{obj: obj}, nil
}

// Status returns current pool statistics.
func (p *Pool) Status() Status {
	return p.inner.Status()
}

// Config returns the pool's finalized configuration.
func (p *Pool) Config() Config {
	return p.manager.cfg
}

// Retain closes idle connections for which keep returns false.
func (p *Pool) Retain(keep func(c *Client, m Metrics) bool) int {
	return p.inner.Retain(keep)
}

// Close closes idle connections and fails pending checkouts. Connections
// still checked out are closed when released.
func (p *Pool) Close() {
	p.inner.Close()
}

// IsClosed reports whether Close has been called.
func (p *Pool) IsClosed() bool {
	return p.inner.IsClosed()
}

// Conn is a checked-out connection. Release it when done; a Conn that is
// garbage collected without Release is returned to the pool.
type Conn struct {
	obj *objpool.Object[*Client]
}

// Client returns the connection handle.
func (c *Conn) Client() *Client {
	return c.obj.Value()
}

// SQL returns the pinned *sql.Conn for queries.
func (c *Conn) SQL() *sql.Conn {
	return c.obj.Value().Conn()
}

// Metrics returns the connection's metrics and a pool snapshot.
func (c *Conn) Metrics() Metrics {
	return c.obj.Metrics()
}

// Release returns the connection to the pool.
func (c *Conn) Release() {
	c.obj.Release()
}

// Discard closes the connection instead of returning it, e.g. after a
// protocol error left it in an unknown state.
func (c *Conn) Discard() {
	c.obj.Discard()
}
