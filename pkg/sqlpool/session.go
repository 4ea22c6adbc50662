package sqlpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

// Session is one live connection to the server as seen by the pool: it can
// be probed for liveness and closed. Query execution goes through the
// driver-specific accessors on Client.
type Session interface {
	Ping(ctx context.Context) error
	Close() error
}

// Opener opens new sessions. Open must be safe for concurrent use and must
// open a fresh session on every call.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Session, error)

func (f OpenerFunc) Open(ctx context.Context) (Session, error) {
	return f(ctx)
}

// sqlSession pins one physical SQL Server connection.
type sqlSession struct {
	db   *sql.DB
	conn *sql.Conn
}

// Ping probes the pinned connection. A broken connection fails the probe
// instead of being transparently replaced by database/sql.
func (s *sqlSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *sqlSession) Close() error {
	return errors.Join(s.conn.Close(), s.db.Close())
}

// sqlOpener opens sessions through go-mssqldb.
type sqlOpener struct {
	openDB func() *sql.DB
}

func newSQLOpener(cfg Config, tune func(*net.TCPConn) error) (*sqlOpener, error) {
	connector, err := mssql.NewConnector(cfg.DSN())
	if err != nil {
		return nil, configError(ReasonInvalid, "driver rejected configuration: %w", err)
	}
	connector.Dialer = &tcpDialer{
		dialer: net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second},
		tune:   tune,
	}
	return &sqlOpener{openDB: func() *sql.DB { return sql.OpenDB(connector) }}, nil
}

// Open dials, logs in and pins a single connection.
func (o *sqlOpener) Open(ctx context.Context) (Session, error) {
	db := o.openDB()

	// Each session owns exactly one physical connection; lifetime is managed by the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &sqlSession{db: db, conn: conn}, nil
}

// tcpDialer applies tune to every TCP connection the driver dials.
type tcpDialer struct {
	dialer net.Dialer
	tune   func(*net.TCPConn) error
}

func (d *tcpDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok && d.tune != nil {
		if err := d.tune(tcp); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tune tcp connection: %w", err)
		}
	}
	return conn, nil
}

func setNoDelay(c *net.TCPConn) error {
	return c.SetNoDelay(true)
}
