package sqlpool

import (
	"database/sql"
	"time"
)

// Client is a pooled connection handle. It is owned by exactly one holder
// at a time: the caller that checked it out or the pool's idle set.
type Client struct {
	id        uint64
	session   Session
	createdAt time.Time
}

func newClient(id uint64, s Session) *Client {
	return &Client{
		id:        id,
		session:   s,
		createdAt: time.Now(),
	}
}

// ID returns the pool-unique identifier of this connection.
func (c *Client) ID() uint64 {
	return c.id
}

// CreatedAt returns when the connection was opened.
func (c *Client) CreatedAt() time.Time {
	return c.createdAt
}

// Session returns the underlying session.
func (c *Client) Session() Session {
	return c.session
}

// Conn returns the pinned *sql.Conn for sessions opened by go-mssqldb, or
// nil for sessions from a custom Opener.
func (c *Client) Conn() *sql.Conn {
	if s, ok := c.session.(*sqlSession); ok {
		return s.conn
	}
	return nil
}
