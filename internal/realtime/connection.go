package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrConnectionClosed = errors.New("connection closed")

// Connection is one realtime channel to one client device or tab.
type Connection struct {
	id     string
	userID string
	sink   Sink
	now    func() time.Time

	lastActivity atomic.Int64
	closed       atomic.Bool
	closeOnce    sync.Once
}

func NewConnection(id, userID string, sink Sink, now func() time.Time) *Connection {
	if now == nil {
		now = time.Now
	}
	c := &Connection{id: id, userID: userID, sink: sink, now: now}
	c.lastActivity.Store(now().UnixNano())
	return c
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// Push hands payload to the sink and touches the activity clock on success.
func (c *Connection) Push(payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := c.sink.Send(payload); err != nil {
		return err
	}
	c.lastActivity.Store(c.now().UnixNano())
	return nil
}

// Close marks the connection closed and closes its sink exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.sink.Close()
	})
}
