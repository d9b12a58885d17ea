// ABOUTME: Tracks the live connections held by this instance, keyed by connection ID.
// ABOUTME: Mutated only by connection lifecycle events, read by the delivery dispatcher.

package conn

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyRegistered indicates a connection with the same ID is already tracked.
var ErrAlreadyRegistered = errors.New("connection already registered")

// Pusher is the narrow transport surface the core needs from a live
// connection: the ability to push one lightweight frame to the client.
// The raw read/write loop behind it lives outside the core.
type Pusher interface {
	Push(payload []byte) error
}

// Conn associates a connection ID and its user with the live transport handle.
type Conn struct {
	ID     string
	UserID string

	pusher Pusher
}

// NewConn creates a tracked connection record for a live transport handle.
func NewConn(id, userID string, pusher Pusher) *Conn {
	return &Conn{
		ID:     id,
		UserID: userID,
		pusher: pusher,
	}
}

// Push forwards a frame to the underlying transport.
func (c *Conn) Push(payload []byte) error {
	return c.pusher.Push(payload)
}

// Table is the per-instance in-memory connection table. A connection is
// present iff its transport is currently attached to this instance.
type Table struct {
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewTable creates an empty connection table.
func NewTable(logger *slog.Logger) *Table {
	return &Table{
		conns:  make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		logger: logger,
	}
}

// Add registers a newly established connection.
// Returns ErrAlreadyRegistered if the connection ID is already present.
func (t *Table) Add(c *Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.conns[c.ID]; exists {
		return ErrAlreadyRegistered
	}

	t.conns[c.ID] = c
	if t.byUser[c.UserID] == nil {
		t.byUser[c.UserID] = make(map[string]*Conn)
	}
	t.byUser[c.UserID][c.ID] = c

	t.logger.Info("connection attached",
		"conn_id", c.ID,
		"user_id", c.UserID,
		"total_conns", len(t.conns),
	)
	return nil
}

// Remove drops a connection from the table. Removing an unknown ID is a no-op.
func (t *Table) Remove(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, exists := t.conns[connID]
	if !exists {
		return
	}

	delete(t.conns, connID)
	if userConns := t.byUser[c.UserID]; userConns != nil {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(t.byUser, c.UserID)
		}
	}

	t.logger.Info("connection detached",
		"conn_id", connID,
		"user_id", c.UserID,
		"total_conns", len(t.conns),
	)
}

// Get retrieves a connection by ID.
func (t *Table) Get(connID string) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.conns[connID]
	return c, ok
}

// ConnsForUser returns all connections the given user holds on this instance.
// Multiple devices or tabs produce multiple entries.
func (t *Table) ConnsForUser(userID string) []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	userConns := t.byUser[userID]
	out := make([]*Conn, 0, len(userConns))
	for _, c := range userConns {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every connection attached to this instance.
func (t *Table) All() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of connections currently attached to this instance.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.conns)
}
