package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoSender is returned by SendMessage when the connection's transport
// cannot push unsolicited messages.
var ErrNoSender = errors.New("connection has no message sender")

// Sender is implemented by transports that can push messages to a
// connected client.
type Sender interface {
	SendMessage(ctx context.Context, message any, messageID string) error
}

// ConnectionOptions describes a new connection.
type ConnectionOptions struct {
	ID          string
	Fingerprint string
	Type        string
	RemoteIP    string
	RemotePort  int
	Params      map[string]any
	Meta        map[string]string
	Sender      Sender
}

// Connection is the transport-neutral representation of a caller. Identity
// fields are fixed at construction; counters, sticky params and room
// membership are safe for concurrent use.
type Connection struct {
	ID          string
	Fingerprint string
	Type        string
	RemoteIP    string
	RemotePort  int
	ConnectedAt time.Time

	meta   map[string]string
	sender Sender

	mu     sync.RWMutex
	params map[string]any
	rooms  map[string]struct{}

	pendingActions atomic.Int64
	totalActions   atomic.Int64
	messageCount   atomic.Int64
}

// NewConnection builds a connection from opts. Fingerprint defaults to ID.
func NewConnection(opts ConnectionOptions) *Connection {
	c := &Connection{
		ID:          opts.ID,
		Fingerprint: opts.Fingerprint,
		Type:        opts.Type,
		RemoteIP:    opts.RemoteIP,
		RemotePort:  opts.RemotePort,
		ConnectedAt: time.Now(),
		meta:        make(map[string]string, len(opts.Meta)),
		sender:      opts.Sender,
		params:      make(map[string]any, len(opts.Params)),
		rooms:       make(map[string]struct{}),
	}
	if c.Fingerprint == "" {
		c.Fingerprint = c.ID
	}
	for k, v := range opts.Meta {
		c.meta[k] = v
	}
	for k, v := range opts.Params {
		c.params[k] = v
	}
	return c
}

// Meta returns transport metadata recorded at construction, such as
// request headers.
func (c *Connection) Meta(key string) string {
	return c.meta[key]
}

// BeginAction increments both action counters and returns the new pending
// count.
func (c *Connection) BeginAction() int64 {
	c.totalActions.Add(1)
	return c.pendingActions.Add(1)
}

// EndAction decrements the pending counter. It never goes below zero.
func (c *Connection) EndAction() int64 {
	for {
		cur := c.pendingActions.Load()
		if cur <= 0 {
			return 0
		}
		if c.pendingActions.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// PendingActions returns the number of in-flight actions.
func (c *Connection) PendingActions() int64 {
	return c.pendingActions.Load()
}

// TotalActions returns the number of actions ever started.
func (c *Connection) TotalActions() int64 {
	return c.totalActions.Load()
}

// NextMessageID returns a monotonically increasing per-connection message
// identifier.
func (c *Connection) NextMessageID() string {
	return fmt.Sprintf("%d", c.messageCount.Add(1))
}

// Params returns a copy of the connection's sticky params.
func (c *Connection) Params() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// SetParam stores a sticky param.
func (c *Connection) SetParam(key string, value any) {
	c.mu.Lock()
	c.params[key] = value
	c.mu.Unlock()
}

// DeleteParam removes a sticky param.
func (c *Connection) DeleteParam(key string) {
	c.mu.Lock()
	delete(c.params, key)
	c.mu.Unlock()
}

// ClearParams removes every sticky param.
func (c *Connection) ClearParams() {
	c.mu.Lock()
	c.params = make(map[string]any)
	c.mu.Unlock()
}

// Rooms returns the rooms this connection is a member of, sorted.
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// InRoom reports room membership.
func (c *Connection) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// JoinRoom adds room to the membership set. It returns false if the
// connection was already a member.
func (c *Connection) JoinRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

// LeaveRoom removes room from the membership set. It returns false if the
// connection was not a member.
func (c *Connection) LeaveRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

// SendMessage pushes a message through the transport.
func (c *Connection) SendMessage(ctx context.Context, message any, messageID string) error {
	if c.sender == nil {
		return ErrNoSender
	}
	return c.sender.SendMessage(ctx, message, messageID)
}

// Details returns a serializable description of the connection.
func (c *Connection) Details() map[string]any {
	return map[string]any{
		"id":             c.ID,
		"fingerprint":    c.Fingerprint,
		"type":           c.Type,
		"remoteIP":       c.RemoteIP,
		"remotePort":     c.RemotePort,
		"connectedAt":    c.ConnectedAt.UnixMilli(),
		"pendingActions": c.PendingActions(),
		"totalActions":   c.TotalActions(),
		"rooms":          c.Rooms(),
		"params":         c.Params(),
	}
}
