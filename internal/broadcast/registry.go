package broadcast

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Connection is one accepted WebSocket client. WorkflowID is empty when
// the client subscribed to every workflow (SPEC_FULL.md §4.5).
type Connection struct {
	ID         string
	WorkflowID string
	conn       *websocket.Conn
	mu         sync.Mutex
}

func (c *Connection) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

// ReadMessage blocks for the next client frame. The engine never
// expects inbound application messages on this socket; callers use
// this purely to detect client-initiated close.
func (c *Connection) ReadMessage() (messageType int, p []byte, err error) {
	return c.conn.ReadMessage()
}

// Registry is the Connection Registry (component F): an in-memory,
// mutex-guarded table of live connections. It is deliberately
// per-process — the gateway is the only process that terminates
// WebSocket traffic, so there is nothing to replicate (SPEC_FULL.md
// §4.5, §5).
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

func (r *Registry) Add(id, workflowID string, conn *websocket.Conn) *Connection {
	c := &Connection{ID: id, WorkflowID: workflowID, conn: conn}
	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()
	return c
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Subscribers returns every connection that should receive an update
// for workflowID: those with no filter and those filtered to this
// workflow specifically.
func (r *Registry) Subscribers(workflowID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.WorkflowID == "" || c.WorkflowID == workflowID {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
