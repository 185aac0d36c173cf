package gateway

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/vovakirdan/wirerelay/internal/core"
)

// Conn is the gateway-local side of one live connection. Pushes for it arrive
// through Deliver and are written by the owning session.
type Conn struct {
	ID     string
	UserID string

	mu     sync.Mutex
	closed bool
	out    chan core.Message
	seen   *lru.Cache
}

func newConn(id, userID string, buffer, dedup int) *Conn {
	seen, err := lru.New(dedup)
	if err != nil {
		// only fails on a non-positive size
		seen, _ = lru.New(1)
	}
	return &Conn{
		ID:     id,
		UserID: userID,
		out:    make(chan core.Message, buffer),
		seen:   seen,
	}
}

// Deliver queues msg for the connection without blocking.
func (c *Conn) Deliver(msg core.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return core.ErrSlowConsumer
	}
}

// markSeen records a message id and reports whether it was pushed before.
func (c *Conn) markSeen(messageID string) (duplicate bool) {
	duplicate, _ = c.seen.ContainsOrAdd(messageID, struct{}{})
	return duplicate
}

// shutdown stops further deliveries and returns what was accepted but never written.
func (c *Conn) shutdown() []core.Message {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	var left []core.Message
	for {
		select {
		case msg := <-c.out:
			left = append(left, msg)
		default:
			return left
		}
	}
}

// ConnTable indexes the connections served by this process.
type ConnTable struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byUser map[string]map[string]*Conn
}

func NewConnTable() *ConnTable {
	return &ConnTable{
		byID:   make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
	}
}

func (t *ConnTable) Add(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[c.ID] = c
	userConns, ok := t.byUser[c.UserID]
	if !ok {
		userConns = make(map[string]*Conn)
		t.byUser[c.UserID] = userConns
	}
	userConns[c.ID] = c
}

func (t *ConnTable) Remove(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, c.ID)
	if userConns, ok := t.byUser[c.UserID]; ok {
		delete(userConns, c.ID)
		if len(userConns) == 0 {
			delete(t.byUser, c.UserID)
		}
	}
}

func (t *ConnTable) Get(id string) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[id]
	return c, ok
}

func (t *ConnTable) ByUser(userID string) []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Conn, 0, len(t.byUser[userID]))
	for _, c := range t.byUser[userID] {
		out = append(out, c)
	}
	return out
}

func (t *ConnTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
