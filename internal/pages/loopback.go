package pages

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

var errConnClosed = errors.New("page connection closed")

// Loopback is an in-process SurfaceFactory. Posts are recorded and logged;
// Emit plays the page's side. The binary uses it in dry-run mode.
type Loopback struct {
	mu    sync.Mutex
	conns map[tabs.ID]*LoopbackConn
	log   *slog.Logger
}

func NewLoopback(log *slog.Logger) *Loopback {
	if log == nil {
		log = slog.Default()
	}
	return &Loopback{conns: make(map[tabs.ID]*LoopbackConn), log: log.With("component", "loopback")}
}

func (l *Loopback) OpenPage(ctx context.Context, id tabs.ID) (PageConn, error) {
	c := &LoopbackConn{id: id, log: l.log, posted: make(chan []byte, 64)}
	l.mu.Lock()
	l.conns[id] = c
	l.mu.Unlock()
	return c, nil
}

// Conn returns the most recent connection opened for tab id.
func (l *Loopback) Conn(id tabs.ID) *LoopbackConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[id]
}

// LoopbackConn is one simulated page.
type LoopbackConn struct {
	id  tabs.ID
	log *slog.Logger

	mu      sync.Mutex
	handler func([]byte)
	posts   [][]byte
	closed  bool
	posted  chan []byte
}

func (c *LoopbackConn) Post(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.posts = append(c.posts, payload)
	select {
	case c.posted <- payload:
	default:
	}
	c.log.Debug("loopback post", "tab_id", c.id, "payload", string(payload))
	return nil
}

func (c *LoopbackConn) OnMessage(fn func(raw []byte)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *LoopbackConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Emit delivers raw as if the page had posted it. It reports false when no
// handler is registered or the connection is closed.
func (c *LoopbackConn) Emit(raw []byte) bool {
	c.mu.Lock()
	fn, closed := c.handler, c.closed
	c.mu.Unlock()
	if fn == nil || closed {
		return false
	}
	fn(raw)
	return true
}

// Posts returns every payload posted to the page so far.
func (c *LoopbackConn) Posts() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.posts...)
}

// Posted streams posts as they happen. Posts beyond its buffer are only
// kept in Posts.
func (c *LoopbackConn) Posted() <-chan []byte { return c.posted }

// Listening reports whether a relay handler is registered and the
// connection is open.
func (c *LoopbackConn) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil && !c.closed
}

func (c *LoopbackConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
