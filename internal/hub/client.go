package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// clientBufferSize bounds the per-subscriber event queue. A subscriber
// that cannot drain this many events is dropped rather than blocking the
// broadcast path.
const clientBufferSize = 64

// Event is one SSE frame.
type Event struct {
	Type string
	Data string
}

// keepaliveComment renders the comment frame sent between events so
// proxies keep the connection open.
func keepaliveComment(at time.Time) string {
	return fmt.Sprintf(": ping %d\n\n", at.Unix())
}

// Client is one SSE subscriber with a bounded send queue.
type Client struct {
	events chan Event
	pings  chan time.Time
	done   chan struct{}

	closeOnce    sync.Once
	backpressure atomic.Bool
}

// NewClient creates a subscriber ready to be registered with a Hub.
func NewClient() *Client {
	return &Client{
		events: make(chan Event, clientBufferSize),
		pings:  make(chan time.Time, 1),
		done:   make(chan struct{}),
	}
}

// Send queues an event without blocking. A full queue marks the client
// backpressured and reports false.
func (c *Client) Send(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	default:
		c.backpressure.Store(true)
		return false
	}
}

// Ping queues a keepalive unless the client is backpressured. Keepalives
// are best-effort and never contribute to queue pressure.
func (c *Client) Ping(at time.Time) {
	if c.backpressure.Load() {
		return
	}
	select {
	case c.pings <- at:
	default:
	}
}

// Close releases the client. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed when the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// SetSSEHeaders writes the standard event-stream response headers.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WritePump streams queued events to w until the context ends or the
// client is closed. It assumes SetSSEHeaders has already run.
func (c *Client) WritePump(ctx context.Context, w http.ResponseWriter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.events:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data); err != nil {
				c.Close()
				return
			}
			flusher.Flush()
			// The queue drained one event; the transport accepted it.
			c.backpressure.Store(false)
		case at := <-c.pings:
			if _, err := fmt.Fprint(w, keepaliveComment(at)); err != nil {
				c.Close()
				return
			}
			flusher.Flush()
		}
	}
}
