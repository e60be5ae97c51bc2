package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/useorgx/orgx-local/internal/cmn/logger"
)

// Event types pushed to dashboard subscribers.
const (
	EventRuntimeUpdated  = "runtime.updated"
	EventActivityCreated = "activity.created"
	EventDispatchUpdated = "dispatch.updated"
	EventAutoContinue    = "autocontinue.updated"
)

// Config controls the hub timers.
type Config struct {
	KeepaliveInterval time.Duration
	SweepInterval     time.Duration
	MaxClients        int
}

// Hub fans runtime and activity events out to SSE subscribers. Its
// keepalive and staleness-sweep timers run only while at least one
// subscriber is connected.
type Hub struct {
	cfg      Config
	registry *Registry
	metrics  *Metrics

	mu           sync.Mutex
	clients      map[*Client]struct{}
	fingerprints map[string]string
	stopTimers   context.CancelFunc
}

// New creates a Hub over the given registry. metrics may be nil.
func New(cfg Config, registry *Registry, metrics *Metrics) *Hub {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 20 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	return &Hub{
		cfg:          cfg,
		registry:     registry,
		metrics:      metrics,
		clients:      make(map[*Client]struct{}),
		fingerprints: make(map[string]string),
	}
}

// Subscribe registers a client. The first subscriber starts the keepalive
// and sweep timers.
func (h *Hub) Subscribe(ctx context.Context, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.MaxClients > 0 && len(h.clients) >= h.cfg.MaxClients {
		return false
	}
	h.clients[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.Subscribers.Inc()
	}
	if len(h.clients) == 1 {
		timerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		h.stopTimers = cancel
		go h.keepaliveLoop(timerCtx)
		go h.sweepLoop(timerCtx)
	}
	return true
}

// Unsubscribe removes and closes a client. The last departure cancels
// both timers.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.Close()
	if h.metrics != nil {
		h.metrics.Subscribers.Dec()
	}
	if len(h.clients) == 0 && h.stopTimers != nil {
		h.stopTimers()
		h.stopTimers = nil
	}
}

// SubscriberCount reports the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues an event on every subscriber, dropping clients whose
// queues stay full.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	var dropped []*Client
	for c := range h.clients {
		if !c.Send(ev) {
			dropped = append(dropped, c)
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.EventsTotal.WithLabelValues(ev.Type).Inc()
	}
	for _, c := range dropped {
		if h.metrics != nil {
			h.metrics.DroppedClients.Inc()
		}
		h.Unsubscribe(c)
	}
}

// PublishInstance emits a runtime.updated event for one instance and
// records its fingerprint so the sweep does not re-announce it.
func (h *Hub) PublishInstance(ctx context.Context, inst RuntimeInstance) {
	data, err := json.Marshal(inst)
	if err != nil {
		logger.Error(ctx, "Failed to marshal runtime instance", "err", err)
		return
	}
	h.mu.Lock()
	h.fingerprints[inst.ID] = inst.Fingerprint()
	h.mu.Unlock()
	h.Broadcast(Event{Type: EventRuntimeUpdated, Data: string(data)})
}

// keepaliveLoop pings every subscriber on the keepalive interval.
func (h *Hub) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C:
			h.mu.Lock()
			for c := range h.clients {
				c.Ping(at)
			}
			h.mu.Unlock()
		}
	}
}

// sweepLoop re-reads the registry on the sweep interval and announces
// instances whose fingerprint changed, which is how heartbeat silence
// surfaces as a stale transition without any new hook POST.
func (h *Hub) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce(ctx)
		}
	}
}

func (h *Hub) sweepOnce(ctx context.Context) {
	for _, inst := range h.registry.Snapshot() {
		fp := inst.Fingerprint()
		h.mu.Lock()
		changed := h.fingerprints[inst.ID] != fp
		if changed {
			h.fingerprints[inst.ID] = fp
		}
		h.mu.Unlock()
		if !changed {
			continue
		}
		data, err := json.Marshal(inst)
		if err != nil {
			logger.Error(ctx, "Failed to marshal runtime instance", "err", err)
			continue
		}
		h.Broadcast(Event{Type: EventRuntimeUpdated, Data: string(data)})
	}
}
