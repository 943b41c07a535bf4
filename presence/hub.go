// Package presence tracks which visitors are currently connected and
// publishes an approximate online count.
//
// The server side is a Hub keyed by connection; every connection carries the
// visitor key it belongs to (an account id or an anonymous id). Each change
// is broadcast with the full roster, and a Counter on the receiving side
// rebuilds the distinct set from that roster. A visitor with three tabs open
// is three connections but one online visitor.
package presence

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

type EventType string

const (
	EventSync  EventType = "sync"
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
)

// Event is what subscribers and websocket clients receive. Roster holds one
// key per live connection, so keys repeat.
type Event struct {
	Type   EventType `json:"event"`
	Key    string    `json:"key,omitempty"`
	Roster []string  `json:"roster"`
	Online int       `json:"online"`
}

type connection struct {
	key      string
	lastSeen time.Time
}

type Hub struct {
	ttl    time.Duration
	clock  quartz.Clock
	logger slog.Logger

	mu    sync.Mutex
	conns map[uuid.UUID]*connection
	subs  map[uuid.UUID]func(Event)

	// emitMu orders broadcasts so subscribers never see an older roster
	// after a newer one.
	emitMu sync.Mutex

	online      prometheus.Gauge
	connections prometheus.Gauge
}

type Option func(*Hub)

func WithClock(c quartz.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

func WithLogger(logger slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(h *Hub) {
		h.online = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rinkside",
			Subsystem: "presence",
			Name:      "online",
			Help:      "Distinct visitors with at least one live connection.",
		})
		h.connections = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rinkside",
			Subsystem: "presence",
			Name:      "connections",
			Help:      "Live presence connections.",
		})
		reg.MustRegister(h.online, h.connections)
	}
}

// NewHub returns a hub that drops connections silent for longer than ttl.
func NewHub(ttl time.Duration, opts ...Option) *Hub {
	h := &Hub{
		ttl:   ttl,
		clock: quartz.NewReal(),
		conns: make(map[uuid.UUID]*connection),
		subs:  make(map[uuid.UUID]func(Event)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Track registers a new connection for key and returns its id.
func (h *Hub) Track(key string) uuid.UUID {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	id := uuid.New()
	h.mu.Lock()
	h.conns[id] = &connection{key: key, lastSeen: h.clock.Now()}
	h.mu.Unlock()

	h.emit(EventJoin, key)
	return id
}

// Heartbeat marks the connection alive. It reports false if the connection
// is no longer tracked.
func (h *Hub) Heartbeat(id uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	if !ok {
		return false
	}
	c.lastSeen = h.clock.Now("presence", "heartbeat")
	return true
}

func (h *Hub) Untrack(id uuid.UUID) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if ok {
		h.emit(EventLeave, c.key)
	}
}

// Sweep drops connections whose last heartbeat is older than the ttl.
func (h *Hub) Sweep() {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	now := h.clock.Now()
	var expired []string
	h.mu.Lock()
	for id, c := range h.conns {
		if now.Sub(c.lastSeen) > h.ttl {
			delete(h.conns, id)
			expired = append(expired, c.key)
		}
	}
	h.mu.Unlock()

	for _, key := range expired {
		h.logger.Debug(context.Background(), "presence connection timed out", slog.F("key", key))
		h.emit(EventLeave, key)
	}
}

// Run sweeps periodically until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	interval := h.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	w := h.clock.TickerFunc(ctx, interval, func() error {
		h.Sweep()
		return nil
	}, "presence", "sweep")
	_ = w.Wait()
}

// Subscribe registers fn for every event and immediately delivers a sync.
// fn is called synchronously by whichever goroutine made the change, so it
// must not block or call back into the hub.
func (h *Hub) Subscribe(fn func(Event)) (cancel func()) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	id := uuid.New()
	h.mu.Lock()
	h.subs[id] = fn
	ev := h.snapshot(EventSync, "")
	h.mu.Unlock()
	fn(ev)

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Roster returns one key per live connection.
func (h *Hub) Roster() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.roster()
}

// Online returns the number of distinct keys with a live connection.
func (h *Hub) Online() int {
	return Distinct(h.Roster())
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) roster() []string {
	keys := make([]string, 0, len(h.conns))
	for _, c := range h.conns {
		keys = append(keys, c.key)
	}
	return keys
}

// snapshot must be called with mu held.
func (h *Hub) snapshot(t EventType, key string) Event {
	r := h.roster()
	return Event{Type: t, Key: key, Roster: r, Online: Distinct(r)}
}

// emit must be called with emitMu held and mu released.
func (h *Hub) emit(t EventType, key string) {
	h.mu.Lock()
	ev := h.snapshot(t, key)
	subs := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	conns := len(h.conns)
	h.mu.Unlock()

	if h.online != nil {
		h.online.Set(float64(ev.Online))
		h.connections.Set(float64(conns))
	}
	for _, fn := range subs {
		fn(ev)
	}
}

// Distinct counts unique non-empty keys.
func Distinct(keys []string) int {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		seen[k] = struct{}{}
	}
	return len(seen)
}
