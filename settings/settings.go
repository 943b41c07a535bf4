// Package settings exposes typed forum configuration stored in the
// forum_settings table. Values are cached in memory, refreshed after a short
// staleness window, and dropped as soon as the database announces a change.
package settings

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

type Type string

const (
	TypeBoolean Type = "boolean"
	TypeNumber  Type = "number"
	TypeString  Type = "string"
	TypeJSON    Type = "json"
)

func (t Type) Valid() bool {
	switch t {
	case TypeBoolean, TypeNumber, TypeString, TypeJSON:
		return true
	}
	return false
}

// Setting is a single row of forum_settings.
type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Type        Type      `json:"type"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Decode coerces the stored text according to the row's type tag.
func (s Setting) Decode() (any, error) {
	switch s.Type {
	case TypeBoolean:
		return parseBool(s.Value)
	case TypeNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(s.Value), 64)
		if err != nil {
			return nil, xerrors.Errorf("setting %q: %w", s.Key, err)
		}
		return f, nil
	case TypeJSON:
		var v any
		if err := json.Unmarshal([]byte(s.Value), &v); err != nil {
			return nil, xerrors.Errorf("setting %q: %w", s.Key, err)
		}
		return v, nil
	case TypeString, "":
		return s.Value, nil
	default:
		return nil, xerrors.Errorf("setting %q: unknown type %q", s.Key, s.Type)
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on", "t":
		return true, nil
	case "false", "0", "no", "off", "f", "":
		return false, nil
	}
	return false, xerrors.Errorf("not a boolean: %q", v)
}

// Source loads every setting row.
type Source interface {
	LoadSettings(ctx context.Context) ([]Setting, error)
}

type snapshot struct {
	rows    map[string]Setting
	decoded map[string]any
	fetched time.Time
}

// Cache serves settings from memory. Snapshots are never mutated once
// published, so readers only hold the lock long enough to grab one.
const loadTimeout = 10 * time.Second

type Cache struct {
	source Source
	ttl    time.Duration
	clock  quartz.Clock
	logger slog.Logger

	mu    sync.RWMutex
	snap  *snapshot
	gen   uint64
	group singleflight.Group

	reloads prometheus.Counter
}

type Option func(*Cache)

func WithClock(c quartz.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

func WithLogger(logger slog.Logger) Option {
	return func(cache *Cache) { cache.logger = logger }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(cache *Cache) {
		cache.reloads = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rinkside",
			Subsystem: "settings",
			Name:      "reloads_total",
			Help:      "Number of times the settings table was fetched.",
		})
		reg.MustRegister(cache.reloads)
	}
}

func NewCache(source Source, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		source: source,
		ttl:    ttl,
		clock:  quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invalidate drops the cached snapshot. The next read fetches again.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.gen++
	c.mu.Unlock()
	c.group.Forget("load")
}

func (c *Cache) current(ctx context.Context) (*snapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap != nil && c.clock.Since(snap.fetched) < c.ttl {
		return snap, nil
	}

	v, err, _ := c.group.Do("load", func() (any, error) {
		c.mu.RLock()
		gen := c.gen
		c.mu.RUnlock()

		// Waiters share this load, so one caller's cancellation must not fail it.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		rows, err := c.source.LoadSettings(loadCtx)
		if err != nil {
			return nil, err
		}
		fresh := &snapshot{
			rows:    make(map[string]Setting, len(rows)),
			decoded: make(map[string]any, len(rows)),
			fetched: c.clock.Now(),
		}
		for _, row := range rows {
			fresh.rows[row.Key] = row
			val, err := row.Decode()
			if err != nil {
				c.logger.Warn(ctx, "undecodable setting", slog.F("key", row.Key), slog.Error(err))
				continue
			}
			fresh.decoded[row.Key] = val
		}
		c.mu.Lock()
		// A change announced while loading may not be reflected in rows.
		if c.gen == gen {
			c.snap = fresh
		}
		c.mu.Unlock()
		if c.reloads != nil {
			c.reloads.Inc()
		}
		return fresh, nil
	})
	if err != nil {
		if snap != nil {
			// Serve the stale snapshot rather than nothing.
			c.logger.Warn(ctx, "refresh settings failed, serving stale values", slog.Error(err))
			return snap, nil
		}
		return nil, xerrors.Errorf("load settings: %w", err)
	}
	return v.(*snapshot), nil
}

// Value returns the decoded value for key and whether it was present.
func (c *Cache) Value(ctx context.Context, key string) (any, bool) {
	snap, err := c.current(ctx)
	if err != nil {
		c.logger.Error(ctx, "settings unavailable", slog.F("key", key), slog.Error(err))
		return nil, false
	}
	v, ok := snap.decoded[key]
	return v, ok
}

// Raw returns the stored row for key.
func (c *Cache) Raw(ctx context.Context, key string) (Setting, bool) {
	snap, err := c.current(ctx)
	if err != nil {
		return Setting{}, false
	}
	s, ok := snap.rows[key]
	return s, ok
}

// All returns every row, keyed by setting key.
func (c *Cache) All(ctx context.Context) (map[string]Setting, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Setting, len(snap.rows))
	for k, v := range snap.rows {
		out[k] = v
	}
	return out, nil
}

func (c *Cache) Bool(ctx context.Context, key string, def bool) bool {
	v, ok := c.Value(ctx, key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := parseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

func (c *Cache) Number(ctx context.Context, key string, def float64) float64 {
	v, ok := c.Value(ctx, key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return def
}

func (c *Cache) Int(ctx context.Context, key string, def int) int {
	return int(c.Number(ctx, key, float64(def)))
}

func (c *Cache) String(ctx context.Context, key, def string) string {
	v, ok := c.Value(ctx, key)
	if !ok {
		return def
	}
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	if row, ok := c.Raw(ctx, key); ok {
		return row.Value
	}
	return def
}

// JSON decodes the stored JSON for key into dst. It reports false when the
// key is absent or the stored text does not decode into dst.
func (c *Cache) JSON(ctx context.Context, key string, dst any) bool {
	row, ok := c.Raw(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(row.Value), dst); err != nil {
		c.logger.Warn(ctx, "decode json setting", slog.F("key", key), slog.Error(err))
		return false
	}
	return true
}
