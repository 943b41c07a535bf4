// Package ratelimit throttles repeated actions, such as login attempts, per
// logical key. A key may make MaxAttempts attempts inside Window; after that
// it is locked out until Lockout has elapsed since its last counted attempt.
//
// The limiter is advisory. It is keyed on values a client controls and must
// not be treated as a security boundary.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"
)

// ErrLimited is returned by Attempt when the key is locked out.
var ErrLimited = xerrors.New("too many attempts")

type Config struct {
	MaxAttempts int
	Window      time.Duration
	// Lockout defaults to Window when zero.
	Lockout time.Duration
}

func (c Config) lockout() time.Duration {
	if c.Lockout <= 0 {
		return c.Window
	}
	return c.Lockout
}

// ttl is how long a record stays relevant after its last attempt.
func (c Config) ttl() time.Duration {
	return max(c.Window, c.lockout())
}

// Record is the persisted state for a single key.
type Record struct {
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
}

// Store persists records. Implementations must treat a missing key as
// (Record{}, false, nil).
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Set(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Result struct {
	Allowed    bool
	Attempts   int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter struct {
	cfg    Config
	store  Store
	clock  quartz.Clock
	logger slog.Logger
	scope  string

	rejections prometheus.Counter

	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

type Option func(*Limiter)

func WithClock(c quartz.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

func WithLogger(logger slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics counts rejections under the given scope label.
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) { l.rejections = m.Rejections.WithLabelValues(l.scope) }
}

func New(scope string, cfg Config, store Store, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:   cfg,
		store: store,
		clock: quartz.NewReal(),
		scope: scope,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore(l.clock)
	}
	return l
}

// Attempt counts an attempt for key. When the key is locked out the returned
// error is ErrLimited and the attempt is not counted. Store failures are
// logged and the attempt is allowed.
func (l *Limiter) Attempt(ctx context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	rec, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Warn(ctx, "rate limit store read failed, allowing attempt",
			slog.F("scope", l.scope), slog.F("key", key), slog.Error(err))
		return Result{Allowed: true, Remaining: l.cfg.MaxAttempts - 1}, nil
	}
	if ok {
		if res, locked := l.locked(rec, now); locked {
			if l.rejections != nil {
				l.rejections.Inc()
			}
			return res, ErrLimited
		}
		if now.Sub(rec.LastAttempt) > l.cfg.Window || rec.Attempts >= l.cfg.MaxAttempts {
			rec = Record{}
		}
	}

	rec.Attempts++
	rec.LastAttempt = now
	if err := l.store.Set(ctx, key, rec, l.cfg.ttl()); err != nil {
		l.logger.Warn(ctx, "rate limit store write failed",
			slog.F("scope", l.scope), slog.F("key", key), slog.Error(err))
	}
	return Result{
		Allowed:   true,
		Attempts:  rec.Attempts,
		Remaining: max(l.cfg.MaxAttempts-rec.Attempts, 0),
	}, nil
}

// Allowed reports whether an attempt for key would currently be accepted
// without counting one.
func (l *Limiter) Allowed(ctx context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	rec, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Warn(ctx, "rate limit store read failed, allowing attempt",
			slog.F("scope", l.scope), slog.F("key", key), slog.Error(err))
		return Result{Allowed: true, Remaining: l.cfg.MaxAttempts}, nil
	}
	if !ok {
		return Result{Allowed: true, Remaining: l.cfg.MaxAttempts}, nil
	}
	if res, locked := l.locked(rec, now); locked {
		return res, ErrLimited
	}
	if now.Sub(rec.LastAttempt) > l.cfg.Window || rec.Attempts >= l.cfg.MaxAttempts {
		return Result{Allowed: true, Remaining: l.cfg.MaxAttempts}, nil
	}
	return Result{
		Allowed:   true,
		Attempts:  rec.Attempts,
		Remaining: l.cfg.MaxAttempts - rec.Attempts,
	}, nil
}

// Reset forgets all attempts for key, e.g. after a successful login.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Delete(ctx, key); err != nil {
		return xerrors.Errorf("reset %q: %w", key, err)
	}
	return nil
}

func (l *Limiter) locked(rec Record, now time.Time) (Result, bool) {
	if rec.Attempts < l.cfg.MaxAttempts {
		return Result{}, false
	}
	elapsed := now.Sub(rec.LastAttempt)
	if elapsed > l.cfg.lockout() {
		return Result{}, false
	}
	return Result{
		Attempts:   rec.Attempts,
		RetryAfter: l.cfg.lockout() - elapsed,
	}, true
}

type Metrics struct {
	Rejections *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rinkside",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Attempts rejected because the key was locked out.",
		}, []string{"scope"}),
	}
	if reg != nil {
		reg.MustRegister(m.Rejections)
	}
	return m
}
