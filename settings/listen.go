package settings

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"
)

// Channel is the Postgres NOTIFY channel the forum_settings trigger uses.
const Channel = "forum_settings_changed"

// Notifier blocks until the next change notification arrives.
type Notifier interface {
	// Listen subscribes and returns a function that waits for one
	// notification, plus a release func for the underlying connection.
	Listen(ctx context.Context) (wait func(context.Context) (string, error), release func(), err error)
}

// Invalidator is satisfied by *Cache.
type Invalidator interface {
	Invalidate()
}

// Listener invalidates a cache whenever a notification arrives.
type Listener struct {
	notifier   Notifier
	target     Invalidator
	logger     slog.Logger
	clock      quartz.Clock
	retryDelay time.Duration
}

type ListenerOption func(*Listener)

func WithListenerClock(c quartz.Clock) ListenerOption {
	return func(l *Listener) { l.clock = c }
}

func NewListener(n Notifier, target Invalidator, logger slog.Logger, opts ...ListenerOption) *Listener {
	l := &Listener{
		notifier:   n,
		target:     target,
		logger:     logger,
		clock:      quartz.NewReal(),
		retryDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run listens until ctx is done, reconnecting after connection failures.
// The cache is invalidated after each reconnect since notifications may have
// been missed while disconnected.
func (l *Listener) Run(ctx context.Context) {
	for {
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn(ctx, "settings listener disconnected", slog.Error(err))
		l.target.Invalidate()
		t := l.clock.NewTimer(l.retryDelay, "settings", "retry")
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	wait, release, err := l.notifier.Listen(ctx)
	if err != nil {
		return err
	}
	defer release()
	l.logger.Debug(ctx, "listening for settings changes", slog.F("channel", Channel))
	for {
		payload, err := wait(ctx)
		if err != nil {
			return err
		}
		l.logger.Debug(ctx, "settings changed", slog.F("payload", payload))
		l.target.Invalidate()
	}
}

// PoolNotifier holds a dedicated pool connection for LISTEN.
type PoolNotifier struct {
	Pool *pgxpool.Pool
}

func (p PoolNotifier) Listen(ctx context.Context) (func(context.Context) (string, error), func(), error) {
	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, nil, xerrors.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		return nil, nil, xerrors.Errorf("listen %s: %w", Channel, err)
	}
	wait := func(ctx context.Context) (string, error) {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return "", xerrors.Errorf("wait for notification: %w", err)
		}
		return n.Payload, nil
	}
	release := func() {
		// A connection that was mid-LISTEN is not safe to hand back.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}
	return wait, release, nil
}
