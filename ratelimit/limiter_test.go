package ratelimit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/rexlx/rinkside/ratelimit"
)

var loginConfig = ratelimit.Config{
	MaxAttempts: 5,
	Window:      15 * time.Minute,
}

func TestLimiter_SixthAttemptRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := quartz.NewMock(t)
	l := ratelimit.New("login", loginConfig, nil, ratelimit.WithClock(clock))

	for i := 1; i <= 5; i++ {
		res, err := l.Attempt(ctx, "a@b.com")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, i, res.Attempts)
		require.Equal(t, 5-i, res.Remaining)
		clock.Advance(time.Second)
	}

	res, err := l.Attempt(ctx, "a@b.com")
	require.ErrorIs(t, err, ratelimit.ErrLimited)
	require.False(t, res.Allowed)
	require.Positive(t, res.RetryAfter)

	// Other keys are unaffected.
	res, err = l.Attempt(ctx, "c@d.com")
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)
}

func TestLimiter_WindowElapsedResets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := quartz.NewMock(t)
	l := ratelimit.New("login", loginConfig, nil, ratelimit.WithClock(clock))

	for range 5 {
		_, err := l.Attempt(ctx, "k")
		require.NoError(t, err)
	}
	lastAttempt := clock.Now()

	clock.Advance(time.Minute)
	_, err := l.Attempt(ctx, "k")
	require.ErrorIs(t, err, ratelimit.ErrLimited)

	clock.Set(lastAttempt.Add(loginConfig.Window + time.Millisecond))
	res, err := l.Attempt(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Attempts)
}

func TestLimiter_ExactWindowBoundaryStillLocked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := quartz.NewMock(t)
	l := ratelimit.New("login", loginConfig, nil, ratelimit.WithClock(clock))

	for range 5 {
		_, err := l.Attempt(ctx, "k")
		require.NoError(t, err)
	}
	clock.Advance(loginConfig.Window)
	_, err := l.Attempt(ctx, "k")
	require.ErrorIs(t, err, ratelimit.ErrLimited)
}

func TestLimiter_PartialWindowResets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := quartz.NewMock(t)
	l := ratelimit.New("login", loginConfig, nil, ratelimit.WithClock(clock))

	for range 3 {
		_, err := l.Attempt(ctx, "k")
		require.NoError(t, err)
	}
	clock.Advance(loginConfig.Window + time.Second)
	res, err := l.Attempt(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)
}

func TestLimiter_LongerLockout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := quartz.NewMock(t)
	cfg := ratelimit.Config{MaxAttempts: 2, Window: time.Minute, Lockout: 10 * time.Minute}
	l := ratelimit.New("login", cfg, nil, ratelimit.WithClock(clock))

	for range 2 {
		_, err := l.Attempt(ctx, "k")
		require.NoError(t, err)
	}
	clock.Advance(5 * time.Minute)
	res, err := l.Attempt(ctx, "k")
	require.ErrorIs(t, err, ratelimit.ErrLimited)
	require.Equal(t, 5*time.Minute, res.RetryAfter)

	clock.Advance(5*time.Minute + time.Second)
	res, err = l.Attempt(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)
}

func TestLimiter_AllowedDoesNotCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := ratelimit.New("login", loginConfig, nil, ratelimit.WithClock(quartz.NewMock(t)))

	for range 3 {
		res, err := l.Allowed(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, 5, res.Remaining)
	}
	_, err := l.Attempt(ctx, "k")
	require.NoError(t, err)
	res, err := l.Allowed(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 4, res.Remaining)
}

func TestLimiter_Reset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := ratelimit.New("login", loginConfig, nil, ratelimit.WithClock(quartz.NewMock(t)))

	for range 5 {
		_, err := l.Attempt(ctx, "k")
		require.NoError(t, err)
	}
	_, err := l.Allowed(ctx, "k")
	require.ErrorIs(t, err, ratelimit.ErrLimited)

	require.NoError(t, l.Reset(ctx, "k"))
	res, err := l.Attempt(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (ratelimit.Record, bool, error) {
	return ratelimit.Record{}, false, xerrors.New("down")
}

func (brokenStore) Set(context.Context, string, ratelimit.Record, time.Duration) error {
	return xerrors.New("down")
}

func (brokenStore) Delete(context.Context, string) error { return xerrors.New("down") }

func TestLimiter_FailsOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := ratelimit.New("login", loginConfig, brokenStore{})

	for range 10 {
		res, err := l.Attempt(ctx, "k")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
}

func TestLimiter_Metrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := ratelimit.NewMetrics(reg)
	l := ratelimit.New("login", ratelimit.Config{MaxAttempts: 1, Window: time.Minute}, nil,
		ratelimit.WithClock(quartz.NewMock(t)), ratelimit.WithMetrics(m))

	_, err := l.Attempt(ctx, "k")
	require.NoError(t, err)
	_, err = l.Attempt(ctx, "k")
	require.ErrorIs(t, err, ratelimit.ErrLimited)
	require.InDelta(t, 1, testutil.ToFloat64(m.Rejections.WithLabelValues("login")), 0)
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := ratelimit.NewRedisStore(client, "test:")
	clock := quartz.NewMock(t)
	l := ratelimit.New("login", loginConfig, store, ratelimit.WithClock(clock))

	for range 5 {
		_, err := l.Attempt(ctx, "k")
		require.NoError(t, err)
	}
	_, err := l.Attempt(ctx, "k")
	require.ErrorIs(t, err, ratelimit.ErrLimited)
	require.True(t, srv.Exists("test:k"))
	require.Equal(t, loginConfig.Window, srv.TTL("test:k"))

	require.NoError(t, l.Reset(ctx, "k"))
	require.False(t, srv.Exists("test:k"))
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	l := ratelimit.New("post", ratelimit.Config{MaxAttempts: 2, Window: time.Minute}, nil,
		ratelimit.WithClock(quartz.NewMock(t)))
	h := l.Middleware(func(r *http.Request) string {
		return ratelimit.ClientIP(r, nil)
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/topics", nil)
		req.RemoteAddr = "203.0.113.5:4000"
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		codes = append(codes, rw.Code)
		if rw.Code == http.StatusTooManyRequests {
			require.Equal(t, "60", rw.Header().Get("Retry-After"))
		}
	}
	require.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.10:443"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 198.51.100.10")

	require.Equal(t, "198.51.100.10", ratelimit.ClientIP(req, nil))
	require.Equal(t, "203.0.113.7", ratelimit.ClientIP(req, []string{"198.51.100.10"}))
	require.Equal(t, "203.0.113.7", ratelimit.ClientIP(req, []string{"198.51.100.0/24"}))
	require.Equal(t, "198.51.100.10", ratelimit.ClientIP(req, []string{"10.0.0.0/8"}))
}
