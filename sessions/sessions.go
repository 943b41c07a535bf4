// Package sessions configures the cookie session manager and an optional
// Redis backing store so sessions survive restarts and are shared between
// instances.
package sessions

import (
	"context"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

const CookieName = "rinkside_session"

type Options struct {
	Lifetime time.Duration
	Secure   bool
	// Store defaults to the scs in-memory store.
	Store scs.Store
}

func NewManager(opts Options) *scs.SessionManager {
	sm := scs.New()
	if opts.Lifetime > 0 {
		sm.Lifetime = opts.Lifetime
	}
	if opts.Store != nil {
		sm.Store = opts.Store
	}
	sm.Cookie.Name = CookieName
	sm.Cookie.HttpOnly = true
	sm.Cookie.Persist = true
	sm.Cookie.SameSite = http.SameSiteLaxMode
	sm.Cookie.Secure = opts.Secure
	return sm
}

// RedisStore implements scs.Store and scs.CtxStore on top of go-redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ scs.Store    = (*RedisStore)(nil)
	_ scs.CtxStore = (*RedisStore)(nil)
)

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "session:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) FindCtx(ctx context.Context, token string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.prefix+token).Bytes()
	if xerrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("redis get session: %w", err)
	}
	return b, true, nil
}

// CommitCtx stores the session until expiry. An expiry in the past deletes
// it instead.
func (s *RedisStore) CommitCtx(ctx context.Context, token string, b []byte, expiry time.Time) error {
	ttl := time.Until(expiry)
	if ttl <= 0 {
		return s.DeleteCtx(ctx, token)
	}
	if err := s.client.Set(ctx, s.prefix+token, b, ttl).Err(); err != nil {
		return xerrors.Errorf("redis set session: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteCtx(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.prefix+token).Err(); err != nil {
		return xerrors.Errorf("redis del session: %w", err)
	}
	return nil
}

func (s *RedisStore) Find(token string) ([]byte, bool, error) {
	return s.FindCtx(context.Background(), token)
}

func (s *RedisStore) Commit(token string, b []byte, expiry time.Time) error {
	return s.CommitCtx(context.Background(), token, b, expiry)
}

func (s *RedisStore) Delete(token string) error {
	return s.DeleteCtx(context.Background(), token)
}
