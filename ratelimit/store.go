package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

// MemoryStore keeps records in process memory. Expired records are dropped
// lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	clock   quartz.Clock
}

type memoryRecord struct {
	rec     Record
	expires time.Time
}

// NewMemoryStore returns an empty store. A nil clock uses wall time.
func NewMemoryStore(clock quartz.Clock) *MemoryStore {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		clock:   clock,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return Record{}, false, nil
	}
	if !r.expires.IsZero() && s.clock.Now().After(r.expires) {
		delete(s.records, key)
		return Record{}, false, nil
	}
	return r.rec, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = s.clock.Now().Add(ttl)
	}
	s.records[key] = memoryRecord{rec: rec, expires: expires}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// RedisStore shares records between server instances. Updates are not
// transactional; two instances racing on the same key may each count one
// attempt fewer than a single instance would.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if xerrors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, xerrors.Errorf("redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, xerrors.Errorf("decode record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Errorf("encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, ttl).Err(); err != nil {
		return xerrors.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return xerrors.Errorf("redis del: %w", err)
	}
	return nil
}
