package sessions_test

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexlx/rinkside/sessions"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestRedisStore_CommitFindDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, client := newRedis(t)
	store := sessions.NewRedisStore(client, "")

	_, found, err := store.FindCtx(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.CommitCtx(ctx, "tok", []byte("data"), time.Now().Add(time.Hour)))
	assert.True(t, srv.Exists("session:tok"))
	ttl := srv.TTL("session:tok")
	assert.True(t, ttl > 59*time.Minute && ttl <= time.Hour, ttl)

	b, found, err := store.Find("tok")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("data"), b)

	srv.FastForward(2 * time.Hour)
	_, found, err = store.Find("tok")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Commit("tok2", []byte("x"), time.Now().Add(time.Hour)))
	require.NoError(t, store.Delete("tok2"))
	assert.False(t, srv.Exists("session:tok2"))
}

func TestRedisStore_PastExpiryDeletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, client := newRedis(t)
	store := sessions.NewRedisStore(client, "s:")

	require.NoError(t, store.CommitCtx(ctx, "tok", []byte("data"), time.Now().Add(time.Hour)))
	require.NoError(t, store.CommitCtx(ctx, "tok", []byte("data"), time.Now().Add(-time.Second)))
	assert.False(t, srv.Exists("s:tok"))
}

func TestManager_RoundTripThroughRedis(t *testing.T) {
	t.Parallel()
	srv, client := newRedis(t)
	sm := sessions.NewManager(sessions.Options{
		Lifetime: time.Hour,
		Store:    sessions.NewRedisStore(client, ""),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /", func(w http.ResponseWriter, r *http.Request) {
		sm.Put(r.Context(), "team", "U13 AA")
	})
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, sm.GetString(r.Context(), "team"))
	})
	ts := httptest.NewServer(sm.LoadAndSave(mux))
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	c := &http.Client{Jar: jar}

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/", nil)
	require.NoError(t, err)
	res, err := c.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()

	var cookie *http.Cookie
	for _, ck := range res.Cookies() {
		if ck.Name == sessions.CookieName {
			cookie = ck
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Len(t, srv.Keys(), 1)

	res, err = c.Get(ts.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	assert.Equal(t, "U13 AA", string(body))
}
