package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/xerrors"
)

const writeTimeout = 10 * time.Second

// KeyFunc identifies the visitor behind a request.
type KeyFunc func(r *http.Request) string

// Handler serves the realtime presence channel. Clients receive a sync event
// on connect and an event after every roster change. Any frame a client sends
// counts as a heartbeat.
type Handler struct {
	hub    *Hub
	key    KeyFunc
	logger slog.Logger
}

func NewHandler(hub *Hub, key KeyFunc, logger slog.Logger) *Handler {
	return &Handler{hub: hub, key: key, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := h.key(r)
	if key == "" {
		http.Error(w, "Unable to identify visitor", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug(r.Context(), "presence websocket accept", slog.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates := make(chan Event, 1)
	unsubscribe := h.hub.Subscribe(func(ev Event) { offer(updates, ev) })
	defer unsubscribe()
	id := h.hub.Track(key)
	defer h.hub.Untrack(id)

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
			if !h.hub.Heartbeat(id) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-updates:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				h.logger.Debug(ctx, "presence write failed", slog.Error(err))
				return
			}
		}
	}
}

// offer replaces any undelivered event with ev. Only the latest roster
// matters to a client.
func offer(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// OnlineHandler reports the current counts as JSON.
func OnlineHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(map[string]int{
			"online":      hub.Online(),
			"connections": hub.Connections(),
		})
	}
}

// Watch connects to a presence endpoint and feeds counter until ctx is done
// or the connection drops. The counter is reset to zero first, so a caller
// that reconnects in a loop shows zero until the new sync arrives.
func Watch(ctx context.Context, clock quartz.Clock, url string, counter *Counter, heartbeat time.Duration) error {
	counter.Reset()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return xerrors.Errorf("dial presence: %w", err)
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if heartbeat > 0 {
		clock.TickerFunc(ctx, heartbeat, func() error {
			return conn.Write(ctx, websocket.MessageText, []byte("ping"))
		}, "presence", "heartbeat")
	}

	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerrors.Errorf("read presence: %w", err)
		}
		counter.Apply(ev)
	}
}
