package forum

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"html/template"
	"net/http"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"github.com/justinas/nosurf"
	"github.com/unrolled/secure"
)

//go:embed templates/*.html
var templateFS embed.FS

var templateFuncs = template.FuncMap{
	"join": strings.Join,
	"date": func(t time.Time) string {
		return t.Format("Jan 2, 2006 15:04")
	},
	"deref": func(p *int64) int64 {
		if p == nil {
			return 0
		}
		return *p
	},
}

func parseTemplates() (*template.Template, error) {
	return template.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html")
}

type errorViewData struct {
	Page
	Status  int
	Message string
}

// renderError shows the error page. It links back to where the visitor came
// from so a transient failure can be retried without losing their place.
func (h *Handlers) renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.render(w, r, status, "error.html", errorViewData{
		Page:    h.errorPage(r),
		Status:  status,
		Message: msg,
	})
}

// errorPage builds the layout data without touching the session, which may
// not be loaded when a request fails early.
func (h *Handlers) errorPage(r *http.Request) Page {
	return Page{
		Title:    http.StatusText(http.StatusInternalServerError),
		SiteName: h.settings.String(r.Context(), "site_name", "Rinkside"),
		Online:   h.hub.Online(),
	}
}

func (h *Handlers) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error(r.Context(), "panic serving request",
					slog.F("method", r.Method),
					slog.F("path", r.URL.Path),
					slog.F("panic", rec),
				)
				h.render(w, r, http.StatusInternalServerError, "error.html", errorViewData{
					Page:    h.errorPage(r),
					Status:  http.StatusInternalServerError,
					Message: "Something went wrong on our end.",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

const sessionVisitorKey = "visitor_id"

// markVisitor gives a signed-out reader a session id on their first page
// view, so every tab they open later resolves to the same presence key.
func (h *Handlers) markVisitor(ctx context.Context) {
	if h.Session.GetString(ctx, sessionVisitorKey) == "" {
		h.Session.Put(ctx, sessionVisitorKey, uuid.NewString())
	}
}

// presenceKey identifies a realtime connection by account, then by visitor
// id, then by anonymous identity. The key is hashed because rosters are
// broadcast to every viewer. A connection that arrives with no session at
// all counts on its own.
func (h *Handlers) presenceKey(r *http.Request) string {
	ctx := r.Context()
	id := ""
	if c, err := r.Cookie(h.Session.Cookie.Name); err == nil {
		if sctx, err := h.Session.Load(ctx, c.Value); err == nil {
			if uid := h.Session.GetString(sctx, sessionUserKey); uid != "" {
				id = "u:" + uid
			} else if vid := h.Session.GetString(sctx, sessionVisitorKey); vid != "" {
				id = "v:" + vid
			} else if ident, ok := h.anon.Current(sctx); ok {
				id = "a:" + ident.UserID.String()
			}
		}
	}
	if id == "" {
		id = "c:" + uuid.NewString()
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}

// CSRF requires the token rendered into every form on unsafe requests.
func CSRF(secureCookie bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		mw := nosurf.New(next)
		mw.SetBaseCookie(http.Cookie{Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode, Secure: secureCookie})
		mw.SetFailureHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Your form has expired. Go back, refresh the page and try again.", http.StatusBadRequest)
		}))
		return mw
	}
}

// SecureHeaders sets the browser hardening headers. The inline presence
// script and its websocket need to stay allowed by the policy.
func SecureHeaders(isDev bool) func(next http.Handler) http.Handler {
	csp := strings.Join([]string{
		"default-src 'self'",
		"script-src 'self' 'unsafe-inline'",
		"style-src 'self' 'unsafe-inline'",
		"connect-src 'self' ws: wss:",
		"img-src 'self' data:",
		"frame-ancestors 'none'",
	}, "; ")
	return secure.New(secure.Options{
		ContentSecurityPolicy: csp,
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		ReferrerPolicy:        "same-origin",
		STSSeconds:            31536000,
		STSIncludeSubdomains:  true,
		IsDevelopment:         isDev,
	}).Handler
}
