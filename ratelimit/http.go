package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// KeyFunc derives the limiter key for a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// Middleware counts an attempt for every request it wraps and answers 429
// with a Retry-After header once the key is locked out.
func (l *Limiter) Middleware(key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			res, err := l.Attempt(r.Context(), k)
			if xerrors.Is(err, ErrLimited) {
				WriteLimited(w, res)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.MaxAttempts))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// WriteLimited writes a plain 429 response for a rejected attempt.
func WriteLimited(w http.ResponseWriter, res Result) {
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(res)))
	http.Error(w, "Too many attempts. Please try again later.", http.StatusTooManyRequests)
}

// RetryAfterSeconds rounds the remaining lockout up to whole seconds, with a
// floor of one.
func RetryAfterSeconds(res Result) int {
	secs := int(math.Ceil(res.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// ClientIP returns the request's client address. X-Forwarded-For and
// X-Real-IP are honored only when the direct peer is one of trusted, given as
// IPs or CIDRs.
func ClientIP(r *http.Request, trusted []string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil || !isTrusted(peer, trusted) {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return strings.TrimSpace(xr)
	}
	return host
}

func isTrusted(ip net.IP, trusted []string) bool {
	for _, t := range trusted {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if strings.Contains(t, "/") {
			if _, n, err := net.ParseCIDR(t); err == nil && n.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(t); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}
