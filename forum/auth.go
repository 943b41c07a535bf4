package forum

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/rexlx/rinkside/ratelimit"
)

const sessionUserKey = "user_id"

type ctxKey int

const userCtxKey ctxKey = iota

type authViewData struct {
	Page
	Email  string
	Handle string
}

// currentUser returns the signed-in account, or nil for anonymous visitors.
func (h *Handlers) currentUser(r *http.Request) *User {
	if u, ok := r.Context().Value(userCtxKey).(*User); ok {
		return u
	}
	ctx := r.Context()
	raw := h.Session.GetString(ctx, sessionUserKey)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.Session.Remove(ctx, sessionUserKey)
		return nil
	}
	u, err := h.db.GetUserByID(ctx, id)
	if err != nil {
		if !xerrors.Is(err, ErrNotFound) {
			h.logger.Error(ctx, "load session user", slog.F("user_id", id), slog.Error(err))
		} else {
			h.Session.Remove(ctx, sessionUserKey)
		}
		return nil
	}
	u.Sanitize()
	return u
}

// requireAdmin sends anonymous visitors to the login page and refuses
// signed-in users without the admin flag.
func (h *Handlers) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := h.currentUser(r)
		if user == nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		if !user.Admin {
			h.renderError(w, r, http.StatusForbidden, "You do not have access to this page.")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userCtxKey, user)))
	}
}

// signIn binds the session to user. The anonymous identity is dropped and
// the session token renewed so a pre-login token cannot be replayed.
func (h *Handlers) signIn(w http.ResponseWriter, r *http.Request, user *User) {
	ctx := r.Context()
	h.anon.Clear(ctx)
	if err := h.Session.RenewToken(ctx); err != nil {
		h.logger.Error(ctx, "renew session token", slog.Error(err))
		http.Error(w, "Failed to sign in", http.StatusInternalServerError)
		return
	}
	h.Session.Put(ctx, sessionUserKey, user.ID.String())
	h.logger.Info(ctx, "user signed in", slog.F("user_id", user.ID))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handlers) showRegister(w http.ResponseWriter, r *http.Request) {
	if !h.settings.Bool(r.Context(), "registration_open", true) {
		h.renderError(w, r, http.StatusForbidden, "Registration is currently closed.")
		return
	}
	h.render(w, r, http.StatusOK, "register.html", authViewData{Page: h.page(r, "Register", nil)})
}

func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.settings.Bool(ctx, "registration_open", true) {
		h.renderError(w, r, http.StatusForbidden, "Registration is currently closed.")
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}
	data := authViewData{
		Page:   h.page(r, "Register", nil),
		Email:  strings.TrimSpace(r.FormValue("email")),
		Handle: strings.TrimSpace(r.FormValue("handle")),
	}

	user, err := NewUser(data.Email, data.Handle, false)
	if err == nil {
		err = user.SetPassword(r.FormValue("password"))
	}
	if err != nil {
		data.Error = err.Error()
		h.render(w, r, http.StatusBadRequest, "register.html", data)
		return
	}
	if err := h.db.CreateUser(ctx, user); err != nil {
		if xerrors.Is(err, ErrDuplicate) {
			data.Error = "An account with that email already exists."
			h.render(w, r, http.StatusConflict, "register.html", data)
			return
		}
		h.logger.Error(ctx, "create user", slog.Error(err))
		http.Error(w, "Failed to create account", http.StatusInternalServerError)
		return
	}
	h.signIn(w, r, user)
}

func (h *Handlers) showLogin(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "login.html", authViewData{Page: h.page(r, "Log in", nil)})
}

func loginKey(email, ip string) string {
	return "login:" + email + "|" + ip
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}
	email := strings.ToLower(strings.TrimSpace(r.FormValue("email")))
	data := authViewData{Page: h.page(r, "Log in", nil), Email: email}

	key := loginKey(email, ratelimit.ClientIP(r, h.trusted))
	res, err := h.loginLimiter.Attempt(ctx, key)
	if xerrors.Is(err, ratelimit.ErrLimited) {
		mins := (ratelimit.RetryAfterSeconds(res) + 59) / 60
		w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(res)))
		data.Error = "Too many login attempts. Try again in " + strconv.Itoa(mins) + " minute(s)."
		h.render(w, r, http.StatusTooManyRequests, "login.html", data)
		return
	}

	user, err := h.db.GetUserByEmail(ctx, email)
	if err != nil && !xerrors.Is(err, ErrNotFound) {
		h.logger.Error(ctx, "get user by email", slog.Error(err))
		http.Error(w, "Failed to sign in", http.StatusInternalServerError)
		return
	}
	ok := false
	if user != nil {
		ok, err = user.PasswordMatches(r.FormValue("password"))
		if err != nil {
			h.logger.Error(ctx, "compare password", slog.F("user_id", user.ID), slog.Error(err))
		}
	}
	if !ok {
		data.Error = "Invalid email or password."
		h.render(w, r, http.StatusUnauthorized, "login.html", data)
		return
	}

	if err := h.loginLimiter.Reset(ctx, key); err != nil {
		h.logger.Warn(ctx, "reset login limiter", slog.Error(err))
	}
	h.signIn(w, r, user)
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.Session.RenewToken(ctx); err != nil {
		h.logger.Error(ctx, "renew session token", slog.Error(err))
	}
	h.Session.Remove(ctx, sessionUserKey)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
