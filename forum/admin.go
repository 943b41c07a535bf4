package forum

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"github.com/rexlx/rinkside/settings"
)

const moderationQueueSize = 100

type moderationViewData struct {
	Page
	Pending []Post
	Reports []Report
}

type settingsViewData struct {
	Page
	Settings []settings.Setting
	Types    []settings.Type
}

func (h *Handlers) showModeration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := h.db.ListPostsByStatus(ctx, StatusPending, moderationQueueSize)
	if err != nil {
		h.logger.Error(ctx, "list pending posts", slog.Error(err))
		http.Error(w, "Failed to load moderation queue", http.StatusInternalServerError)
		return
	}
	reports, err := h.db.ListOpenReports(ctx, moderationQueueSize)
	if err != nil {
		h.logger.Error(ctx, "list open reports", slog.Error(err))
		http.Error(w, "Failed to load moderation queue", http.StatusInternalServerError)
		return
	}
	h.render(w, r, http.StatusOK, "moderation.html", moderationViewData{
		Page:    h.page(r, "Moderation", h.currentUser(r)),
		Pending: pending,
		Reports: reports,
	})
}

func (h *Handlers) setPostStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	to := Status(r.FormValue("status"))
	if !to.Valid() {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}
	post, err := h.db.GetPost(ctx, id)
	if err != nil {
		if xerrors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error(ctx, "get post", slog.F("post_id", id), slog.Error(err))
		http.Error(w, "Failed to update post", http.StatusInternalServerError)
		return
	}
	if !post.Status.CanTransition(to) {
		http.Error(w, "Cannot move a "+string(post.Status)+" post to "+string(to), http.StatusConflict)
		return
	}
	if err := h.db.SetPostStatus(ctx, id, to); err != nil {
		h.logger.Error(ctx, "set post status", slog.F("post_id", id), slog.Error(err))
		http.Error(w, "Failed to update post", http.StatusInternalServerError)
		return
	}
	admin := h.currentUser(r)
	h.logger.Info(ctx, "post moderated",
		slog.F("post_id", id),
		slog.F("from", post.Status),
		slog.F("to", to),
		slog.F("moderator", admin.ID),
	)
	h.flash(ctx, "Post "+strconv.FormatInt(id, 10)+" is now "+string(to)+".")
	http.Redirect(w, r, "/admin/moderation", http.StatusSeeOther)
}

func (h *Handlers) resolveReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := h.db.ResolveReport(ctx, id); err != nil {
		if xerrors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error(ctx, "resolve report", slog.F("report_id", id), slog.Error(err))
		http.Error(w, "Failed to resolve report", http.StatusInternalServerError)
		return
	}
	h.logger.Info(ctx, "report resolved", slog.F("report_id", id), slog.F("moderator", h.currentUser(r).ID))
	h.flash(ctx, "Report "+strconv.FormatInt(id, 10)+" resolved.")
	http.Redirect(w, r, "/admin/moderation", http.StatusSeeOther)
}

func (h *Handlers) showSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	all, err := h.settings.All(ctx)
	if err != nil {
		h.logger.Error(ctx, "load settings", slog.Error(err))
		http.Error(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	list := make([]settings.Setting, 0, len(all))
	for _, s := range all {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Category != list[j].Category {
			return list[i].Category < list[j].Category
		}
		return list[i].Key < list[j].Key
	})
	h.render(w, r, http.StatusOK, "settings.html", settingsViewData{
		Page:     h.page(r, "Settings", h.currentUser(r)),
		Settings: list,
		Types:    []settings.Type{settings.TypeBoolean, settings.TypeNumber, settings.TypeString, settings.TypeJSON},
	})
}

// upsertSetting stores a setting and drops the local cache. Other processes
// pick the change up through the database notification.
func (h *Handlers) upsertSetting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}
	s := settings.Setting{
		Key:         strings.TrimSpace(r.FormValue("key")),
		Value:       r.FormValue("value"),
		Type:        settings.Type(r.FormValue("type")),
		Category:    strings.TrimSpace(r.FormValue("category")),
		Description: strings.TrimSpace(r.FormValue("description")),
	}
	if s.Category == "" {
		s.Category = "general"
	}
	if s.Key == "" || !s.Type.Valid() {
		http.Error(w, "A key and a valid type are required", http.StatusBadRequest)
		return
	}
	if _, err := s.Decode(); err != nil {
		http.Error(w, "Value does not match type "+string(s.Type)+": "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.db.UpsertSetting(ctx, s); err != nil {
		h.logger.Error(ctx, "upsert setting", slog.F("key", s.Key), slog.Error(err))
		http.Error(w, "Failed to save setting", http.StatusInternalServerError)
		return
	}
	h.settings.Invalidate()
	h.logger.Info(ctx, "setting updated", slog.F("key", s.Key), slog.F("type", s.Type))
	h.flash(ctx, "Saved "+s.Key+".")
	http.Redirect(w, r, "/admin/settings", http.StatusSeeOther)
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// createCategory adds a forum, group or division. The level follows from
// the parent, so the tree can never skip a level.
func (h *Handlers) createCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}
	c := Category{
		Name:        strings.TrimSpace(r.FormValue("name")),
		Slug:        strings.TrimSpace(r.FormValue("slug")),
		Description: strings.TrimSpace(r.FormValue("description")),
		Level:       LevelForum,
	}
	if c.Name == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}
	if c.Slug == "" {
		c.Slug = slugify(c.Name)
	}
	if c.Slug == "" {
		http.Error(w, "Name must contain letters or digits", http.StatusBadRequest)
		return
	}
	if raw := r.FormValue("position"); raw != "" {
		pos, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid position", http.StatusBadRequest)
			return
		}
		c.Position = pos
	}
	if raw := r.FormValue("parent_id"); raw != "" {
		parentID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid parent", http.StatusBadRequest)
			return
		}
		cats, err := h.db.ListCategories(ctx)
		if err != nil {
			h.logger.Error(ctx, "list categories", slog.Error(err))
			http.Error(w, "Failed to create category", http.StatusInternalServerError)
			return
		}
		var parent *Category
		for i := range cats {
			if cats[i].ID == parentID {
				parent = &cats[i]
			}
		}
		if parent == nil || parent.Level >= LevelDivision {
			http.Error(w, "Invalid parent", http.StatusBadRequest)
			return
		}
		c.ParentID = &parentID
		c.Level = parent.Level + 1
	}
	if err := h.db.CreateCategory(ctx, &c); err != nil {
		if xerrors.Is(err, ErrDuplicate) {
			http.Error(w, "A category with that slug already exists", http.StatusConflict)
			return
		}
		h.logger.Error(ctx, "create category", slog.Error(err))
		http.Error(w, "Failed to create category", http.StatusInternalServerError)
		return
	}
	h.logger.Info(ctx, "category created", slog.F("category_id", c.ID), slog.F("slug", c.Slug))
	http.Redirect(w, r, "/categories", http.StatusSeeOther)
}
