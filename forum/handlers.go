// forum/handlers.go
package forum

import (
	"bytes"
	"context"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
	"github.com/justinas/nosurf"
	"golang.org/x/xerrors"

	"github.com/rexlx/rinkside/anon"
	"github.com/rexlx/rinkside/presence"
	"github.com/rexlx/rinkside/ratelimit"
	"github.com/rexlx/rinkside/settings"
)

const PageSize = 50

const (
	maxTitleLength  = 200
	maxReasonLength = 500
	maxTags         = 5
)

// PaginationData holds all the necessary info for rendering pagination controls.
type PaginationData struct {
	CurrentPage int
	TotalPages  int
	NextPage    int
	PrevPage    int
	HasNext     bool
	HasPrev     bool
}

func paginate(page, total int) PaginationData {
	totalPages := (total + PageSize - 1) / PageSize
	return PaginationData{
		CurrentPage: page,
		TotalPages:  totalPages,
		NextPage:    page + 1,
		PrevPage:    page - 1,
		HasNext:     page < totalPages,
		HasPrev:     page > 1,
	}
}

// Page carries what the shared layout needs on every screen.
type Page struct {
	Title     string
	SiteName  string
	Banner    string
	User      *User
	Online    int
	CSRFToken string
	Flash     string
	Error     string
}

// TopicsViewData is the data structure for the topics list page.
type TopicsViewData struct {
	Page
	Topics         []Topic
	Categories     []Category
	CategoryID     *int64
	Pagination     PaginationData
	SearchQuery    string
	AllowAnonymous bool
}

// TopicViewData is the data structure for the single topic page.
type TopicViewData struct {
	Page
	Topic          Topic
	Posts          []Post
	Pagination     PaginationData
	Pending        bool
	AllowAnonymous bool
}

type Config struct {
	Store          Store
	Sessions       *scs.SessionManager
	Settings       *settings.Cache
	Listener       *settings.Listener
	Presence       *presence.Hub
	LoginLimiter   *ratelimit.Limiter
	PostLimiter    *ratelimit.Limiter
	TrustedProxies []string
	Logger         slog.Logger
}

type Handlers struct {
	db        Store
	templates *template.Template
	Session   *scs.SessionManager

	anon         *anon.Manager
	settings     *settings.Cache
	listener     *settings.Listener
	hub          *presence.Hub
	loginLimiter *ratelimit.Limiter
	postLimiter  *ratelimit.Limiter
	trusted      []string
	logger       slog.Logger
}

func NewHandlers(cfg Config) (*Handlers, error) {
	tpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	if cfg.Sessions == nil {
		cfg.Sessions = scs.New()
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.NewCache(cfg.Store, time.Minute, settings.WithLogger(cfg.Logger.Named("settings")))
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.NewHub(45*time.Second, presence.WithLogger(cfg.Logger.Named("presence")))
	}
	if cfg.LoginLimiter == nil {
		cfg.LoginLimiter = ratelimit.New("login", ratelimit.Config{MaxAttempts: 5, Window: 15 * time.Minute}, nil,
			ratelimit.WithLogger(cfg.Logger.Named("ratelimit")))
	}
	return &Handlers{
		db:           cfg.Store,
		templates:    tpl,
		Session:      cfg.Sessions,
		anon:         anon.New(cfg.Sessions, cfg.Store, cfg.Logger.Named("anon")),
		settings:     cfg.Settings,
		listener:     cfg.Listener,
		hub:          cfg.Presence,
		loginLimiter: cfg.LoginLimiter,
		postLimiter:  cfg.PostLimiter,
		trusted:      cfg.TrustedProxies,
		logger:       cfg.Logger,
	}, nil
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.listTopics)
	mux.HandleFunc("GET /topics", h.listTopics)
	mux.Handle("POST /topics", h.limitPosting(h.createTopic))
	mux.HandleFunc("GET /topics/{id}", h.showTopic)
	mux.Handle("POST /topics/{id}/posts", h.limitPosting(h.createPost))
	mux.Handle("POST /posts/{id}/report", h.limitPosting(h.reportPost))
	mux.HandleFunc("GET /categories", h.listCategories)

	mux.HandleFunc("GET /register", h.showRegister)
	mux.HandleFunc("POST /register", h.register)
	mux.HandleFunc("GET /login", h.showLogin)
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("POST /logout", h.logout)

	mux.HandleFunc("GET /admin/moderation", h.requireAdmin(h.showModeration))
	mux.HandleFunc("POST /admin/posts/{id}/status", h.requireAdmin(h.setPostStatus))
	mux.HandleFunc("POST /admin/reports/{id}/resolve", h.requireAdmin(h.resolveReport))
	mux.HandleFunc("GET /admin/settings", h.requireAdmin(h.showSettings))
	mux.HandleFunc("POST /admin/settings", h.requireAdmin(h.upsertSetting))
	mux.HandleFunc("POST /admin/categories", h.requireAdmin(h.createCategory))

	mux.HandleFunc("GET /ads.txt", h.adsTxt)
	mux.Handle("GET /api/stats/online", presence.OnlineHandler(h.hub))
}

// Handler returns the complete site: routes behind the session middleware,
// plus the presence channel, which resolves sessions itself because the
// session middleware cannot wrap a hijacked connection.
func (h *Handlers) Handler() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	root := http.NewServeMux()
	root.Handle("GET /realtime/presence", presence.NewHandler(h.hub, h.presenceKey, h.logger.Named("presence")))
	root.Handle("/", h.Session.LoadAndSave(mux))
	return h.recoverer(root)
}

// StartNotificationListener keeps the settings cache in step with the
// database until ctx is done.
func (h *Handlers) StartNotificationListener(ctx context.Context) {
	if h.listener == nil {
		return
	}
	h.listener.Run(ctx)
}

func (h *Handlers) limitPosting(next http.HandlerFunc) http.Handler {
	if h.postLimiter == nil {
		return next
	}
	return h.postLimiter.Middleware(func(r *http.Request) string {
		return ratelimit.ClientIP(r, h.trusted)
	})(next)
}

func (h *Handlers) page(r *http.Request, title string, user *User) Page {
	ctx := r.Context()
	if user == nil {
		h.markVisitor(ctx)
	}
	p := Page{
		Title:     title,
		SiteName:  h.settings.String(ctx, "site_name", "Rinkside"),
		User:      user,
		Online:    h.hub.Online(),
		CSRFToken: nosurf.Token(r),
		Flash:     h.Session.PopString(ctx, "flash"),
	}
	if h.settings.Bool(ctx, "show_banner", false) {
		p.Banner = h.settings.String(ctx, "banner_text", "")
	}
	return p
}

func (h *Handlers) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := h.templates.ExecuteTemplate(&buf, name, data); err != nil {
		h.logger.Error(r.Context(), "execute template", slog.F("template", name), slog.Error(err))
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (h *Handlers) flash(ctx context.Context, msg string) {
	h.Session.Put(ctx, "flash", msg)
}

func queryPage(r *http.Request) int {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	return page
}

// listTopics handles searching and paginating all topics.
func (h *Handlers) listTopics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := queryPage(r)
	q := TopicQuery{Search: strings.TrimSpace(r.URL.Query().Get("q"))}
	if raw := r.URL.Query().Get("category"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid category", http.StatusBadRequest)
			return
		}
		q.CategoryID = &id
	}

	topics, err := h.db.SearchAndListTopics(ctx, q, page, PageSize)
	if err != nil {
		h.logger.Error(ctx, "search topics", slog.Error(err))
		http.Error(w, "Failed to retrieve topics", http.StatusInternalServerError)
		return
	}

	totalTopics, err := h.db.CountTopics(ctx, q)
	if err != nil {
		h.logger.Error(ctx, "count topics", slog.Error(err))
		http.Error(w, "Failed to retrieve topics", http.StatusInternalServerError)
		return
	}

	cats, err := h.db.ListCategories(ctx)
	if err != nil {
		// The list still renders without the category picker.
		h.logger.Warn(ctx, "list categories", slog.Error(err))
	}

	data := TopicsViewData{
		Page:           h.page(r, "Topics", h.currentUser(r)),
		Topics:         topics,
		Categories:     cats,
		CategoryID:     q.CategoryID,
		SearchQuery:    q.Search,
		Pagination:     paginate(page, totalTopics),
		AllowAnonymous: h.settings.Bool(ctx, "allow_anonymous_posts", true),
	}
	h.render(w, r, http.StatusOK, "topics.html", data)
}

// showTopic handles viewing a single topic and paginating its posts.
func (h *Handlers) showTopic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topicID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	page := queryPage(r)

	topic, err := h.db.GetTopic(ctx, topicID)
	if err != nil {
		if !xerrors.Is(err, ErrNotFound) {
			h.logger.Error(ctx, "get topic", slog.F("topic_id", topicID), slog.Error(err))
		}
		http.NotFound(w, r)
		return
	}
	user := h.currentUser(r)
	if !h.visible(ctx, user, topic) {
		http.NotFound(w, r)
		return
	}

	posts, err := h.db.GetPostsByTopic(ctx, topicID, StatusApproved, page, PageSize)
	if err != nil {
		h.logger.Error(ctx, "get posts", slog.F("topic_id", topicID), slog.Error(err))
		http.Error(w, "Failed to retrieve posts", http.StatusInternalServerError)
		return
	}

	totalPosts, err := h.db.CountPostsByTopic(ctx, topicID, StatusApproved)
	if err != nil {
		h.logger.Error(ctx, "count posts", slog.F("topic_id", topicID), slog.Error(err))
		http.Error(w, "Failed to retrieve posts", http.StatusInternalServerError)
		return
	}

	data := TopicViewData{
		Page:           h.page(r, topic.Title, user),
		Topic:          *topic,
		Posts:          posts,
		Pagination:     paginate(page, totalPosts),
		Pending:        r.URL.Query().Get("pending") == "1" || topic.Status != StatusApproved,
		AllowAnonymous: h.settings.Bool(ctx, "allow_anonymous_posts", true),
	}
	h.render(w, r, http.StatusOK, "topic.html", data)
}

// visible reports whether the viewer may open topic. Until its opening post
// is approved a topic is shown only to its author and to admins.
func (h *Handlers) visible(ctx context.Context, user *User, topic *Topic) bool {
	if topic.Status == StatusApproved {
		return true
	}
	if user != nil {
		return user.Admin || (topic.AuthorID != nil && *topic.AuthorID == user.ID)
	}
	ident, ok := h.anon.Current(ctx)
	return ok && topic.TempUserID != nil && *topic.TempUserID == ident.UserID
}

func (h *Handlers) listCategories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cats, err := h.db.ListCategories(ctx)
	if err != nil {
		h.logger.Error(ctx, "list categories", slog.Error(err))
		http.Error(w, "Failed to retrieve categories", http.StatusInternalServerError)
		return
	}
	tree, err := BuildCategoryTree(cats)
	if err != nil {
		h.logger.Error(ctx, "build category tree", slog.Error(err))
		http.Error(w, "Failed to retrieve categories", http.StatusInternalServerError)
		return
	}
	h.render(w, r, http.StatusOK, "categories.html", struct {
		Page
		Tree []*CategoryNode
		Flat []Category
	}{h.page(r, "Categories", h.currentUser(r)), tree, cats})
}

// author resolves who a new piece of content belongs to. Anonymous posters
// get their pseudo-identity created here, on first need.
type author struct {
	Name       string
	UserID     *uuid.UUID
	TempUserID *uuid.UUID
}

func (h *Handlers) author(r *http.Request, user *User) author {
	if user != nil {
		id := user.ID
		return author{Name: user.Handle, UserID: &id}
	}
	ident := h.anon.Identity(r.Context())
	name := strings.TrimSpace(r.FormValue("author"))
	if name == "" || len(name) > 32 {
		name = "Guest"
	}
	return author{Name: name, TempUserID: &ident.UserID}
}

var errBannedContent = xerrors.New("content contains banned words")

// initialStatus decides whether new content is published immediately.
func (h *Handlers) initialStatus(ctx context.Context, user *User, v verdict) (Status, error) {
	if len(v.Flagged) > 0 {
		if !h.settings.Bool(ctx, "moderate_banned_words", true) {
			return "", errBannedContent
		}
		return StatusPending, nil
	}
	if user != nil && user.Admin {
		return StatusApproved, nil
	}
	if user == nil && h.settings.Bool(ctx, "require_anonymous_approval", false) {
		return StatusPending, nil
	}
	if h.settings.Bool(ctx, "require_post_approval", false) {
		return StatusPending, nil
	}
	return StatusApproved, nil
}

// prepare runs the checks shared by topic and post creation. It writes the
// error response itself and reports false when the request must stop. The
// author is resolved last so refused requests leave no anonymous stand-in.
func (h *Handlers) prepare(w http.ResponseWriter, r *http.Request, user *User, text string) (author, Status, string, bool) {
	ctx := r.Context()
	ip := ratelimit.ClientIP(r, h.trusted)

	if user == nil && !h.settings.Bool(ctx, "allow_anonymous_posts", true) {
		h.flash(ctx, "Please log in to post.")
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return author{}, "", "", false
	}

	v := h.screen(ctx, ip, text)
	if v.BannedIP {
		h.logger.Info(ctx, "rejected post from banned ip", slog.F("ip", ip))
		http.Error(w, "Posting is not allowed from your network", http.StatusForbidden)
		return author{}, "", "", false
	}
	status, err := h.initialStatus(ctx, user, v)
	if err != nil {
		http.Error(w, "Your post contains words that are not allowed", http.StatusBadRequest)
		return author{}, "", "", false
	}
	if status == StatusPending && len(v.Flagged) > 0 {
		h.logger.Info(ctx, "post held for moderation", slog.F("ip", ip), slog.F("words", v.Flagged))
	}
	return h.author(r, user), status, ip, true
}

func (h *Handlers) checkBody(ctx context.Context, body string) string {
	if body == "" {
		return "Body is required"
	}
	if max := h.settings.Int(ctx, "max_post_length", 10000); len(body) > max {
		return "Post is too long (max " + strconv.Itoa(max) + " characters)"
	}
	return ""
}

func (h *Handlers) createTopic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}
	title := strings.TrimSpace(r.FormValue("title"))
	body := strings.TrimSpace(r.FormValue("body"))
	if title == "" || len(title) > maxTitleLength {
		http.Error(w, "Title is required and must be at most 200 characters", http.StatusBadRequest)
		return
	}
	if msg := h.checkBody(ctx, body); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	topic := Topic{ID: uuid.New(), Title: title, Tags: parseTags(r.FormValue("tags"))}
	if raw := r.FormValue("category_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid category", http.StatusBadRequest)
			return
		}
		topic.CategoryID = &id
	}

	user := h.currentUser(r)
	a, status, ip, ok := h.prepare(w, r, user, title+"\n"+body)
	if !ok {
		return
	}
	topic.AuthorID, topic.TempUserID = a.UserID, a.TempUserID

	post := Post{
		Author:     a.Name,
		Body:       body,
		AuthorID:   a.UserID,
		TempUserID: a.TempUserID,
		Status:     status,
		IP:         ip,
	}
	if err := h.db.CreateTopic(ctx, &topic, &post); err != nil {
		h.logger.Error(ctx, "create topic", slog.F("topic_id", topic.ID), slog.Error(err))
		http.Error(w, "Failed to create topic", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, topicURL(topic.ID, status), http.StatusSeeOther)
}

func (h *Handlers) createPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topicID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Invalid topic ID", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}
	body := strings.TrimSpace(r.FormValue("body"))
	if msg := h.checkBody(ctx, body); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	user := h.currentUser(r)
	topic, err := h.db.GetTopic(ctx, topicID)
	if err != nil {
		if xerrors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error(ctx, "get topic", slog.F("topic_id", topicID), slog.Error(err))
		http.Error(w, "Failed to create post", http.StatusInternalServerError)
		return
	}
	if !h.visible(ctx, user, topic) {
		http.NotFound(w, r)
		return
	}

	post := Post{TopicID: topicID, Body: body}
	if raw := r.FormValue("parent_post_id"); raw != "" {
		parentID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid parent post", http.StatusBadRequest)
			return
		}
		parent, err := h.db.GetPost(ctx, parentID)
		if err != nil || parent.TopicID != topicID {
			http.Error(w, "Invalid parent post", http.StatusBadRequest)
			return
		}
		post.ParentPostID = &parentID
	}

	a, status, ip, ok := h.prepare(w, r, user, body)
	if !ok {
		return
	}
	post.Author, post.AuthorID, post.TempUserID = a.Name, a.UserID, a.TempUserID
	post.Status, post.IP = status, ip

	if err := h.db.CreatePost(ctx, &post); err != nil {
		h.logger.Error(ctx, "create post", slog.F("topic_id", topicID), slog.Error(err))
		http.Error(w, "Failed to create post", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, topicURL(topicID, status), http.StatusSeeOther)
}

func (h *Handlers) reportPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	postID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	reason := strings.TrimSpace(r.FormValue("reason"))
	if reason == "" || len(reason) > maxReasonLength {
		http.Error(w, "A reason of at most 500 characters is required", http.StatusBadRequest)
		return
	}
	post, err := h.db.GetPost(ctx, postID)
	if err != nil {
		if xerrors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error(ctx, "get post", slog.F("post_id", postID), slog.Error(err))
		http.Error(w, "Failed to file report", http.StatusInternalServerError)
		return
	}

	report := Report{PostID: postID, Reason: reason}
	if user := h.currentUser(r); user != nil {
		id := user.ID
		report.ReporterID = &id
	} else {
		ident := h.anon.Identity(ctx)
		report.TempUserID = &ident.UserID
	}
	if err := h.db.CreateReport(ctx, &report); err != nil {
		h.logger.Error(ctx, "create report", slog.F("post_id", postID), slog.Error(err))
		http.Error(w, "Failed to file report", http.StatusInternalServerError)
		return
	}
	h.flash(ctx, "Thanks, a moderator will take a look.")
	http.Redirect(w, r, "/topics/"+post.TopicID.String(), http.StatusSeeOther)
}

func (h *Handlers) adsTxt(w http.ResponseWriter, r *http.Request) {
	body := h.settings.String(r.Context(), "ads_txt", "")
	if strings.TrimSpace(body) == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strings.TrimRight(body, "\n") + "\n"))
}

func topicURL(id uuid.UUID, status Status) string {
	u := "/topics/" + url.PathEscape(id.String())
	if status == StatusPending {
		u += "?pending=1"
	}
	return u
}

func parseTags(raw string) []string {
	tags := []string{}
	seen := map[string]bool{}
	for _, t := range strings.Split(raw, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}
