package forum

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/rexlx/rinkside/anon"
	"github.com/rexlx/rinkside/settings"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	mu         sync.Mutex
	categories []Category
	topics     map[uuid.UUID]*Topic
	posts      []*Post
	reports    []Report
	users      map[uuid.UUID]*User
	tempUsers  map[uuid.UUID]anon.Identity
	bannedIPs  map[string]bool
	words      []string
	settings   map[string]settings.Setting
	nextPostID int64
	// failOpening makes CreateTopic fail as if the opening post insert did.
	failOpening bool
}

var errStoreDown = xerrors.New("store unavailable")

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		topics:    map[uuid.UUID]*Topic{},
		users:     map[uuid.UUID]*User{},
		tempUsers: map[uuid.UUID]anon.Identity{},
		bannedIPs: map[string]bool{},
		settings:  map[string]settings.Setting{},
	}
}

func (m *memStore) set(key, value string, typ settings.Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = settings.Setting{Key: key, Value: value, Type: typ}
}

func (m *memStore) setting(key string) settings.Setting {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings[key]
}

func (m *memStore) setWords(words ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words = words
}

func (m *memStore) banIP(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bannedIPs[ip] = true
}

func (m *memStore) setCategories(cats ...Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories = cats
}

func (m *memStore) setFailOpening(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOpening = fail
}

func (m *memStore) topicCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

func (m *memStore) tempUserIDs() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(m.tempUsers))
	for id := range m.tempUsers {
		ids = append(ids, id)
	}
	return ids
}

func (m *memStore) LoadSettings(context.Context) ([]settings.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]settings.Setting, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) UpsertSetting(_ context.Context, s settings.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now()
	m.settings[s.Key] = s
	return nil
}

func (m *memStore) SaveTempUser(_ context.Context, id anon.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempUsers[id.UserID] = id
	return nil
}

func (m *memStore) ListCategories(context.Context) ([]Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Category(nil), m.categories...), nil
}

func (m *memStore) CreateCategory(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.categories {
		if existing.Slug == c.Slug {
			return ErrDuplicate
		}
	}
	c.ID = int64(len(m.categories) + 1)
	m.categories = append(m.categories, *c)
	return nil
}

// CreateTopic stores both rows or neither, like the database transaction.
func (m *memStore) CreateTopic(_ context.Context, topic *Topic, opening *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOpening {
		return errStoreDown
	}
	topic.CreatedAt = time.Now()
	topic.Status = opening.Status
	t := *topic
	m.topics[t.ID] = &t
	opening.TopicID = topic.ID
	m.insertPostLocked(opening)
	return nil
}

// topicStatusLocked is the status of the topic's first post.
func (m *memStore) topicStatusLocked(id uuid.UUID) Status {
	for _, p := range m.posts {
		if p.TopicID == id {
			return p.Status
		}
	}
	return StatusPending
}

func (m *memStore) GetTopic(_ context.Context, id uuid.UUID) (*Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.Status = m.topicStatusLocked(id)
	return &cp, nil
}

func (m *memStore) matching(q TopicQuery) []Topic {
	var out []Topic
	for _, t := range m.topics {
		if m.topicStatusLocked(t.ID) != StatusApproved {
			continue
		}
		if q.CategoryID != nil && (t.CategoryID == nil || *t.CategoryID != *q.CategoryID) {
			continue
		}
		if q.Search != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(q.Search)) {
			continue
		}
		cp := *t
		cp.Status = StatusApproved
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memStore) SearchAndListTopics(_ context.Context, q TopicQuery, page, pageSize int) ([]Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.matching(q)
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	return all[start:min(start+pageSize, len(all))], nil
}

func (m *memStore) CountTopics(_ context.Context, q TopicQuery) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.matching(q)), nil
}

func (m *memStore) CreatePost(_ context.Context, post *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertPostLocked(post)
	return nil
}

func (m *memStore) insertPostLocked(post *Post) {
	m.nextPostID++
	post.ID = m.nextPostID
	post.CreatedAt = time.Now()
	p := *post
	m.posts = append(m.posts, &p)
}

func (m *memStore) GetPost(_ context.Context, id int64) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.posts {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) GetPostsByTopic(_ context.Context, topicID uuid.UUID, status Status, page, pageSize int) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Post
	for _, p := range m.posts {
		if p.TopicID == topicID && p.Status == status {
			all = append(all, *p)
		}
	}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	return all[start:min(start+pageSize, len(all))], nil
}

func (m *memStore) CountPostsByTopic(_ context.Context, topicID uuid.UUID, status Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.posts {
		if p.TopicID == topicID && p.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListPostsByStatus(_ context.Context, status Status, limit int) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Post
	for _, p := range m.posts {
		if p.Status == status && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) SetPostStatus(_ context.Context, id int64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.posts {
		if p.ID == id {
			p.Status = status
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) post(id int64) Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.posts {
		if p.ID == id {
			return *p
		}
	}
	return Post{}
}

func (m *memStore) allPosts() []Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Post, 0, len(m.posts))
	for _, p := range m.posts {
		out = append(out, *p)
	}
	return out
}

func (m *memStore) CreateReport(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = int64(len(m.reports) + 1)
	r.CreatedAt = time.Now()
	m.reports = append(m.reports, *r)
	return nil
}

func (m *memStore) ListOpenReports(_ context.Context, limit int) ([]Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Report
	for _, r := range m.reports {
		if !r.Resolved && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ResolveReport(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.reports {
		if m.reports[i].ID == id {
			m.reports[i].Resolved = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) IsIPBanned(_ context.Context, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bannedIPs[ip], nil
}

func (m *memStore) BannedWords(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.words...), nil
}

func (m *memStore) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return ErrDuplicate
		}
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == strings.ToLower(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}
