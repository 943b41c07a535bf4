package forum

import (
	"context"

	"github.com/google/uuid"

	"github.com/rexlx/rinkside/anon"
	"github.com/rexlx/rinkside/settings"
)

// TopicQuery filters topic listings. Listings only ever include topics whose
// opening post is approved.
type TopicQuery struct {
	Search     string
	CategoryID *int64
}

// Store is the persistence the handlers need. *Database implements it.
type Store interface {
	settings.Source
	anon.Recorder

	ListCategories(ctx context.Context) ([]Category, error)
	CreateCategory(ctx context.Context, c *Category) error

	// CreateTopic stores topic together with its opening post, or neither.
	CreateTopic(ctx context.Context, topic *Topic, opening *Post) error
	GetTopic(ctx context.Context, id uuid.UUID) (*Topic, error)
	SearchAndListTopics(ctx context.Context, q TopicQuery, page, pageSize int) ([]Topic, error)
	CountTopics(ctx context.Context, q TopicQuery) (int, error)

	CreatePost(ctx context.Context, post *Post) error
	GetPost(ctx context.Context, id int64) (*Post, error)
	GetPostsByTopic(ctx context.Context, topicID uuid.UUID, status Status, page, pageSize int) ([]Post, error)
	CountPostsByTopic(ctx context.Context, topicID uuid.UUID, status Status) (int, error)
	ListPostsByStatus(ctx context.Context, status Status, limit int) ([]Post, error)
	SetPostStatus(ctx context.Context, id int64, status Status) error

	CreateReport(ctx context.Context, r *Report) error
	ListOpenReports(ctx context.Context, limit int) ([]Report, error)
	ResolveReport(ctx context.Context, id int64) error
	IsIPBanned(ctx context.Context, ip string) (bool, error)
	BannedWords(ctx context.Context) ([]string, error)

	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)

	UpsertSetting(ctx context.Context, s settings.Setting) error
}
