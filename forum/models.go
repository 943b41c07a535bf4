// forum/models.go
package forum

import (
	"time"

	"github.com/google/uuid"
)

// Status is the moderation state of user-generated content.
type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusApproved, StatusPending, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether a moderator may move content from s to to.
// Nothing goes back to pending once it has been decided.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusRejected
	case StatusRejected:
		return to == StatusApproved
	}
	return false
}

// Category levels: a top forum, a region or topic group, an age or skill
// group.
const (
	LevelForum = iota
	LevelGroup
	LevelDivision
)

type Category struct {
	ID          int64  `json:"id"`
	ParentID    *int64 `json:"parent_id"`
	Level       int    `json:"level"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	Position    int    `json:"position"`
}

// Topic is authored by either an account or an anonymous stand-in.
type Topic struct {
	ID         uuid.UUID  `json:"id"`
	CategoryID *int64     `json:"category_id"`
	Title      string     `json:"title"`
	Tags       []string   `json:"tags"`
	CreatedAt  time.Time  `json:"created_at"`
	AuthorID   *uuid.UUID `json:"author_id"`
	TempUserID *uuid.UUID `json:"temp_user_id"`
	// Status is the status of the opening post. Lists show approved topics only.
	Status Status `json:"status"`
}

type Post struct {
	ID           int64      `json:"id"`
	TopicID      uuid.UUID  `json:"topic_id"`
	Author       string     `json:"author"`
	Body         string     `json:"body"`
	CreatedAt    time.Time  `json:"created_at"`
	AuthorID     *uuid.UUID `json:"author_id"`
	TempUserID   *uuid.UUID `json:"temp_user_id"`
	ParentPostID *int64     `json:"parent_post_id"`
	Status       Status     `json:"status"`
	IP           string     `json:"-"`
}

func (p Post) Anonymous() bool {
	return p.AuthorID == nil
}

type Report struct {
	ID         int64      `json:"id"`
	PostID     int64      `json:"post_id"`
	ReporterID *uuid.UUID `json:"reporter_id"`
	TempUserID *uuid.UUID `json:"temp_user_id"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
}
