// forum/database.go
package forum

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"

	"github.com/rexlx/rinkside/anon"
	"github.com/rexlx/rinkside/settings"
)

var (
	ErrNotFound  = xerrors.New("not found")
	ErrDuplicate = xerrors.New("already exists")
)

const schema = `
CREATE EXTENSION IF NOT EXISTS "uuid-ossp";
CREATE TABLE IF NOT EXISTS categories (
    id SERIAL PRIMARY KEY,
    parent_id INTEGER REFERENCES categories(id) ON DELETE CASCADE,
    level SMALLINT NOT NULL DEFAULT 0 CHECK (level BETWEEN 0 AND 2),
    name TEXT NOT NULL,
    slug TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    handle TEXT NOT NULL,
    hash BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    admin BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS temp_users (
    id UUID PRIMARY KEY,
    session_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS topics (
    id UUID PRIMARY KEY,
    category_id INTEGER REFERENCES categories(id) ON DELETE SET NULL,
    title TEXT NOT NULL,
    tags TEXT[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    author_id UUID REFERENCES users(id) ON DELETE SET NULL,
    temp_user_id UUID REFERENCES temp_users(id) ON DELETE SET NULL
);
CREATE TABLE IF NOT EXISTS posts (
    id SERIAL PRIMARY KEY,
    topic_id UUID NOT NULL,
    author TEXT NOT NULL,
    body TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    author_id UUID REFERENCES users(id) ON DELETE SET NULL,
    temp_user_id UUID REFERENCES temp_users(id) ON DELETE SET NULL,
    parent_post_id INTEGER REFERENCES posts(id) ON DELETE SET NULL,
    status TEXT NOT NULL DEFAULT 'approved' CHECK (status IN ('approved', 'pending', 'rejected')),
    ip TEXT NOT NULL DEFAULT '',
    CONSTRAINT fk_topic
        FOREIGN KEY(topic_id)
        REFERENCES topics(id)
        ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS reports (
    id SERIAL PRIMARY KEY,
    post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    reporter_id UUID REFERENCES users(id) ON DELETE SET NULL,
    temp_user_id UUID REFERENCES temp_users(id) ON DELETE SET NULL,
    reason TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS banned_words (
    word TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS banned_ips (
    ip TEXT PRIMARY KEY,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS forum_settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'string' CHECK (type IN ('boolean', 'number', 'string', 'json')),
    category TEXT NOT NULL DEFAULT 'general',
    description TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE OR REPLACE FUNCTION notify_forum_settings_changed() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' THEN
        PERFORM pg_notify('forum_settings_changed', OLD.key);
    ELSE
        PERFORM pg_notify('forum_settings_changed', NEW.key);
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS forum_settings_changed ON forum_settings;
CREATE TRIGGER forum_settings_changed
    AFTER INSERT OR UPDATE OR DELETE ON forum_settings
    FOR EACH ROW EXECUTE FUNCTION notify_forum_settings_changed();
CREATE INDEX IF NOT EXISTS idx_posts_on_topic_id ON posts(topic_id);
CREATE INDEX IF NOT EXISTS idx_posts_on_status ON posts(status);
CREATE INDEX IF NOT EXISTS idx_topics_on_category_id ON topics(category_id);
`

type Database struct {
	pool *pgxpool.Pool
}

var (
	_ Store           = (*Database)(nil)
	_ settings.Source = (*Database)(nil)
	_ anon.Recorder   = (*Database)(nil)
)

func NewDatabase(ctx context.Context, connectionString string) (*Database, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, xerrors.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Errorf("failed to ping database: %w", err)
	}
	return &Database{pool: pool}, nil
}

func (d *Database) Pool() *pgxpool.Pool {
	return d.pool
}

func (d *Database) Close() {
	d.pool.Close()
}

func (d *Database) CreateTables(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, schema)
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Category Functions ---

func (d *Database) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := d.pool.Query(ctx, `SELECT id, parent_id, level, name, slug, description, position
        FROM categories ORDER BY level, position, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cats []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.ParentID, &c.Level, &c.Name, &c.Slug, &c.Description, &c.Position); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

func (d *Database) CreateCategory(ctx context.Context, c *Category) error {
	query := `INSERT INTO categories (parent_id, level, name, slug, description, position)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	err := d.pool.QueryRow(ctx, query, c.ParentID, c.Level, c.Name, c.Slug, c.Description, c.Position).Scan(&c.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// --- Topic Functions ---

// rowQuerier is satisfied by both the pool and a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateTopic inserts the topic and its opening post in one transaction.
func (d *Database) CreateTopic(ctx context.Context, topic *Topic, opening *Post) error {
	return pgx.BeginTxFunc(ctx, d.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		query := `INSERT INTO topics (id, category_id, title, tags, author_id, temp_user_id)
            VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`
		err := tx.QueryRow(ctx, query, topic.ID, topic.CategoryID, topic.Title, topic.Tags, topic.AuthorID, topic.TempUserID).Scan(&topic.CreatedAt)
		if err != nil {
			return xerrors.Errorf("insert topic: %w", err)
		}
		opening.TopicID = topic.ID
		if err := insertPost(ctx, tx, opening); err != nil {
			return xerrors.Errorf("insert opening post: %w", err)
		}
		topic.Status = opening.Status
		return nil
	})
}

// A topic carries the status of its first post.
const topicSelect = `SELECT t.id, t.category_id, t.title, t.tags, t.created_at, t.author_id, t.temp_user_id,
        COALESCE(op.status, 'pending')
    FROM topics t
    LEFT JOIN LATERAL (SELECT status FROM posts WHERE topic_id = t.id ORDER BY id LIMIT 1) op ON TRUE`

func scanTopic(row pgx.Row) (Topic, error) {
	var t Topic
	err := row.Scan(&t.ID, &t.CategoryID, &t.Title, &t.Tags, &t.CreatedAt, &t.AuthorID, &t.TempUserID, &t.Status)
	return t, err
}

func (d *Database) GetTopic(ctx context.Context, id uuid.UUID) (*Topic, error) {
	topic, err := scanTopic(d.pool.QueryRow(ctx, topicSelect+` WHERE t.id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &topic, nil
}

func topicFilter(q TopicQuery) (string, []interface{}) {
	where := []string{"COALESCE(op.status, 'pending') = 'approved'"}
	var args []interface{}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%", strings.ToLower(q.Search))
		where = append(where, fmt.Sprintf("(t.title ILIKE $%d OR $%d = ANY(t.tags))", len(args)-1, len(args)))
	}
	if q.CategoryID != nil {
		args = append(args, *q.CategoryID)
		where = append(where, fmt.Sprintf("t.category_id = $%d", len(args)))
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (d *Database) SearchAndListTopics(ctx context.Context, q TopicQuery, page, pageSize int) ([]Topic, error) {
	offset := (page - 1) * pageSize
	filter, args := topicFilter(q)
	query := topicSelect + filter
	query += fmt.Sprintf(" ORDER BY t.created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, pageSize, offset)
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var topics []Topic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

func (d *Database) CountTopics(ctx context.Context, q TopicQuery) (int, error) {
	filter, args := topicFilter(q)
	var count int
	query := `SELECT COUNT(*) FROM topics t
        LEFT JOIN LATERAL (SELECT status FROM posts WHERE topic_id = t.id ORDER BY id LIMIT 1) op ON TRUE` + filter
	err := d.pool.QueryRow(ctx, query, args...).Scan(&count)
	return count, err
}

// --- Post Functions ---

const postColumns = `id, topic_id, author, body, created_at, author_id, temp_user_id, parent_post_id, status, ip`

func scanPost(row pgx.Row) (Post, error) {
	var p Post
	err := row.Scan(&p.ID, &p.TopicID, &p.Author, &p.Body, &p.CreatedAt, &p.AuthorID, &p.TempUserID, &p.ParentPostID, &p.Status, &p.IP)
	return p, err
}

func insertPost(ctx context.Context, q rowQuerier, post *Post) error {
	query := `INSERT INTO posts (topic_id, author, body, author_id, temp_user_id, parent_post_id, status, ip)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at`
	return q.QueryRow(ctx, query, post.TopicID, post.Author, post.Body, post.AuthorID, post.TempUserID,
		post.ParentPostID, post.Status, post.IP).Scan(&post.ID, &post.CreatedAt)
}

func (d *Database) CreatePost(ctx context.Context, post *Post) error {
	return insertPost(ctx, d.pool, post)
}

func (d *Database) GetPostsByTopic(ctx context.Context, topicID uuid.UUID, status Status, page, pageSize int) ([]Post, error) {
	offset := (page - 1) * pageSize
	query := `SELECT ` + postColumns + ` FROM posts
              WHERE topic_id = $1 AND status = $2
              ORDER BY created_at ASC
              LIMIT $3 OFFSET $4`
	return d.queryPosts(ctx, query, topicID, status, pageSize, offset)
}

func (d *Database) ListPostsByStatus(ctx context.Context, status Status, limit int) ([]Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	return d.queryPosts(ctx, query, status, limit)
}

func (d *Database) queryPosts(ctx context.Context, query string, args ...interface{}) ([]Post, error) {
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (d *Database) GetPost(ctx context.Context, id int64) (*Post, error) {
	p, err := scanPost(d.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (d *Database) CountPostsByTopic(ctx context.Context, topicID uuid.UUID, status Status) (int, error) {
	var count int
	query := "SELECT COUNT(*) FROM posts WHERE topic_id = $1 AND status = $2"
	err := d.pool.QueryRow(ctx, query, topicID, status).Scan(&count)
	return count, err
}

func (d *Database) SetPostStatus(ctx context.Context, id int64, status Status) error {
	tag, err := d.pool.Exec(ctx, `UPDATE posts SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Moderation Functions ---

func (d *Database) CreateReport(ctx context.Context, r *Report) error {
	query := `INSERT INTO reports (post_id, reporter_id, temp_user_id, reason)
        VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	return d.pool.QueryRow(ctx, query, r.PostID, r.ReporterID, r.TempUserID, r.Reason).Scan(&r.ID, &r.CreatedAt)
}

func (d *Database) ListOpenReports(ctx context.Context, limit int) ([]Report, error) {
	rows, err := d.pool.Query(ctx, `SELECT id, post_id, reporter_id, temp_user_id, reason, created_at, resolved
        FROM reports WHERE NOT resolved ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.PostID, &r.ReporterID, &r.TempUserID, &r.Reason, &r.CreatedAt, &r.Resolved); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (d *Database) ResolveReport(ctx context.Context, id int64) error {
	tag, err := d.pool.Exec(ctx, `UPDATE reports SET resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *Database) IsIPBanned(ctx context.Context, ip string) (bool, error) {
	var banned bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM banned_ips WHERE ip = $1)`, ip).Scan(&banned)
	return banned, err
}

func (d *Database) BannedWords(ctx context.Context) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT word FROM banned_words`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// --- User Functions ---

func (d *Database) CreateUser(ctx context.Context, user *User) error {
	query := `
        INSERT INTO users (id, email, handle, hash, created_at, updated_at, admin)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := d.pool.Exec(ctx, query,
		user.ID,
		user.Email,
		user.Handle,
		user.Hash,
		user.Created,
		user.Updated,
		user.Admin,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const userColumns = `id, email, handle, hash, created_at, updated_at, admin`

func scanUser(row pgx.Row) (*User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Handle,
		&user.Hash,
		&user.Created,
		&user.Updated,
		&user.Admin,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(d.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email)))
}

func (d *Database) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(d.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// SaveTempUser records the stand-in row anonymous content points at.
func (d *Database) SaveTempUser(ctx context.Context, id anon.Identity) error {
	_, err := d.pool.Exec(ctx, `INSERT INTO temp_users (id, session_id) VALUES ($1, $2)
        ON CONFLICT (id) DO NOTHING`, id.UserID, id.SessionID)
	return err
}

// --- Settings Functions ---

func (d *Database) LoadSettings(ctx context.Context) ([]settings.Setting, error) {
	rows, err := d.pool.Query(ctx, `SELECT key, value, type, category, description, updated_at FROM forum_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []settings.Setting
	for rows.Next() {
		var s settings.Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.Type, &s.Category, &s.Description, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *Database) UpsertSetting(ctx context.Context, s settings.Setting) error {
	query := `
        INSERT INTO forum_settings (key, value, type, category, description, updated_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (key) DO UPDATE SET
            value = EXCLUDED.value,
            type = EXCLUDED.type,
            category = EXCLUDED.category,
            description = EXCLUDED.description,
            updated_at = EXCLUDED.updated_at;
    `
	_, err := d.pool.Exec(ctx, query, s.Key, s.Value, s.Type, s.Category, s.Description)
	return err
}
