// Package store is the Postgres persistence layer: sessions with their
// immutable topic snapshots, the append-only message log, per-user
// trait profiles and the supporting user/topic tables.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/lib/pq"

	"github.com/yuexia/opinio/internal/chat"
)

type Store struct {
	DB *sql.DB
}

// New constructs the Store from DATABASE_URL or POSTGRES_* env vars.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Opener returns a chat.StoreOpener that acquires a fresh connection
// pool per call. The background finalizer uses it so its storage
// handle is never scoped to a request.
func Opener(dsn string) chat.StoreOpener {
	return func(ctx context.Context) (chat.ConversationStore, func(), error) {
		s, err := NewWithDSN(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.DB.Close() }, nil
	}
}

// User operations

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Topic operations

func (s *Store) CreateTopic(ctx context.Context, title, prompt string, tags []string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO topics (title, prompt, tags) VALUES ($1,$2,$3) RETURNING id`,
		title, prompt, pq.Array(tags)).Scan(&id)
	return id, err
}

// ListTopics returns all topics, newest first, so callers can pick one
// to open a topic-guided session on.
func (s *Store) ListTopics(ctx context.Context) ([]chat.Topic, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, title, prompt, tags, updated_at FROM topics ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.Topic
	for rows.Next() {
		var t chat.Topic
		var tags pq.StringArray
		if err := rows.Scan(&t.ID, &t.Title, &t.Prompt, &tags, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Tags = tags
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTopic resolves a topic for snapshotting at session creation.
func (s *Store) GetTopic(ctx context.Context, id string) (chat.Topic, bool, error) {
	var t chat.Topic
	var tags pq.StringArray
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, title, prompt, tags, updated_at FROM topics WHERE id=$1`, id).
		Scan(&t.ID, &t.Title, &t.Prompt, &tags, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Topic{}, false, nil
	}
	if err != nil {
		return chat.Topic{}, false, err
	}
	t.Tags = tags
	return t, true, nil
}

// Session operations

const sessionColumns = `id, user_id, mode, topic_id, topic_prompt, topic_title, topic_tags,
topic_snapshot_at, is_completed, report_ready, report, created_at, updated_at, deleted_at`

func scanSession(row interface{ Scan(...interface{}) error }) (chat.Session, error) {
	var sess chat.Session
	var topicID, topicPrompt, topicTitle, report sql.NullString
	var tags pq.StringArray
	var snapshotAt, deletedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Mode, &topicID, &topicPrompt, &topicTitle, &tags,
		&snapshotAt, &sess.Completed, &sess.ReportReady, &report, &sess.CreatedAt, &sess.UpdatedAt, &deletedAt)
	if err != nil {
		return chat.Session{}, err
	}
	sess.TopicID = topicID.String
	sess.TopicPrompt = topicPrompt.String
	sess.TopicTitle = topicTitle.String
	sess.TopicTags = tags
	sess.Report = report.String
	if snapshotAt.Valid {
		t := snapshotAt.Time
		sess.TopicSnapshotAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		sess.DeletedAt = &t
	}
	return sess, nil
}

// EnsureSession loads the session, creating it lazily on first turn.
// The boolean reports whether the row was created.
func (s *Store) EnsureSession(ctx context.Context, id, userID string, mode chat.Mode, topicID string) (chat.Session, bool, error) {
	sess, ok, err := s.GetSession(ctx, id)
	if err != nil {
		return chat.Session{}, false, err
	}
	if ok {
		return sess, false, nil
	}
	row := s.DB.QueryRowContext(ctx,
		`INSERT INTO sessions (id, user_id, mode, topic_id) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING `+sessionColumns,
		id, userID, string(mode), nullableString(topicID))
	sess, err = scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a create race; the existing row wins.
		sess, _, err = s.GetSession(ctx, id)
		return sess, false, err
	}
	if err != nil {
		return chat.Session{}, false, err
	}
	return sess, true, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (chat.Session, bool, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id=$1 AND deleted_at IS NULL`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, false, nil
	}
	if err != nil {
		return chat.Session{}, false, err
	}
	return sess, true, nil
}

// SnapshotTopic writes the immutable topic snapshot columns. The guard
// on topic_snapshot_at keeps an already-written snapshot untouched.
func (s *Store) SnapshotTopic(ctx context.Context, sessionID string, t chat.Topic) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET topic_prompt=$2, topic_title=$3, topic_tags=$4, topic_snapshot_at=NOW(), updated_at=NOW()
		 WHERE id=$1 AND topic_snapshot_at IS NULL`,
		sessionID, t.Prompt, t.Title, pq.Array(t.Tags))
	return err
}

// AppendMessage inserts one message and touches the session timestamp
// in a single transaction.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role chat.Role, content string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content) VALUES ($1,$2,$3)`,
		sessionID, string(role), content); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at=NOW() WHERE id=$1`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages returns the full history in strict creation order. The
// serial id breaks created_at ties so ordering matches insert order
// exactly.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT role, content, created_at FROM messages WHERE session_id=$1 ORDER BY created_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = chat.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkCompleted(ctx context.Context, sessionID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET is_completed=TRUE, updated_at=NOW() WHERE id=$1`, sessionID)
	return err
}

// SetReport persists the report body and flips report_ready in one
// commit. The report_ready guard makes the report write-once: a second
// writer changes no row and gets false back.
func (s *Store) SetReport(ctx context.Context, sessionID, report string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET report_ready=TRUE, report=$2, updated_at=NOW()
		 WHERE id=$1 AND report_ready=FALSE`, sessionID, report)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SoftDeleteSession hides a session from listings; rows are never
// physically deleted.
func (s *Store) SoftDeleteSession(ctx context.Context, sessionID, userID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1 AND user_id=$2 AND deleted_at IS NULL`,
		sessionID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListSessions returns the user's live sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]chat.Session, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id=$1 AND deleted_at IS NULL ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Trait profile operations

func (s *Store) GetTraitProfile(ctx context.Context, userID string) (chat.TraitProfile, bool, error) {
	var p chat.TraitProfile
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, summary, full_report, updated_at FROM trait_profiles WHERE user_id=$1`, userID).
		Scan(&p.UserID, &p.Summary, &p.FullReport, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.TraitProfile{}, false, nil
	}
	if err != nil {
		return chat.TraitProfile{}, false, err
	}
	return p, true, nil
}

// UpsertTraitProfile replaces the profile whole; it is the current
// belief about the user, not a history.
func (s *Store) UpsertTraitProfile(ctx context.Context, userID, summary, fullReport string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO trait_profiles (user_id, summary, full_report, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (user_id) DO UPDATE SET
  summary = EXCLUDED.summary,
  full_report = EXCLUDED.full_report,
  updated_at = NOW();
`, userID, summary, fullReport)
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ chat.ConversationStore = (*Store)(nil)
var _ chat.TraitStore = (*Store)(nil)
var _ chat.TopicProvider = (*Store)(nil)
