package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"virtual-product-owner/internal/domain"
)

// SQLiteStore is the relational backend. Timestamps are stored as UTC unix
// nanoseconds; messages keep an autoincrement sequence as the tie-break for
// equal timestamps.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// One writer at a time avoids SQLITE_BUSY on the shared file.
	db.SetMaxOpenConns(1)

	o := buildOptions(opts)
	s := &SQLiteStore{db: db, now: o.now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			points INTEGER NOT NULL,
			area TEXT NOT NULL DEFAULT '',
			iteration TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			assigned_to TEXT NOT NULL DEFAULT '',
			priority INTEGER,
			risk TEXT NOT NULL DEFAULT '',
			target_date INTEGER,
			acceptance_criteria TEXT NOT NULL DEFAULT '',
			related_work_item TEXT NOT NULL DEFAULT '',
			use_case TEXT NOT NULL DEFAULT '',
			approval TEXT NOT NULL,
			approved_by TEXT NOT NULL DEFAULT '',
			approved_at INTEGER,
			rejection_reason TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			external_url TEXT NOT NULL DEFAULT '',
			synced_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stories_user ON stories(user_id, updated_at DESC, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			story_id TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			story_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_story ON messages(story_id, created_at, seq)`,
		`CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			file_name TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			text_extract TEXT NOT NULL DEFAULT '',
			uploaded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_user ON assets(user_id, uploaded_at DESC)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

const storyColumns = `id, user_id, title, description, points, area, iteration, state, assigned_to,
	priority, risk, target_date, acceptance_criteria, related_work_item, use_case,
	approval, approved_by, approved_at, rejection_reason, external_id, external_url, synced_at,
	created_at, updated_at`

func (s *SQLiteStore) List(ctx context.Context, userID string) ([]domain.Story, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE user_id = ? ORDER BY updated_at DESC, created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: List: %w", err)
	}
	defer rows.Close()

	var out []domain.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: List scan: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: List: %w", err)
	}
	if out == nil {
		out = []domain.Story{}
	}
	return out, nil
}

func (s *SQLiteStore) Create(ctx context.Context, userID, title, description string, points int) (domain.Story, error) {
	now := s.now().UTC()
	st := domain.Story{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: description,
		Points:      points,
		Approval:    domain.Draft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stories (id, user_id, title, description, points, approval, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.UserID, st.Title, st.Description, st.Points, st.Approval.String(), nanos(now), nanos(now))
	if err != nil {
		return domain.Story{}, fmt.Errorf("repository: Create: %w", err)
	}
	return st, nil
}

// Update checks ownership in the WHERE clause of the same statement that
// writes the row.
func (s *SQLiteStore) Update(ctx context.Context, userID string, st domain.Story) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stories SET
			title = ?, description = ?, points = ?, area = ?, iteration = ?, state = ?, assigned_to = ?,
			priority = ?, risk = ?, target_date = ?, acceptance_criteria = ?, related_work_item = ?, use_case = ?,
			approval = ?, approved_by = ?, approved_at = ?, rejection_reason = ?,
			external_id = ?, external_url = ?, synced_at = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		st.Title, st.Description, st.Points, st.Area, st.Iteration, st.State, st.AssignedTo,
		nullInt(st.Priority), st.Risk, nullTime(st.TargetDate), st.AcceptanceCriteria, st.RelatedWorkItem, st.UseCase,
		st.Approval.String(), st.ApprovedBy, nullTime(st.ApprovedAt), st.RejectionReason,
		st.ExternalID, st.ExternalURL, nullTime(st.SyncedAt), nanos(s.now()),
		st.ID, userID)
	if err != nil {
		return false, fmt.Errorf("repository: Update: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) Delete(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("repository: Delete: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) GetByID(ctx context.Context, userID, id string) (domain.Story, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE id = ? AND user_id = ?`, id, userID)
	st, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Story{}, false, nil
	}
	if err != nil {
		return domain.Story{}, false, fmt.Errorf("repository: GetByID: %w", err)
	}
	return st, true, nil
}

func (s *SQLiteStore) GetOrCreateThread(ctx context.Context, storyID string) (domain.ConversationThread, error) {
	now := nanos(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, story_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(story_id) DO NOTHING`,
		uuid.NewString(), storyID, now, now)
	if err != nil {
		return domain.ConversationThread{}, fmt.Errorf("repository: GetOrCreateThread insert: %w", err)
	}
	var t domain.ConversationThread
	var created, updated int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id, story_id, created_at, updated_at FROM conversations WHERE story_id = ?`, storyID).
		Scan(&t.ID, &t.StoryID, &created, &updated)
	if err != nil {
		return domain.ConversationThread{}, fmt.Errorf("repository: GetOrCreateThread select: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = fromNanos(created), fromNanos(updated)
	return t, nil
}

// AppendMessage inserts the message and touches its thread in one
// transaction. The timestamp is raised to the story's latest message time
// if the clock went backwards.
func (s *SQLiteStore) AppendMessage(ctx context.Context, storyID string, role domain.Role, content string) (domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nanos(s.now())
	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(created_at) FROM messages WHERE story_id = ?`, storyID).Scan(&latest); err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage latest: %w", err)
	}
	if latest.Valid && latest.Int64 > now {
		now = latest.Int64
	}

	msg := domain.Message{ID: uuid.NewString(), StoryID: storyID, Role: role, Content: content, CreatedAt: fromNanos(now)}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, story_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(story_id) DO UPDATE SET updated_at = excluded.updated_at`,
		uuid.NewString(), storyID, now, now); err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage thread: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, story_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, storyID, string(role), content, now); err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage commit: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) History(ctx context.Context, storyID string) ([]domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, story_id, role, content, created_at FROM messages WHERE story_id = ? ORDER BY created_at, seq`,
		storyID)
}

// RecentHistory takes the newest limit messages and returns them oldest first.
func (s *SQLiteStore) RecentHistory(ctx context.Context, storyID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	msgs, err := s.queryMessages(ctx,
		`SELECT id, story_id, role, content, created_at FROM messages WHERE story_id = ?
		 ORDER BY created_at DESC, seq DESC LIMIT ?`,
		storyID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: query messages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var role string
		var created int64
		if err := rows.Scan(&m.ID, &m.StoryID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("repository: scan message: %w", err)
		}
		if m.Role, err = domain.ParseRole(role); err != nil {
			return nil, fmt.Errorf("repository: scan message: %w", err)
		}
		m.CreatedAt = fromNanos(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: query messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, storyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE story_id = ?`, storyID); err != nil {
		return fmt.Errorf("repository: DeleteConversation messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE story_id = ?`, storyID); err != nil {
		return fmt.Errorf("repository: DeleteConversation thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: DeleteConversation commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveAsset(ctx context.Context, a domain.Asset) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (id, user_id, file_name, content_type, size, text_extract, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.FileName, a.ContentType, a.Size, a.TextExtract, nanos(a.UploadedAt))
	if err != nil {
		return fmt.Errorf("repository: SaveAsset: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAssets(ctx context.Context, userID string) ([]domain.Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, file_name, content_type, size, text_extract, uploaded_at
		 FROM assets WHERE user_id = ? ORDER BY uploaded_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: ListAssets: %w", err)
	}
	defer rows.Close()

	out := []domain.Asset{}
	for rows.Next() {
		var a domain.Asset
		var uploaded int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.FileName, &a.ContentType, &a.Size, &a.TextExtract, &uploaded); err != nil {
			return nil, fmt.Errorf("repository: ListAssets scan: %w", err)
		}
		a.UploadedAt = fromNanos(uploaded)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListAssets: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteAsset(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("repository: DeleteAsset: %w", err)
	}
	return affected(res)
}

// Ping reports whether the database file can still be reached.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("repository: ping sqlite: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(r rowScanner) (domain.Story, error) {
	var st domain.Story
	var approval string
	var priority, target, approvedAt, syncedAt sql.NullInt64
	var created, updated int64
	err := r.Scan(&st.ID, &st.UserID, &st.Title, &st.Description, &st.Points, &st.Area, &st.Iteration,
		&st.State, &st.AssignedTo, &priority, &st.Risk, &target, &st.AcceptanceCriteria, &st.RelatedWorkItem,
		&st.UseCase, &approval, &st.ApprovedBy, &approvedAt, &st.RejectionReason, &st.ExternalID,
		&st.ExternalURL, &syncedAt, &created, &updated)
	if err != nil {
		return domain.Story{}, err
	}
	if st.Approval, err = domain.ParseApprovalStatus(approval); err != nil {
		return domain.Story{}, err
	}
	if priority.Valid {
		p := int(priority.Int64)
		st.Priority = &p
	}
	st.TargetDate = optFromNanos(target)
	st.ApprovedAt = optFromNanos(approvedAt)
	st.SyncedAt = optFromNanos(syncedAt)
	st.CreatedAt, st.UpdatedAt = fromNanos(created), fromNanos(updated)
	return st, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: rows affected: %w", err)
	}
	return n > 0, nil
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func optFromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}
