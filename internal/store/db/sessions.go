package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/altermind/altermind/internal/store"
)

func (s *Store) CreateSession(ctx context.Context, title, model, visionModel string) (*store.Session, error) {
	now := time.Now()
	sess := &store.Session{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Title:       title,
		Model:       model,
		VisionModel: visionModel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, model, vision_model, auto_approve, input_tokens, output_tokens, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7)`,
		sess.ID, sess.Title, sess.Model, sess.VisionModel, sess.AutoApprove,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSessionMeta(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, model, vision_model, auto_approve, input_tokens, output_tokens, created_at, updated_at
		 FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.SessionDetail, error) {
	sess, err := s.GetSessionMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		selectMessageCols+` FROM messages WHERE session_id = $1 ORDER BY ts ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &store.SessionDetail{Session: *sess, Messages: msgs}, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, model, vision_model, auto_approve, input_tokens, output_tokens, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sess)
	}
	return result, rows.Err()
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) error {
	sess, err := s.GetSessionMeta(ctx, id)
	if err != nil {
		return err
	}
	if patch.Title != nil {
		sess.Title = *patch.Title
	}
	if patch.Model != nil {
		sess.Model = *patch.Model
	}
	if patch.VisionModel != nil {
		sess.VisionModel = *patch.VisionModel
	}
	if patch.AutoApprove != nil {
		sess.AutoApprove = *patch.AutoApprove
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET title = $1, model = $2, vision_model = $3, auto_approve = $4, updated_at = $5 WHERE id = $6`,
		sess.Title, sess.Model, sess.VisionModel, sess.AutoApprove, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	// SQLite only enforces the cascade with foreign_keys on; delete explicitly.
	if s.dialect == DialectSQLite {
		s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, id)
	}
	return nil
}

func (s *Store) UpdateSessionTokenUsage(ctx context.Context, id string, usage store.TokenUsage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET input_tokens = $1, output_tokens = $2 WHERE id = $3`,
		usage.InputTokens, usage.OutputTokens, id)
	if err != nil {
		return fmt.Errorf("update token usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.Title, &sess.Model, &sess.VisionModel, &sess.AutoApprove,
		&sess.TokenUsage.InputTokens, &sess.TokenUsage.OutputTokens, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return &sess, nil
}
