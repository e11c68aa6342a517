package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/altermind/altermind/internal/store"
)

// SearchSessionMessages runs full-text search inside one session. On
// Postgres the primary query uses tsvector matching; when it yields zero
// rows the same parameter set is re-run with a substring predicate
// (trigram fallback). SQLite goes straight to the substring form.
func (s *Store) SearchSessionMessages(ctx context.Context, sessionID, query string, limit, offset int) (*store.SearchResult, error) {
	return s.search(ctx, sessionID, query, limit, offset)
}

// SearchAllMessages is SearchSessionMessages across every session.
func (s *Store) SearchAllMessages(ctx context.Context, query string, limit, offset int) (*store.SearchResult, error) {
	return s.search(ctx, "", query, limit, offset)
}

func (s *Store) search(ctx context.Context, sessionID, query string, limit, offset int) (*store.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	if s.dialect == DialectPostgres {
		res, err := s.runSearch(ctx, sessionID, limit, offset,
			`to_tsvector('english', content) @@ plainto_tsquery('english', $%d)`, query)
		if err != nil {
			return nil, err
		}
		if res.Total > 0 {
			return res, nil
		}
		// Zero hits on the tsquery: retry as a substring match.
		return s.runSearch(ctx, sessionID, limit, offset, `content ILIKE '%%' || $%d || '%%'`, query)
	}
	return s.runSearch(ctx, sessionID, limit, offset, `content LIKE '%%' || $%d || '%%'`, query)
}

func (s *Store) runSearch(ctx context.Context, sessionID string, limit, offset int, predicate, query string) (*store.SearchResult, error) {
	var where string
	var args []interface{}
	if sessionID != "" {
		args = append(args, sessionID)
		where = fmt.Sprintf("session_id = $1 AND "+predicate, 2)
	} else {
		where = fmt.Sprintf(predicate, 1)
	}
	args = append(args, query)

	var total int
	countQ := "SELECT COUNT(*) FROM messages WHERE " + where
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("search count: %w", err)
	}
	if total == 0 {
		return &store.SearchResult{Messages: []store.Message{}, Total: 0}, nil
	}

	selectQ := fmt.Sprintf("%s FROM messages WHERE %s ORDER BY ts DESC LIMIT $%d OFFSET $%d",
		selectMessageCols, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	result := &store.SearchResult{Messages: []store.Message{}, Total: total}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result.Messages = append(result.Messages, *m)
	}
	return result, rows.Err()
}

// SettingsStore implements store.Settings over the settings table.
type SettingsStore struct {
	s *Store
}

// NewSettingsStore returns the settings backend sharing the Store's pool.
func NewSettingsStore(s *Store) *SettingsStore { return &SettingsStore{s: s} }

func (st *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := st.s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("settings get: %w", err)
	}
	return value, nil
}

func (st *SettingsStore) Set(ctx context.Context, key, value string) error {
	_, err := st.s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = $2`, key, value)
	if err != nil {
		return fmt.Errorf("settings set: %w", err)
	}
	return nil
}
