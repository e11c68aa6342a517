package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/altermind/altermind/internal/store"
)

const selectMessageCols = `SELECT id, session_id, role, content, images, model, ts,
	tool_calls, tool_results, approval_status, verbatim_count,
	token_count, raw_token_count, llm_request, llm_response`

func (s *Store) AddMessage(ctx context.Context, sessionID string, msg *store.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	msg.SessionID = sessionID
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	images, _ := marshalOrNil(msg.Images, len(msg.Images) > 0)
	toolCalls, _ := marshalOrNil(msg.ToolCalls, len(msg.ToolCalls) > 0)
	toolResults, _ := marshalOrNil(msg.ToolResults, len(msg.ToolResults) > 0)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, images, model, ts,
			tool_calls, tool_results, approval_status, verbatim_count,
			token_count, raw_token_count, llm_request, llm_response)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		msg.ID, sessionID, msg.Role, msg.Content, images, nilStr(msg.Model), msg.Timestamp,
		toolCalls, toolResults, nilStr(msg.ApprovalStatus), msg.VerbatimCount,
		msg.TokenCount, msg.RawTokenCount, rawOrNil(msg.LLMRequest), rawOrNil(msg.LLMResponse),
	)
	if err != nil {
		return "", fmt.Errorf("add message: %w", err)
	}

	s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`,
		time.Now().UnixMilli(), sessionID)
	return msg.ID, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx, selectMessageCols+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *Store) GetMessages(ctx context.Context, sessionID string, page store.MessagesPage) (*store.MessagesResult, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 30
	}

	// Read limit+1 rows descending; the extra row signals hasMore.
	var rows *sql.Rows
	var err error
	if page.Before > 0 {
		rows, err = s.db.QueryContext(ctx,
			selectMessageCols+` FROM messages WHERE session_id = $1 AND ts < $2 ORDER BY ts DESC, id DESC LIMIT $3`,
			sessionID, page.Before, limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx,
			selectMessageCols+` FROM messages WHERE session_id = $1 ORDER BY ts DESC, id DESC LIMIT $2`,
			sessionID, limit+1)
	}
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var desc []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		desc = append(desc, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(desc) > limit
	if hasMore {
		desc = desc[:limit]
	}
	// Reverse into ascending order.
	asc := make([]store.Message, len(desc))
	for i, m := range desc {
		asc[len(desc)-1-i] = m
	}
	return &store.MessagesResult{Messages: asc, HasMore: hasMore}, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id string, patch store.MessagePatch) error {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.ToolResults != nil {
		m.ToolResults = *patch.ToolResults
	}
	if patch.ApprovalStatus != nil {
		m.ApprovalStatus = *patch.ApprovalStatus
	}
	if patch.TokenCount != nil {
		m.TokenCount = *patch.TokenCount
	}
	if patch.RawTokenCount != nil {
		m.RawTokenCount = *patch.RawTokenCount
	}
	if patch.LLMResponse != nil {
		m.LLMResponse = *patch.LLMResponse
	}

	toolResults, _ := marshalOrNil(m.ToolResults, len(m.ToolResults) > 0)
	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET content = $1, tool_results = $2, approval_status = $3,
			token_count = $4, raw_token_count = $5, llm_response = $6
		 WHERE id = $7`,
		m.Content, toolResults, nilStr(m.ApprovalStatus),
		m.TokenCount, m.RawTokenCount, rawOrNil(m.LLMResponse), id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (s *Store) AtomicApprove(ctx context.Context, messageID string) (bool, error) {
	return s.transition(ctx, messageID, store.ApprovalPending, store.ApprovalApproved)
}

func (s *Store) AtomicDeny(ctx context.Context, messageID string) (bool, error) {
	return s.transition(ctx, messageID, store.ApprovalPending, store.ApprovalDenied)
}

// transition is the CAS at the heart of approval idempotence: only the
// caller whose conditional UPDATE touches a row wins.
func (s *Store) transition(ctx context.Context, messageID, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET approval_status = $1 WHERE id = $2 AND approval_status = $3`,
		to, messageID, from)
	if err != nil {
		return false, fmt.Errorf("approval transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var m store.Message
	var images, toolCalls, toolResults, model, approval, llmReq, llmResp *string
	var verbatim sql.NullInt64

	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &images, &model, &m.Timestamp,
		&toolCalls, &toolResults, &approval, &verbatim,
		&m.TokenCount, &m.RawTokenCount, &llmReq, &llmResp)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}

	m.Model = derefStr(model)
	m.ApprovalStatus = derefStr(approval)
	if images != nil {
		json.Unmarshal([]byte(*images), &m.Images)
	}
	if toolCalls != nil {
		json.Unmarshal([]byte(*toolCalls), &m.ToolCalls)
	}
	if toolResults != nil {
		json.Unmarshal([]byte(*toolResults), &m.ToolResults)
	}
	if verbatim.Valid {
		v := int(verbatim.Int64)
		m.VerbatimCount = &v
	}
	if llmReq != nil {
		m.LLMRequest = json.RawMessage(*llmReq)
	}
	if llmResp != nil {
		m.LLMResponse = json.RawMessage(*llmResp)
	}
	return &m, nil
}

func marshalOrNil(v interface{}, present bool) (*string, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func rawOrNil(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
