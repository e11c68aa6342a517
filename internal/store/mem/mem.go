// Package mem is the in-memory store.Store used by tests and ephemeral
// dev runs. Semantics mirror the db backend, including the conditional
// approval transition.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altermind/altermind/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*store.Session
	messages map[string]*store.Message   // by message id
	bySess   map[string][]string         // session id → message ids in insert order
	settings map[string]string
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*store.Session),
		messages: make(map[string]*store.Message),
		bySess:   make(map[string][]string),
		settings: make(map[string]string),
	}
}

func (s *Store) CreateSession(ctx context.Context, title, model, visionModel string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	sess := &store.Session{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Title:       title,
		Model:       model,
		VisionModel: visionModel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (s *Store) GetSessionMeta(ctx context.Context, id string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.SessionDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	detail := &store.SessionDetail{Session: *sess}
	for _, mid := range s.bySess[id] {
		detail.Messages = append(detail.Messages, *s.messages[mid])
	}
	sortByTimestamp(detail.Messages)
	return detail, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []store.Session
	for _, sess := range s.sessions {
		result = append(result, *sess)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
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
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.sessions, id)
	for _, mid := range s.bySess[id] {
		delete(s.messages, mid)
	}
	delete(s.bySess, id)
	return nil
}

func (s *Store) GetMessages(ctx context.Context, sessionID string, page store.MessagesPage) (*store.MessagesResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := page.Limit
	if limit <= 0 {
		limit = 30
	}

	var all []store.Message
	for _, mid := range s.bySess[sessionID] {
		m := s.messages[mid]
		if page.Before > 0 && m.Timestamp >= page.Before {
			continue
		}
		all = append(all, *m)
	}
	sortByTimestamp(all)

	hasMore := len(all) > limit
	if hasMore {
		all = all[len(all)-limit:]
	}
	return &store.MessagesResult{Messages: all, HasMore: hasMore}, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) AddMessage(ctx context.Context, sessionID string, msg *store.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", store.ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	msg.SessionID = sessionID
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	s.bySess[sessionID] = append(s.bySess[sessionID], msg.ID)
	sess.UpdatedAt = time.Now()
	return msg.ID, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id string, patch store.MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
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
	return nil
}

func (s *Store) AtomicApprove(ctx context.Context, messageID string) (bool, error) {
	return s.transition(messageID, store.ApprovalPending, store.ApprovalApproved)
}

func (s *Store) AtomicDeny(ctx context.Context, messageID string) (bool, error) {
	return s.transition(messageID, store.ApprovalPending, store.ApprovalDenied)
}

func (s *Store) transition(messageID, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, store.ErrNotFound
	}
	if m.ApprovalStatus != from {
		return false, nil
	}
	m.ApprovalStatus = to
	return true, nil
}

func (s *Store) UpdateSessionTokenUsage(ctx context.Context, id string, usage store.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.TokenUsage = usage
	return nil
}

func (s *Store) SearchSessionMessages(ctx context.Context, sessionID, query string, limit, offset int) (*store.SearchResult, error) {
	return s.search(sessionID, query, limit, offset)
}

func (s *Store) SearchAllMessages(ctx context.Context, query string, limit, offset int) (*store.SearchResult, error) {
	return s.search("", query, limit, offset)
}

func (s *Store) search(sessionID, query string, limit, offset int) (*store.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToLower(query)

	var hits []store.Message
	for _, m := range s.messages {
		if sessionID != "" && m.SessionID != sessionID {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), q) {
			hits = append(hits, *m)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Timestamp > hits[j].Timestamp })

	total := len(hits)
	if offset > len(hits) {
		offset = len(hits)
	}
	hits = hits[offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return &store.SearchResult{Messages: hits, Total: total}, nil
}

// Settings implements store.Settings in memory.
func (s *Store) Settings() store.Settings { return (*memSettings)(s) }

type memSettings Store

func (s *memSettings) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key], nil
}

func (s *memSettings) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func sortByTimestamp(msgs []store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
}
