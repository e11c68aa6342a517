package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/altermind/altermind/internal/providers"
	"github.com/altermind/altermind/internal/store"
	"github.com/altermind/altermind/internal/stream"
	"github.com/altermind/altermind/pkg/protocol"
)

type methodHandler func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error)

func (s *Server) buildRouter() map[string]methodHandler {
	return map[string]methodHandler{
		protocol.MethodConnect:         s.handleConnect,
		protocol.MethodHealth:          s.handleHealthRPC,
		protocol.MethodSessionsCreate:  s.handleSessionsCreate,
		protocol.MethodSessionsGet:     s.handleSessionsGet,
		protocol.MethodSessionsList:    s.handleSessionsList,
		protocol.MethodSessionsPatch:   s.handleSessionsPatch,
		protocol.MethodSessionsDelete:  s.handleSessionsDelete,
		protocol.MethodChatSend:        s.handleChatSend,
		protocol.MethodChatAbort:       s.handleChatAbort,
		protocol.MethodChatWatch:       s.handleChatWatch,
		protocol.MethodChatUnwatch:     s.handleChatUnwatch,
		protocol.MethodChatHistory:     s.handleChatHistory,
		protocol.MethodChatCompact:     s.handleChatCompact,
		protocol.MethodApprovalApprove: s.handleApprove,
		protocol.MethodApprovalDeny:    s.handleDeny,
		protocol.MethodMessagesSearch:  s.handleSearch,
		protocol.MethodSettingsGet:     s.handleSettingsGet,
		protocol.MethodSettingsSet:     s.handleSettingsSet,
	}
}

func (s *Server) dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) {
	handler, ok := s.router[req.Method]
	if !ok {
		c.sendFrame(protocol.ErrResponse(req.ID, protocol.ErrCodeInvalid, "unknown method "+req.Method))
		return
	}
	if req.Method == protocol.MethodChatSend && !s.rateLimiter.Allow(c.id) {
		c.sendFrame(protocol.ErrResponse(req.ID, protocol.ErrCodeRateLimited, "rate limit exceeded"))
		return
	}

	result, err := handler(ctx, c, req.Params)
	if err != nil {
		c.sendFrame(protocol.ErrResponse(req.ID, errToCode(err), err.Error()))
		return
	}
	c.sendFrame(protocol.OKResponse(req.ID, result))
}

func errToCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return protocol.ErrCodeNotFound
	case errors.Is(err, store.ErrConflict):
		return protocol.ErrCodeConflict
	case store.IsInvalid(err):
		return protocol.ErrCodeInvalid
	default:
		return protocol.ErrCodeInternal
	}
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return store.Invalid("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return store.Invalid("malformed params: %s", err)
	}
	return nil
}

// --- system ---

func (s *Server) handleConnect(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"protocol": protocol.ProtocolVersion, "clientId": c.id}, nil
}

func (s *Server) handleHealthRPC(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"status": "ok"}, nil
}

// --- sessions ---

func (s *Server) handleSessionsCreate(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		Title       string `json:"title"`
		Model       string `json:"model"`
		VisionModel string `json:"visionModel"`
	}
	if len(params) > 0 {
		if err := decode(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Model != "" && !providers.Known(p.Model) {
		return nil, store.Invalid("unknown model %q", p.Model)
	}
	sess, err := s.store.CreateSession(ctx, p.Title, p.Model, p.VisionModel)
	if err != nil {
		return nil, err
	}
	s.BroadcastGlobal(protocol.EventSessionCreated, sess)
	return sess, nil
}

func (s *Server) handleSessionsGet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	detail, err := s.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	// Lazy-migrate legacy sessions with an empty model on read.
	if detail.Session.Model == "" {
		if _, err := s.loop.ResolveModel(ctx, &detail.Session); err != nil {
			slog.Debug("model migration skipped", "session", p.SessionID, "error", err)
		}
	}
	s.settings.Set(ctx, store.SettingLastActiveSessionID, p.SessionID)
	return detail, nil
}

func (s *Server) handleSessionsList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessions": sessions}, nil
}

func (s *Server) handleSessionsPatch(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID   string  `json:"sessionId"`
		Title       *string `json:"title"`
		Model       *string `json:"model"`
		VisionModel *string `json:"visionModel"`
		AutoApprove *bool   `json:"autoApprove"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Model != nil && *p.Model != "" && !providers.Known(*p.Model) {
		return nil, store.Invalid("unknown model %q", *p.Model)
	}
	err := s.store.UpdateSession(ctx, p.SessionID, store.SessionPatch{
		Title:       p.Title,
		Model:       p.Model,
		VisionModel: p.VisionModel,
		AutoApprove: p.AutoApprove,
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetSessionMeta(ctx, p.SessionID)
}

func (s *Server) handleSessionsDelete(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.store.DeleteSession(ctx, p.SessionID); err != nil {
		return nil, err
	}
	// Cascade the in-memory resources.
	s.streams.Remove(p.SessionID)
	s.browsers.Destroy(p.SessionID)
	s.images.Clear(p.SessionID)
	s.BroadcastGlobal(protocol.EventSessionDeleted, map[string]string{"sessionId": p.SessionID})
	return map[string]bool{"deleted": true}, nil
}

// --- chat ---

func (s *Server) handleChatSend(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string   `json:"sessionId"`
		Content   string   `json:"content"`
		Images    []string `json:"images"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Content == "" && len(p.Images) == 0 {
		return nil, store.Invalid("message content must not be empty")
	}

	sess, err := s.store.GetSessionMeta(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	model, err := s.loop.ResolveModel(ctx, sess)
	if err != nil {
		return nil, err
	}

	userMsg := &store.Message{
		Role:    store.RoleUser,
		Content: p.Content,
		Images:  p.Images,
	}
	userMsgID, err := s.store.AddMessage(ctx, p.SessionID, userMsg)
	if err != nil {
		return nil, err
	}
	// Other watchers see the user message land before the round starts.
	s.BroadcastToSession(p.SessionID, c.id, stream.Event{
		Type:    protocol.EventNewMessage,
		Message: userMsg,
	})

	s.startRound(p.SessionID, model, c)
	go func() {
		if err := s.loop.StreamNextRound(context.Background(), p.SessionID, 0); err != nil {
			slog.Error("stream round failed", "session", p.SessionID, "error", err)
		}
	}()

	return map[string]string{"messageId": userMsgID}, nil
}

func (s *Server) handleChatAbort(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"aborted": s.loop.Cancel(p.SessionID)}, nil
}

func (s *Server) handleChatWatch(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if _, err := s.store.GetSessionMeta(ctx, p.SessionID); err != nil {
		return nil, err
	}
	s.watchers.Watch(p.SessionID, c)

	// A reconnecting client gets the cumulative state first, then the
	// terminal events when the round already finished.
	if entry := s.streams.Get(p.SessionID); entry != nil {
		s.subscribeClient(p.SessionID, c)
		c.sendFrame(protocol.NewEvent("session:"+p.SessionID, protocol.EventSnapshot,
			stream.SnapshotEvent(entry.Snapshot())))
		for _, ev := range entry.TerminalEvents() {
			c.sendFrame(protocol.NewEvent("session:"+p.SessionID, ev.Type, ev))
		}
	}
	return map[string]bool{"watching": true}, nil
}

func (s *Server) handleChatUnwatch(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	s.watchers.Unwatch(p.SessionID, c)
	c.dropSubscription(p.SessionID)
	return map[string]bool{"watching": false}, nil
}

func (s *Server) handleChatHistory(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Before    int64  `json:"before"`
		Limit     int    `json:"limit"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.store.GetMessages(ctx, p.SessionID, store.MessagesPage{Before: p.Before, Limit: p.Limit})
}

func (s *Server) handleChatCompact(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.store.GetSessionMeta(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	model, err := s.loop.ResolveModel(ctx, sess)
	if err != nil {
		return nil, err
	}

	s.BroadcastToSession(p.SessionID, "", stream.Event{
		Type:      protocol.EventCompactionStarted,
		SessionID: p.SessionID,
	})
	go func() {
		comp, err := s.loop.CompactSession(context.Background(), p.SessionID, model, providers.ContextWindow(model))
		if err != nil {
			s.BroadcastToSession(p.SessionID, "", stream.Event{
				Type:      protocol.EventCompactionError,
				SessionID: p.SessionID,
				Error:     &stream.Error{Message: err.Error(), Code: "COMPACTION_FAILED", Recoverable: true},
			})
			return
		}
		s.BroadcastToSession(p.SessionID, "", stream.Event{
			Type:    protocol.EventCompaction,
			Message: comp,
		})
	}()
	return map[string]bool{"started": true}, nil
}

// --- approvals ---

func (s *Server) handleApprove(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		MessageID string `json:"messageId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.store.GetSessionMeta(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	model, err := s.loop.ResolveModel(ctx, sess)
	if err != nil {
		return nil, err
	}

	// CAS first so a losing click gets its conflict synchronously.
	ok, err := s.store.AtomicApprove(ctx, p.MessageID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrConflict
	}

	// A finished round's entry may linger; approval always opens a fresh
	// one rather than reusing a done entry.
	s.startRound(p.SessionID, model, c)
	s.BroadcastToSession(p.SessionID, "", stream.Event{
		Type:     protocol.EventApprovalChanged,
		Approval: &stream.ApprovalChange{MessageID: p.MessageID, ApprovalStatus: store.ApprovalApproved},
	})
	go func() {
		if err := s.loop.ExecuteToolRound(context.Background(), p.SessionID, p.MessageID, 0); err != nil {
			slog.Error("tool round failed", "session", p.SessionID, "error", err)
		}
	}()
	return map[string]bool{"approved": true}, nil
}

func (s *Server) handleDeny(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		MessageID string `json:"messageId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.loop.DenyToolRound(ctx, p.SessionID, p.MessageID); err != nil {
		return nil, err
	}
	return map[string]bool{"denied": true}, nil
}

// --- search / settings ---

func (s *Server) handleSearch(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Query     string `json:"query"`
		Limit     int    `json:"limit"`
		Offset    int    `json:"offset"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, store.Invalid("query must not be empty")
	}
	if p.SessionID != "" {
		return s.store.SearchSessionMessages(ctx, p.SessionID, p.Query, p.Limit, p.Offset)
	}
	return s.store.SearchAllMessages(ctx, p.Query, p.Limit, p.Offset)
}

func (s *Server) handleSettingsGet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		Key string `json:"key"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	value, err := s.settings.Get(ctx, p.Key)
	if err != nil {
		return nil, err
	}
	return map[string]string{"key": p.Key, "value": value}, nil
}

func (s *Server) handleSettingsSet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error) {
	var p struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.settings.Set(ctx, p.Key, p.Value); err != nil {
		return nil, err
	}
	s.BroadcastGlobal(protocol.EventSettingsChanged, map[string]string{"key": p.Key})
	return map[string]bool{"ok": true}, nil
}

// --- round plumbing ---

// startRound installs a fresh stream entry (unless a live one exists) and
// subscribes the initiating client plus every pre-existing watcher.
func (s *Server) startRound(sessionID, model string, initiator *Client) {
	entry := s.streams.Get(sessionID)
	if entry == nil || entry.Done() {
		s.streams.Create(sessionID, "", model)
	}

	s.watchers.Watch(sessionID, initiator)
	for _, w := range s.watchers.Watchers(sessionID) {
		s.subscribeClient(sessionID, w)
	}
}

// subscribeClient bridges the session's stream events onto the client's
// send buffer.
func (s *Server) subscribeClient(sessionID string, c *Client) {
	topic := "session:" + sessionID
	unsub := s.streams.Subscribe(sessionID, c.id, func(ev stream.Event) {
		c.sendFrame(protocol.NewEvent(topic, ev.Type, ev))
	})
	c.addSubscription(sessionID, unsub)
}
