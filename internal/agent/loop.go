package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/altermind/altermind/internal/providers"
	"github.com/altermind/altermind/internal/store"
	"github.com/altermind/altermind/internal/stream"
	"github.com/altermind/altermind/internal/tools"
	"github.com/altermind/altermind/pkg/protocol"
)

// MaxToolRounds bounds the generate→execute recursion for one user turn.
const MaxToolRounds = 10

// Result strings for synthesized tool outcomes.
const (
	interruptedContent      = "[Interrupted by user]"
	interruptedToolResult   = "Tool execution was interrupted by user."
	cancelledPrevFailed     = "Cancelled: previous tool failed"
	cancelledValidationFail = "Cancelled: another tool failed validation"
	deniedToolResult        = "Tool call denied by user"
)

// Loop drives the round-by-round dance: run LLM → collect tool calls →
// gate on approval → execute sequentially → persist → recurse.
type Loop struct {
	store     store.Store
	settings  store.Settings
	streams   *stream.Registry
	providers *providers.Registry
	tools     *tools.Registry

	// Broadcast delivers an event to session watchers when no live stream
	// entry exists (deny of a parked round). Optional.
	Broadcast func(sessionID string, ev stream.Event)

	// GlobalEvent publishes on the global topic (session renames). Optional.
	GlobalEvent func(eventType string, payload interface{})
}

// Config wires the Loop's collaborators, constructed once at process start.
type Config struct {
	Store     store.Store
	Settings  store.Settings
	Streams   *stream.Registry
	Providers *providers.Registry
	Tools     *tools.Registry
}

// NewLoop builds the loop.
func NewLoop(cfg Config) *Loop {
	return &Loop{
		store:     cfg.Store,
		settings:  cfg.Settings,
		streams:   cfg.Streams,
		providers: cfg.Providers,
		tools:     cfg.Tools,
	}
}

// Streams exposes the registry for transport-side subscription management.
func (l *Loop) Streams() *stream.Registry { return l.streams }

// Cancel aborts the session's in-flight round, if any.
func (l *Loop) Cancel(sessionID string) bool {
	return l.streams.Abort(sessionID)
}

// ResolveModel returns the session's model, lazily migrating legacy
// sessions with an empty model field to the configured default.
func (l *Loop) ResolveModel(ctx context.Context, sess *store.Session) (string, error) {
	if sess.Model != "" {
		return sess.Model, nil
	}
	def, err := l.settings.Get(ctx, store.SettingDefaultModel)
	if err != nil {
		return "", err
	}
	if def == "" {
		return "", store.Invalid("session %s has no model and no default_model is configured", sess.ID)
	}
	model := def
	if err := l.store.UpdateSession(ctx, sess.ID, store.SessionPatch{Model: &model}); err != nil {
		return "", err
	}
	sess.Model = model
	return model, nil
}

// StreamNextRound opens one LLM generation for the session and runs the
// terminal bookkeeping: persist, auto-approve, auto-compact, eviction.
func (l *Loop) StreamNextRound(ctx context.Context, sessionID string, round int) error {
	detail, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	model, err := l.ResolveModel(ctx, &detail.Session)
	if err != nil {
		return err
	}
	provider, modelID, err := l.providers.Resolve(model)
	if err != nil {
		return err
	}

	prompt := BuildHistoryFromDB(detail.Messages)

	assistantID := uuid.Must(uuid.NewV7()).String()
	entry := l.streams.Continue(sessionID, assistantID)
	if entry == nil {
		entry = l.streams.Create(sessionID, assistantID, model)
	}

	// A cancel can land between rounds; don't open the provider stream.
	if entry.Aborted() {
		_, err := l.store.AddMessage(ctx, sessionID, &store.Message{
			ID:      assistantID,
			Role:    store.RoleAssistant,
			Content: interruptedContent,
			Model:   model,
		})
		if err != nil {
			return err
		}
		l.streams.PushEvent(sessionID, stream.DoneEvent(false))
		l.streams.ScheduleRemoval(sessionID, 0)
		return nil
	}

	l.streams.PushEvent(sessionID, stream.SnapshotEvent(stream.Snapshot{
		AssistantID: assistantID,
		Content:     "",
		Model:       model,
		ToolCalls:   []store.ToolCall{},
	}))

	ctx, span := startRoundSpan(ctx, sessionID, model, round)
	defer span.End()

	cs, err := provider.GenerateStream(entry.Context(), prompt, modelID, l.tools.Schemas(), sessionID)
	if err != nil {
		return l.finishWithError(ctx, sessionID, entry, model, err)
	}
	if rb, ok := cs.(interface{ RequestBody() []byte }); ok {
		entry.SetRequestBody(rb.RequestBody())
	}
	defer cs.Close()

	for {
		chunk, ok := cs.Next()
		if !ok {
			break
		}
		switch chunk.Kind {
		case providers.ChunkText:
			l.streams.PushEvent(sessionID, stream.TokenEvent(chunk.Text))
		case providers.ChunkToolCall:
			l.streams.PushEvent(sessionID, stream.ToolCallEvent(*chunk.ToolCall))
		case providers.ChunkUsage:
			l.streams.PushEvent(sessionID, stream.UsageEvent(*chunk.Usage))
		case providers.ChunkDebug:
			l.streams.PushEvent(sessionID, stream.Event{Type: protocol.EventDebug, Debug: chunk.Debug})
		}
	}

	if streamErr := cs.Err(); streamErr != nil {
		return l.finishWithError(ctx, sessionID, entry, model, streamErr)
	}

	content := entry.Content()
	toolCalls := entry.ToolCalls()
	usage := entry.Usage()
	recordRoundUsage(span, usage)

	// Persist before pushing done, so a client that refetches on the
	// terminal event observes the message in durable storage.
	msg := &store.Message{
		ID:         assistantID,
		Role:       store.RoleAssistant,
		Content:    content,
		Model:      model,
		ToolCalls:  toolCalls,
		LLMRequest: entry.RequestBody(),
	}
	if len(toolCalls) > 0 {
		msg.ApprovalStatus = store.ApprovalPending
	}
	if usage != nil {
		msg.RawTokenCount = usage.OutputTokens
	}
	if _, err := l.store.AddMessage(ctx, sessionID, msg); err != nil {
		return err
	}

	if usage != nil {
		l.patchUserTokenCount(ctx, detail.Messages, usage.InputTokens)
		l.accumulateUsage(ctx, sessionID, *usage)
	}

	// Auto-approve re-reads the flag; a mid-turn toggle must win.
	if len(toolCalls) > 0 {
		sess, err := l.store.GetSessionMeta(ctx, sessionID)
		if err == nil && sess.AutoApprove {
			ok, err := l.store.AtomicApprove(ctx, assistantID)
			if err != nil {
				return err
			}
			if ok {
				l.streams.PushEvent(sessionID, stream.Event{Type: protocol.EventAutoApproved, MessageID: assistantID})
				return l.ExecuteToolRound(ctx, sessionID, assistantID, round)
			}
		}
	}

	l.streams.PushEvent(sessionID, stream.DoneEvent(len(toolCalls) > 0))

	if len(toolCalls) == 0 {
		if usage != nil {
			if comp := l.AutoCompactIfNeeded(ctx, sessionID, model, *usage); comp != nil {
				l.streams.PushEvent(sessionID, stream.Event{Type: protocol.EventCompaction, Message: comp})
			}
		}
		l.maybeAutoName(sessionID, model, detail)
	}

	l.streams.ScheduleRemoval(sessionID, 0)
	return nil
}

// finishWithError handles the provider-stream error branch: a cooperative
// cancel persists the interrupt; anything else is classified and surfaced.
func (l *Loop) finishWithError(ctx context.Context, sessionID string, entry *stream.Entry, model string, streamErr error) error {
	if entry.Aborted() || errors.Is(streamErr, context.Canceled) {
		toolCalls := entry.ToolCalls()
		msg := &store.Message{
			ID:        entry.AssistantID(),
			Role:      store.RoleAssistant,
			Content:   entry.Content(),
			Model:     model,
			ToolCalls: toolCalls,
		}
		if len(toolCalls) > 0 {
			msg.ApprovalStatus = store.ApprovalDenied
		}
		if _, err := l.store.AddMessage(ctx, sessionID, msg); err != nil {
			slog.Warn("persist interrupted message failed", "session", sessionID, "error", err)
		}
		l.streams.PushEvent(sessionID, stream.DoneEvent(false))
		l.streams.ScheduleRemoval(sessionID, 0)
		return nil
	}

	c := Classify(streamErr)
	slog.Error("llm stream failed", "session", sessionID, "code", c.Code, "error", streamErr)
	l.streams.PushEvent(sessionID, stream.ErrorEvent(c.Message, c.Code, c.Recoverable))
	l.streams.ScheduleRemoval(sessionID, 0)
	return nil
}

// ExecuteToolRound validates and runs a message's tool calls sequentially,
// then recurses into the next LLM round.
func (l *Loop) ExecuteToolRound(ctx context.Context, sessionID, messageID string, round int) error {
	if round >= MaxToolRounds {
		slog.Warn("tool round cap reached", "session", sessionID, "rounds", round)
		return nil
	}

	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if len(msg.ToolCalls) == 0 {
		return store.Invalid("message %s has no tool calls", messageID)
	}
	calls := msg.ToolCalls
	entry := l.streams.Get(sessionID)

	// Pre-validate every call. One bad call cancels the whole round before
	// anything runs.
	validationErrs := make(map[string]string)
	for _, call := range calls {
		if err := l.tools.Validate(call); err != nil {
			validationErrs[call.ID] = err.Error()
		}
	}
	if len(validationErrs) > 0 {
		results := make([]store.ToolResult, 0, len(calls))
		for _, call := range calls {
			out, failed := validationErrs[call.ID]
			if !failed {
				out = cancelledValidationFail
			}
			results = append(results, store.ToolResult{ToolCallID: call.ID, Output: out, IsError: true})
		}
		if err := l.persistRoundResults(ctx, sessionID, messageID, results, ""); err != nil {
			return err
		}
		for _, tr := range results {
			l.streams.PushEvent(sessionID, stream.ToolResultEvent(tr))
		}
		// Let the model see the validation errors.
		return l.StreamNextRound(ctx, sessionID, round+1)
	}

	var results []store.ToolResult
	hadError := false
	wasInterrupted := false

	for _, call := range calls {
		if entry != nil && entry.Aborted() {
			wasInterrupted = true
			break
		}

		var tr store.ToolResult
		if hadError {
			tr = store.ToolResult{ToolCallID: call.ID, Output: cancelledPrevFailed, IsError: true}
		} else {
			tr = l.executeCall(ctx, sessionID, entry, call)
			if tr.IsError {
				hadError = true
			}
		}
		results = append(results, tr)
		l.streams.PushEvent(sessionID, stream.ToolResultEvent(tr))

		if entry != nil && entry.Aborted() {
			wasInterrupted = true
			break
		}
	}

	if wasInterrupted {
		for _, call := range calls[len(results):] {
			tr := store.ToolResult{ToolCallID: call.ID, Output: interruptedToolResult, IsError: true}
			results = append(results, tr)
			l.streams.PushEvent(sessionID, stream.ToolResultEvent(tr))
		}
		if err := l.persistRoundResults(ctx, sessionID, messageID, results, store.ApprovalDenied); err != nil {
			return err
		}
		l.streams.PushEvent(sessionID, stream.DoneEvent(false))
		l.streams.ScheduleRemoval(sessionID, 0)
		return nil
	}

	if err := l.persistRoundResults(ctx, sessionID, messageID, results, store.ApprovalApproved); err != nil {
		return err
	}
	return l.StreamNextRound(ctx, sessionID, round+1)
}

// executeCall runs one tool call; a thrown error becomes an isError result.
func (l *Loop) executeCall(ctx context.Context, sessionID string, entry *stream.Entry, call store.ToolCall) store.ToolResult {
	t, ok := l.tools.Get(call.Name)
	if !ok {
		return store.ToolResult{ToolCallID: call.ID, Output: fmt.Sprintf("Error: unknown tool %q", call.Name), IsError: true}
	}

	execCtx := ctx
	if entry != nil {
		execCtx = entry.Context()
	}
	execCtx = tools.WithProgress(execCtx, func(progress, total int, message string) {
		l.streams.PushEvent(sessionID, stream.Event{
			Type: protocol.EventToolProgress,
			ToolProgress: &stream.ToolProgress{
				ToolCallID: call.ID,
				Progress:   progress,
				Total:      total,
				Message:    message,
			},
		})
	})

	execCtx, span := startToolSpan(execCtx, sessionID, call.Name)
	defer span.End()

	started := time.Now()
	output, err := t.Execute(execCtx, call.Arguments, sessionID)
	recordToolOutcome(span, err)
	if err != nil {
		slog.Warn("tool failed", "session", sessionID, "tool", call.Name, "error", err, "duration", time.Since(started))
		return store.ToolResult{ToolCallID: call.ID, Output: "Error: " + err.Error(), IsError: true}
	}
	slog.Info("tool executed", "session", sessionID, "tool", call.Name, "duration", time.Since(started))
	return store.ToolResult{ToolCallID: call.ID, Output: output}
}

// persistRoundResults writes the results copy onto the parent assistant
// message (optionally transitioning its approval status) and appends the
// tool message that carries them in history.
func (l *Loop) persistRoundResults(ctx context.Context, sessionID, messageID string, results []store.ToolResult, approval string) error {
	patch := store.MessagePatch{ToolResults: &results}
	if approval != "" {
		patch.ApprovalStatus = &approval
	}
	if err := l.store.UpdateMessage(ctx, messageID, patch); err != nil {
		return err
	}
	_, err := l.store.AddMessage(ctx, sessionID, &store.Message{
		Role:        store.RoleTool,
		ToolResults: results,
	})
	return err
}

// DenyToolRound rejects a pending tool round: denied results are written,
// a synthetic tool message is persisted, and no new LLM round opens.
func (l *Loop) DenyToolRound(ctx context.Context, sessionID, messageID string) error {
	ok, err := l.store.AtomicDeny(ctx, messageID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrConflict
	}

	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	results := make([]store.ToolResult, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		results = append(results, store.ToolResult{ToolCallID: call.ID, Output: deniedToolResult, IsError: true})
	}
	if err := l.persistRoundResults(ctx, sessionID, messageID, results, ""); err != nil {
		return err
	}

	l.pushOrBroadcast(sessionID, stream.Event{
		Type:     protocol.EventApprovalChanged,
		Approval: &stream.ApprovalChange{MessageID: messageID, ApprovalStatus: store.ApprovalDenied},
	})
	return nil
}

// pushOrBroadcast prefers the live stream entry; a parked round (entry
// already evicted) falls back to the transport broadcast.
func (l *Loop) pushOrBroadcast(sessionID string, ev stream.Event) {
	if l.streams.Get(sessionID) != nil {
		l.streams.PushEvent(sessionID, ev)
		return
	}
	if l.Broadcast != nil {
		l.Broadcast(sessionID, ev)
	}
}

// patchUserTokenCount backfills rawTokenCount on the round's user message.
func (l *Loop) patchUserTokenCount(ctx context.Context, messages []store.Message, inputTokens int) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := &messages[i]
		if m.Role != store.RoleUser {
			continue
		}
		if m.RawTokenCount == 0 && inputTokens > 0 {
			raw := inputTokens
			if err := l.store.UpdateMessage(ctx, m.ID, store.MessagePatch{RawTokenCount: &raw}); err != nil {
				slog.Debug("patch user token count failed", "message", m.ID, "error", err)
			}
		}
		return
	}
}

// accumulateUsage folds the round's usage into the session accumulator.
func (l *Loop) accumulateUsage(ctx context.Context, sessionID string, usage store.TokenUsage) {
	sess, err := l.store.GetSessionMeta(ctx, sessionID)
	if err != nil {
		return
	}
	sess.TokenUsage.InputTokens += usage.InputTokens
	sess.TokenUsage.OutputTokens += usage.OutputTokens
	if err := l.store.UpdateSessionTokenUsage(ctx, sessionID, sess.TokenUsage); err != nil {
		slog.Debug("update session token usage failed", "session", sessionID, "error", err)
	}
}

// maybeAutoName titles an untitled session from its first exchange. Runs in
// the background; failures are dropped.
func (l *Loop) maybeAutoName(sessionID, model string, detail *store.SessionDetail) {
	if detail.Session.Title != "" {
		return
	}
	var firstUser string
	for i := range detail.Messages {
		if detail.Messages[i].Role == store.RoleUser {
			firstUser = detail.Messages[i].Content
			break
		}
	}
	if firstUser == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		provider, modelID, err := l.providers.Resolve(model)
		if err != nil {
			return
		}
		resp, err := provider.GenerateResponse(ctx, []providers.Message{{
			Role: "user",
			Content: "Give this conversation a display title of at most five words. " +
				"Reply with the title only.\n\nFirst message: " + truncateText(firstUser, 500),
		}}, modelID)
		if err != nil {
			slog.Debug("session auto-name failed", "session", sessionID, "error", err)
			return
		}

		title := strings.Trim(strings.TrimSpace(resp.Text), `"'`)
		if nl := strings.IndexByte(title, '\n'); nl >= 0 {
			title = title[:nl]
		}
		if title == "" {
			return
		}
		if len(title) > 80 {
			title = title[:80]
		}
		if err := l.store.UpdateSession(ctx, sessionID, store.SessionPatch{Title: &title}); err != nil {
			return
		}
		if l.GlobalEvent != nil {
			l.GlobalEvent(protocol.EventSessionRenamed, map[string]string{
				"sessionId": sessionID,
				"title":     title,
			})
		}
	}()
}
