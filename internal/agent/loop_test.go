package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/altermind/altermind/internal/providers"
	"github.com/altermind/altermind/internal/store"
	"github.com/altermind/altermind/internal/stream"
	"github.com/altermind/altermind/pkg/protocol"
)

// eventSink records fan-out events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *eventSink) fn(ev stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) byType(typ string) []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stream.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// startWatched installs a stream entry and subscribes a sink, the way the
// transport does before invoking the loop.
func startWatched(loop *Loop, sessionID, model string) *eventSink {
	sink := &eventSink{}
	loop.Streams().Create(sessionID, "", model)
	loop.Streams().Subscribe(sessionID, "test-client", sink.fn)
	return sink
}

func lastAssistant(t *testing.T, st store.Store, sessionID string) *store.Message {
	t.Helper()
	detail, err := st.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	for i := len(detail.Messages) - 1; i >= 0; i-- {
		if detail.Messages[i].Role == store.RoleAssistant {
			return &detail.Messages[i]
		}
	}
	t.Fatal("no assistant message persisted")
	return nil
}

// A plain turn without tools persists the reply and terminates with done.
func TestPlainTurn(t *testing.T) {
	p := &fakeProvider{streams: []scriptedStream{{
		chunks: []providers.Chunk{textChunk("Hi"), textChunk(" there"), usageChunk(3, 2)},
	}}}
	loop, st := newTestLoop(t, p)
	id := seedSession(t, st, "fake:test-64k", userMsg("Hello"))
	sink := startWatched(loop, id, "fake:test-64k")

	if err := loop.StreamNextRound(context.Background(), id, 0); err != nil {
		t.Fatal(err)
	}

	msg := lastAssistant(t, st, id)
	if msg.Content != "Hi there" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Model != "fake:test-64k" {
		t.Errorf("model = %q", msg.Model)
	}
	if msg.ApprovalStatus != "" {
		t.Errorf("approvalStatus = %q, want absent", msg.ApprovalStatus)
	}
	if msg.RawTokenCount != 2 {
		t.Errorf("rawTokenCount = %d, want usage.outputTokens", msg.RawTokenCount)
	}

	dones := sink.byType(protocol.EventDone)
	if len(dones) != 1 || dones[0].Done.HasToolCalls {
		t.Errorf("dones = %+v, want exactly one done{false}", dones)
	}
	if len(sink.byType(protocol.EventSnapshot)) != 1 {
		t.Error("watchers must receive the round snapshot")
	}

	sess, _ := st.GetSessionMeta(context.Background(), id)
	if sess.TokenUsage.InputTokens != 3 || sess.TokenUsage.OutputTokens != 2 {
		t.Errorf("session tokenUsage = %+v", sess.TokenUsage)
	}

	// The user message got its rawTokenCount backfilled.
	detail, _ := st.GetSession(context.Background(), id)
	if detail.Messages[0].RawTokenCount != 3 {
		t.Errorf("user rawTokenCount = %d", detail.Messages[0].RawTokenCount)
	}
}

// With auto-approve on, a tool round approves itself, executes, and
// re-enters the model.
func TestAutoApproveToolRound(t *testing.T) {
	p := &fakeProvider{streams: []scriptedStream{
		{chunks: []providers.Chunk{toolCallChunk("tc1", "echo", map[string]interface{}{"x": "hi"}), usageChunk(10, 4)}},
		{chunks: []providers.Chunk{textChunk("the tool said hi"), usageChunk(12, 6)}},
	}}
	loop, st := newTestLoop(t, p, &fakeTool{name: "echo"})
	id := seedSession(t, st, "fake:test-64k", userMsg("run echo"))
	auto := true
	st.UpdateSession(context.Background(), id, store.SessionPatch{AutoApprove: &auto})
	sink := startWatched(loop, id, "fake:test-64k")

	if err := loop.StreamNextRound(context.Background(), id, 0); err != nil {
		t.Fatal(err)
	}

	if p.calls() != 2 {
		t.Fatalf("provider calls = %d, want a second round after the tool", p.calls())
	}
	if len(sink.byType(protocol.EventAutoApproved)) != 1 {
		t.Error("auto_approved event missing")
	}
	dones := sink.byType(protocol.EventDone)
	if len(dones) != 1 || dones[0].Done.HasToolCalls {
		t.Errorf("dones = %+v, want a single terminal done{false}", dones)
	}

	// The tool-call assistant message ended approved with the result copy.
	detail, _ := st.GetSession(context.Background(), id)
	var toolRound *store.Message
	for i := range detail.Messages {
		if detail.Messages[i].Role == store.RoleAssistant && detail.Messages[i].HasToolCalls() {
			toolRound = &detail.Messages[i]
		}
	}
	if toolRound == nil {
		t.Fatal("tool-call assistant message missing")
	}
	if toolRound.ApprovalStatus != store.ApprovalApproved {
		t.Errorf("approvalStatus = %q", toolRound.ApprovalStatus)
	}
	if len(toolRound.ToolResults) != 1 || toolRound.ToolResults[0].Output != "hi" {
		t.Errorf("toolResults = %+v", toolRound.ToolResults)
	}

	// A tool message carries the same results in history.
	var sawToolMsg bool
	for _, m := range detail.Messages {
		if m.Role == store.RoleTool && len(m.ToolResults) == 1 && m.ToolResults[0].Output == "hi" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Error("tool message not persisted")
	}

	if msg := lastAssistant(t, st, id); msg.Content != "the tool said hi" {
		t.Errorf("final reply = %q", msg.Content)
	}
}

// Without auto-approve the round parks pending.
func TestToolRoundParksPending(t *testing.T) {
	p := &fakeProvider{streams: []scriptedStream{
		{chunks: []providers.Chunk{toolCallChunk("tc1", "echo", map[string]interface{}{"x": "hi"}), usageChunk(5, 2)}},
	}}
	loop, st := newTestLoop(t, p, &fakeTool{name: "echo"})
	id := seedSession(t, st, "fake:test-64k", userMsg("run echo"))
	sink := startWatched(loop, id, "fake:test-64k")

	if err := loop.StreamNextRound(context.Background(), id, 0); err != nil {
		t.Fatal(err)
	}

	if p.calls() != 1 {
		t.Errorf("provider calls = %d, round must park", p.calls())
	}
	msg := lastAssistant(t, st, id)
	if msg.ApprovalStatus != store.ApprovalPending {
		t.Errorf("approvalStatus = %q, want pending", msg.ApprovalStatus)
	}
	dones := sink.byType(protocol.EventDone)
	if len(dones) != 1 || !dones[0].Done.HasToolCalls {
		t.Errorf("dones = %+v, want done{hasToolCalls:true}", dones)
	}
}

// Deny writes the denied results and never reaches the model.
func TestDenyToolRound(t *testing.T) {
	p := &fakeProvider{}
	loop, st := newTestLoop(t, p, &fakeTool{name: "echo"})
	id := seedSession(t, st, "fake:test-64k", userMsg("run echo"))

	m := store.Message{
		Role:           store.RoleAssistant,
		ToolCalls:      []store.ToolCall{{ID: "tc1", Name: "echo", Arguments: map[string]interface{}{"x": "hi"}}},
		ApprovalStatus: store.ApprovalPending,
	}
	msgID, _ := st.AddMessage(context.Background(), id, &m)

	if err := loop.DenyToolRound(context.Background(), id, msgID); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetMessage(context.Background(), msgID)
	if got.ApprovalStatus != store.ApprovalDenied {
		t.Errorf("approvalStatus = %q", got.ApprovalStatus)
	}
	if len(got.ToolResults) != 1 || got.ToolResults[0].Output != deniedToolResult || !got.ToolResults[0].IsError {
		t.Errorf("toolResults = %+v", got.ToolResults)
	}
	if p.calls() != 0 {
		t.Error("deny must not open a new LLM round")
	}

	// Denying again is a conflict: the transition left pending.
	if err := loop.DenyToolRound(context.Background(), id, msgID); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second deny err = %v, want conflict", err)
	}
}

// Mid-round cancel: tcA completes, tcB/tcC are interrupted.
func TestMidRoundCancel(t *testing.T) {
	p := &fakeProvider{}
	var loop *Loop
	toolA := &fakeTool{name: "tool_a", fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (string, error) {
		loop.Cancel(sessionID) // user cancels while tcA is finishing
		return "A done", nil
	}}
	loop, st := newTestLoop(t, p, toolA)
	id := seedSession(t, st, "fake:test-64k", userMsg("go"))
	sink := startWatched(loop, id, "fake:test-64k")

	m := store.Message{
		Role: store.RoleAssistant,
		ToolCalls: []store.ToolCall{
			{ID: "tcA", Name: "tool_a", Arguments: map[string]interface{}{}},
			{ID: "tcB", Name: "tool_a", Arguments: map[string]interface{}{}},
			{ID: "tcC", Name: "tool_a", Arguments: map[string]interface{}{}},
		},
		ApprovalStatus: store.ApprovalApproved,
	}
	msgID, _ := st.AddMessage(context.Background(), id, &m)

	if err := loop.ExecuteToolRound(context.Background(), id, msgID, 0); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetMessage(context.Background(), msgID)
	if got.ApprovalStatus != store.ApprovalDenied {
		t.Errorf("approvalStatus = %q, want denied", got.ApprovalStatus)
	}
	if len(got.ToolResults) != 3 {
		t.Fatalf("toolResults = %+v", got.ToolResults)
	}
	byID := map[string]store.ToolResult{}
	for _, tr := range got.ToolResults {
		byID[tr.ToolCallID] = tr
	}
	if byID["tcA"].Output != "A done" || byID["tcA"].IsError {
		t.Errorf("tcA = %+v", byID["tcA"])
	}
	for _, tc := range []string{"tcB", "tcC"} {
		if byID[tc].Output != interruptedToolResult || !byID[tc].IsError {
			t.Errorf("%s = %+v", tc, byID[tc])
		}
	}

	dones := sink.byType(protocol.EventDone)
	if len(dones) != 1 || dones[0].Done.HasToolCalls {
		t.Errorf("dones = %+v, want exactly one done{false}", dones)
	}
	if p.calls() != 0 {
		t.Error("interrupted round must not call the LLM")
	}
}

// A tool error cancels the rest of the round, which then returns to the
// model.
func TestToolErrorCancelsRest(t *testing.T) {
	p := &fakeProvider{streams: []scriptedStream{
		{chunks: []providers.Chunk{textChunk("after errors"), usageChunk(4, 2)}},
	}}
	boom := &fakeTool{name: "boom", fn: func(ctx context.Context, args map[string]interface{}, sessionID string) (string, error) {
		return "", errors.New("disk on fire")
	}}
	loop, st := newTestLoop(t, p, boom, &fakeTool{name: "echo"})
	id := seedSession(t, st, "fake:test-64k", userMsg("go"))
	startWatched(loop, id, "fake:test-64k")

	m := store.Message{
		Role: store.RoleAssistant,
		ToolCalls: []store.ToolCall{
			{ID: "t1", Name: "boom", Arguments: map[string]interface{}{}},
			{ID: "t2", Name: "echo", Arguments: map[string]interface{}{"x": "never"}},
		},
		ApprovalStatus: store.ApprovalApproved,
	}
	msgID, _ := st.AddMessage(context.Background(), id, &m)

	if err := loop.ExecuteToolRound(context.Background(), id, msgID, 0); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetMessage(context.Background(), msgID)
	byID := map[string]store.ToolResult{}
	for _, tr := range got.ToolResults {
		byID[tr.ToolCallID] = tr
	}
	if byID["t1"].Output != "Error: disk on fire" || !byID["t1"].IsError {
		t.Errorf("t1 = %+v", byID["t1"])
	}
	if byID["t2"].Output != cancelledPrevFailed || !byID["t2"].IsError {
		t.Errorf("t2 = %+v", byID["t2"])
	}
	if p.calls() != 1 {
		t.Errorf("provider calls = %d, the model must see the errors", p.calls())
	}
}

// Validation failure synthesizes errors for the whole round, then returns
// to the model.
func TestValidationFailureCancelsRound(t *testing.T) {
	p := &fakeProvider{streams: []scriptedStream{
		{chunks: []providers.Chunk{textChunk("understood"), usageChunk(4, 2)}},
	}}
	loop, st := newTestLoop(t, p, &fakeTool{name: "echo"})
	id := seedSession(t, st, "fake:test-64k", userMsg("go"))
	startWatched(loop, id, "fake:test-64k")

	m := store.Message{
		Role: store.RoleAssistant,
		ToolCalls: []store.ToolCall{
			{ID: "t1", Name: "no_such_tool", Arguments: map[string]interface{}{}},
			{ID: "t2", Name: "echo", Arguments: map[string]interface{}{"x": "fine"}},
		},
		ApprovalStatus: store.ApprovalApproved,
	}
	msgID, _ := st.AddMessage(context.Background(), id, &m)

	if err := loop.ExecuteToolRound(context.Background(), id, msgID, 0); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetMessage(context.Background(), msgID)
	byID := map[string]store.ToolResult{}
	for _, tr := range got.ToolResults {
		byID[tr.ToolCallID] = tr
	}
	if !byID["t1"].IsError {
		t.Errorf("t1 = %+v", byID["t1"])
	}
	if byID["t2"].Output != cancelledValidationFail || !byID["t2"].IsError {
		t.Errorf("t2 = %+v, want the fixed cancellation string", byID["t2"])
	}
	if p.calls() != 1 {
		t.Error("the model must see the validation errors")
	}
}

func TestRoundCapReturnsSilently(t *testing.T) {
	p := &fakeProvider{}
	loop, st := newTestLoop(t, p, &fakeTool{name: "echo"})
	id := seedSession(t, st, "fake:test-64k", userMsg("go"))

	m := store.Message{
		Role:           store.RoleAssistant,
		ToolCalls:      []store.ToolCall{{ID: "t1", Name: "echo", Arguments: map[string]interface{}{"x": "hi"}}},
		ApprovalStatus: store.ApprovalApproved,
	}
	msgID, _ := st.AddMessage(context.Background(), id, &m)

	if err := loop.ExecuteToolRound(context.Background(), id, msgID, MaxToolRounds); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetMessage(context.Background(), msgID)
	if len(got.ToolResults) != 0 {
		t.Error("capped round must leave the message as-is")
	}
	if p.calls() != 0 {
		t.Error("capped round must not run tools or the LLM")
	}
}

// Cancellation mid-generation persists the partial content and terminates
// with done{false}.
func TestCancelDuringGeneration(t *testing.T) {
	p := &fakeProvider{streams: []scriptedStream{
		{chunks: []providers.Chunk{textChunk("Hi"), textChunk(" never seen")}},
	}}
	loop, st := newTestLoop(t, p)
	id := seedSession(t, st, "fake:test-64k", userMsg("Hello"))
	sink := startWatched(loop, id, "fake:test-64k")

	// Cancel from the fan-out path after the first token lands.
	var once sync.Once
	loop.Streams().Subscribe(id, "canceller", func(ev stream.Event) {
		if ev.Type == protocol.EventToken && ev.Token == "Hi" {
			once.Do(func() { loop.Cancel(id) })
		}
	})

	if err := loop.StreamNextRound(context.Background(), id, 0); err != nil {
		t.Fatal(err)
	}

	msg := lastAssistant(t, st, id)
	if msg.Content != "Hi" {
		t.Errorf("content = %q, want the accumulated prefix", msg.Content)
	}
	if msg.ApprovalStatus != "" {
		t.Errorf("approvalStatus = %q, want absent without tool calls", msg.ApprovalStatus)
	}
	dones := sink.byType(protocol.EventDone)
	if len(dones) != 1 || dones[0].Done.HasToolCalls {
		t.Errorf("dones = %+v", dones)
	}
	if len(sink.byType(protocol.EventError)) != 0 {
		t.Error("cancellation must not surface as an error event")
	}
}

// A pre-aborted entry never opens the provider stream.
func TestAbortBeforeRound(t *testing.T) {
	p := &fakeProvider{streams: []scriptedStream{{chunks: []providers.Chunk{textChunk("x")}}}}
	loop, st := newTestLoop(t, p)
	id := seedSession(t, st, "fake:test-64k", userMsg("Hello"))
	sink := startWatched(loop, id, "fake:test-64k")
	loop.Cancel(id)

	if err := loop.StreamNextRound(context.Background(), id, 0); err != nil {
		t.Fatal(err)
	}
	if p.calls() != 0 {
		t.Error("aborted entry must not reach the provider")
	}
	if msg := lastAssistant(t, st, id); msg.Content != interruptedContent {
		t.Errorf("content = %q", msg.Content)
	}
	if len(sink.byType(protocol.EventDone)) != 1 {
		t.Error("expected a single terminal done")
	}
}

// Provider failure surfaces a classified error event and no assistant row.
func TestProviderErrorSurfaces(t *testing.T) {
	p := &fakeProvider{streams: []scriptedStream{{err: errors.New("upstream status 429: too many requests")}}}
	loop, st := newTestLoop(t, p)
	id := seedSession(t, st, "fake:test-64k", userMsg("Hello"))
	sink := startWatched(loop, id, "fake:test-64k")

	if err := loop.StreamNextRound(context.Background(), id, 0); err != nil {
		t.Fatal(err)
	}

	errs := sink.byType(protocol.EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d", len(errs))
	}
	if errs[0].Error.Code != CodeRateLimit || !errs[0].Error.Recoverable {
		t.Errorf("error payload = %+v", errs[0].Error)
	}
	if len(sink.byType(protocol.EventDone)) != 0 {
		t.Error("a stream ends with done or error, never both")
	}
	detail, _ := st.GetSession(context.Background(), id)
	for _, m := range detail.Messages {
		if m.Role == store.RoleAssistant {
			t.Error("failed round must not persist an assistant message")
		}
	}
}

// A heavy round triggers auto-compaction and pushes the event.
func TestRoundTriggersAutoCompaction(t *testing.T) {
	p := &fakeProvider{
		streams:   []scriptedStream{{chunks: []providers.Chunk{textChunk("long answer"), usageChunk(55_000, 10_000)}}},
		responses: []fakeResponse{{text: "compact summary", usage: &store.TokenUsage{OutputTokens: 9}}},
	}
	loop, st := newTestLoop(t, p)
	id := seedSession(t, st, "fake:test-64k", userMsg("a"), assistantMsg("b"), userMsg("c"))
	st.Settings().Set(context.Background(), store.SettingCompactionAutoThreshold, "90")
	sink := startWatched(loop, id, "fake:test-64k")

	if err := loop.StreamNextRound(context.Background(), id, 0); err != nil {
		t.Fatal(err)
	}

	comps := sink.byType(protocol.EventCompaction)
	if len(comps) != 1 {
		t.Fatalf("compaction events = %d", len(comps))
	}
	comp := comps[0].Message
	if comp == nil || comp.Role != store.RoleCompaction || comp.Content != "compact summary" {
		t.Errorf("compaction payload = %+v", comp)
	}
	if comp.VerbatimCount == nil || *comp.VerbatimCount < 2 {
		t.Errorf("verbatimCount = %v", comp.VerbatimCount)
	}

	detail, _ := st.GetSession(context.Background(), id)
	parts := BuildHistoryFromDB(detail.Messages)
	if parts[0].Role != "user" || parts[1].Role != "assistant" {
		t.Error("post-compaction prompt must start with the summary pair")
	}
}

// The session gets a title after its first plain exchange.
func TestAutoNaming(t *testing.T) {
	p := &fakeProvider{
		streams:   []scriptedStream{{chunks: []providers.Chunk{textChunk("hello!"), usageChunk(2, 1)}}},
		responses: []fakeResponse{{text: "\"Friendly Greeting\"\n"}},
	}
	loop, st := newTestLoop(t, p)
	id := seedSession(t, st, "fake:test-64k", userMsg("hi"))
	// Clear the seeded title so auto-naming fires.
	empty := ""
	st.UpdateSession(context.Background(), id, store.SessionPatch{Title: &empty})
	startWatched(loop, id, "fake:test-64k")

	var renamed sync.WaitGroup
	renamed.Add(1)
	loop.GlobalEvent = func(eventType string, payload interface{}) {
		if eventType == protocol.EventSessionRenamed {
			renamed.Done()
		}
	}

	if err := loop.StreamNextRound(context.Background(), id, 0); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() { renamed.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session rename never announced")
	}

	sess, _ := st.GetSessionMeta(context.Background(), id)
	if sess.Title != "Friendly Greeting" {
		t.Errorf("title = %q", sess.Title)
	}
}
