package stream

import (
	"testing"
	"time"

	"github.com/altermind/altermind/internal/store"
	"github.com/altermind/altermind/pkg/protocol"
)

func collect(events *[]Event) Subscriber {
	return func(ev Event) { *events = append(*events, ev) }
}

func TestPushEventAccumulatesAndFansOut(t *testing.T) {
	r := NewRegistry()
	r.Create("s1", "a1", "anthropic:claude-sonnet-4-5")

	var got []Event
	r.Subscribe("s1", "c1", collect(&got))

	r.PushEvent("s1", TokenEvent("Hi"))
	r.PushEvent("s1", TokenEvent(" there"))
	r.PushEvent("s1", UsageEvent(store.TokenUsage{InputTokens: 3, OutputTokens: 2}))
	r.PushEvent("s1", DoneEvent(false))

	entry := r.Get("s1")
	if entry.Content() != "Hi there" {
		t.Errorf("content = %q, want %q", entry.Content(), "Hi there")
	}
	if !entry.Done() {
		t.Error("entry should be done")
	}
	if u := entry.Usage(); u == nil || u.InputTokens != 3 || u.OutputTokens != 2 {
		t.Errorf("usage = %+v", u)
	}

	wantTypes := []string{protocol.EventToken, protocol.EventToken, protocol.EventUsage, protocol.EventDone}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(got), len(wantTypes))
	}
	for i, w := range wantTypes {
		if got[i].Type != w {
			t.Errorf("event[%d].Type = %q, want %q", i, got[i].Type, w)
		}
	}
}

// Per-subscriber ordering: each subscriber observes a prefix of the push
// sequence in push order.
func TestFanOutPreservesOrderPerSubscriber(t *testing.T) {
	r := NewRegistry()
	r.Create("s1", "a1", "m")

	var first, second []Event
	r.Subscribe("s1", "c1", collect(&first))

	r.PushEvent("s1", TokenEvent("a"))
	r.PushEvent("s1", TokenEvent("b"))

	// Late subscriber sees only the suffix.
	r.Subscribe("s1", "c2", collect(&second))
	r.PushEvent("s1", TokenEvent("c"))

	if len(first) != 3 || first[0].Token != "a" || first[1].Token != "b" || first[2].Token != "c" {
		t.Errorf("first subscriber events wrong: %+v", first)
	}
	if len(second) != 1 || second[0].Token != "c" {
		t.Errorf("late subscriber events wrong: %+v", second)
	}
}

func TestToolCallTracking(t *testing.T) {
	r := NewRegistry()
	r.Create("s1", "a1", "m")

	r.PushEvent("s1", ToolCallEvent(store.ToolCall{ID: "tc1", Name: "echo"}))
	r.PushEvent("s1", ToolCallEvent(store.ToolCall{ID: "tc2", Name: "shell"}))

	entry := r.Get("s1")
	calls := entry.ToolCalls()
	if len(calls) != 2 || calls[0].ID != "tc1" || calls[1].ID != "tc2" {
		t.Errorf("toolCalls = %+v", calls)
	}
	if !entry.HasToolCalls() {
		t.Error("hasToolCalls should be set")
	}
}

func TestAbortBlocksMutationsButStillFansOut(t *testing.T) {
	r := NewRegistry()
	r.Create("s1", "a1", "m")

	var got []Event
	r.Subscribe("s1", "c1", collect(&got))

	r.PushEvent("s1", TokenEvent("before"))
	if !r.Abort("s1") {
		t.Fatal("abort should succeed on a live entry")
	}
	r.PushEvent("s1", TokenEvent("after"))
	r.PushEvent("s1", ToolCallEvent(store.ToolCall{ID: "tc1"}))

	entry := r.Get("s1")
	if entry.Content() != "before" {
		t.Errorf("content = %q, want mutations after abort dropped", entry.Content())
	}
	if entry.HasToolCalls() {
		t.Error("tool call after abort must not be recorded")
	}
	if !entry.Aborted() {
		t.Error("aborted flag not set")
	}
	select {
	case <-entry.Context().Done():
	default:
		t.Error("abort must cancel the entry context")
	}

	// The interruption token and the post-abort events still reach the
	// subscriber.
	var sawInterrupt bool
	for _, ev := range got {
		if ev.Type == protocol.EventToken && ev.Token == "[Interrupted by user]" {
			sawInterrupt = true
		}
	}
	if !sawInterrupt {
		t.Error("subscriber did not observe the interruption token")
	}
}

func TestAbortOnDoneEntryIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Create("s1", "a1", "m")
	r.PushEvent("s1", DoneEvent(false))
	if r.Abort("s1") {
		t.Error("abort on a done entry should report false")
	}
}

func TestContinueKeepsSubscribersAndBumpsGeneration(t *testing.T) {
	r := NewRegistry()
	e1 := r.Create("s1", "a1", "m")
	gen1 := e1.Generation()

	var got []Event
	r.Subscribe("s1", "c1", collect(&got))
	r.PushEvent("s1", TokenEvent("round one"))

	e2 := r.Continue("s1", "a2")
	if e2 == nil {
		t.Fatal("continue returned nil for live entry")
	}
	if e2 != e1 {
		t.Error("continue must reuse the same entry")
	}
	if e2.Generation() <= gen1 {
		t.Error("generation must bump on continue")
	}
	if e2.Content() != "" || len(e2.ToolCalls()) != 0 {
		t.Error("content and toolCalls must reset")
	}
	if e2.AssistantID() != "a2" {
		t.Errorf("assistantID = %q", e2.AssistantID())
	}

	r.PushEvent("s1", TokenEvent("round two"))
	if len(got) != 2 {
		t.Errorf("subscriber must survive continue, got %d events", len(got))
	}
}

func TestContinueWithoutEntry(t *testing.T) {
	r := NewRegistry()
	if r.Continue("missing", "a1") != nil {
		t.Error("continue on missing session must return nil")
	}
}

func TestPushEventWithoutEntryIsNoop(t *testing.T) {
	r := NewRegistry()
	r.PushEvent("missing", TokenEvent("x")) // must not panic
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry()
	r.Create("s1", "a1", "m")

	var got []Event
	unsub := r.Subscribe("s1", "c1", collect(&got))
	r.PushEvent("s1", TokenEvent("a"))
	unsub()
	r.PushEvent("s1", TokenEvent("b"))

	if len(got) != 1 {
		t.Errorf("got %d events after unsubscribe, want 1", len(got))
	}
}

func TestSnapshotAndTerminalEventsForReconnect(t *testing.T) {
	r := NewRegistry()
	r.Create("s1", "a1", "m")
	r.PushEvent("s1", TokenEvent("partial"))
	r.PushEvent("s1", ToolCallEvent(store.ToolCall{ID: "tc1", Name: "browser"}))

	snap := r.Get("s1").Snapshot()
	if snap.AssistantID != "a1" || snap.Content != "partial" || len(snap.ToolCalls) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if r.Get("s1").TerminalEvents() != nil {
		t.Error("no terminal events before done")
	}

	r.PushEvent("s1", UsageEvent(store.TokenUsage{InputTokens: 5, OutputTokens: 7}))
	r.PushEvent("s1", DoneEvent(true))

	terminal := r.Get("s1").TerminalEvents()
	if len(terminal) != 2 {
		t.Fatalf("terminal events = %d, want usage + done", len(terminal))
	}
	if terminal[0].Type != protocol.EventUsage || terminal[1].Type != protocol.EventDone {
		t.Errorf("terminal order = %s, %s", terminal[0].Type, terminal[1].Type)
	}
	if !terminal[1].Done.HasToolCalls {
		t.Error("done payload lost hasToolCalls")
	}
}

func TestErrorEventTerminal(t *testing.T) {
	r := NewRegistry()
	r.Create("s1", "a1", "m")
	r.PushEvent("s1", ErrorEvent("boom", "PROVIDER_ERROR", true))

	entry := r.Get("s1")
	if !entry.Done() {
		t.Error("error must mark the entry done")
	}
	terminal := entry.TerminalEvents()
	if len(terminal) != 1 || terminal[0].Type != protocol.EventError {
		t.Errorf("terminal = %+v", terminal)
	}
}

func TestScheduledRemovalHonoursGeneration(t *testing.T) {
	r := NewRegistry()
	r.RemovalDelay = 10 * time.Millisecond
	r.Create("s1", "a1", "m")
	r.PushEvent("s1", DoneEvent(false))

	// A new round starts before the timer fires: the entry must survive.
	r.ScheduleRemoval("s1", 10*time.Millisecond)
	r.Continue("s1", "a2")
	time.Sleep(50 * time.Millisecond)
	if r.Get("s1") == nil {
		t.Fatal("eviction must not remove an entry whose generation changed")
	}

	// Now finished with no new round: the entry goes away.
	r.PushEvent("s1", DoneEvent(false))
	r.ScheduleRemoval("s1", 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if r.Get("s1") != nil {
		t.Fatal("done entry must be evicted after the delay")
	}
}

func TestCreateReplacesDoneEntry(t *testing.T) {
	r := NewRegistry()
	e1 := r.Create("s1", "a1", "m")
	r.PushEvent("s1", DoneEvent(false))

	e2 := r.Create("s1", "a2", "m")
	if e1 == e2 {
		t.Error("create must install a fresh entry over a done one")
	}
	if e2.Generation() <= e1.Generation() {
		t.Error("generation must be monotonic across entries")
	}
	if r.Get("s1") != e2 {
		t.Error("registry must hold exactly the new entry")
	}
}

func TestPerSessionIsolation(t *testing.T) {
	r := NewRegistry()
	r.Create("a", "a1", "m")
	r.Create("b", "b1", "m")

	r.PushEvent("a", TokenEvent("for a"))
	r.PushEvent("b", TokenEvent("for b"))

	if got := r.Get("a").Content(); got != "for a" {
		t.Errorf("session a content = %q", got)
	}
	if got := r.Get("b").Content(); got != "for b" {
		t.Errorf("session b content = %q", got)
	}

	r.Remove("a")
	if r.Get("a") != nil {
		t.Error("removed entry lingers")
	}
	if r.Get("b") == nil {
		t.Error("removing a must not touch b")
	}
}
