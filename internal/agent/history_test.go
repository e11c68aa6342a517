package agent

import (
	"testing"

	"github.com/altermind/altermind/internal/providers"
	"github.com/altermind/altermind/internal/store"
)

func userMsg(content string) store.Message {
	return store.Message{Role: store.RoleUser, Content: content}
}

func assistantMsg(content string, callIDs ...string) store.Message {
	m := store.Message{Role: store.RoleAssistant, Content: content}
	for _, id := range callIDs {
		m.ToolCalls = append(m.ToolCalls, store.ToolCall{ID: id, Name: "echo"})
	}
	return m
}

func toolMsg(callIDs ...string) store.Message {
	m := store.Message{Role: store.RoleTool}
	for _, id := range callIDs {
		m.ToolResults = append(m.ToolResults, store.ToolResult{ToolCallID: id, Output: "out"})
	}
	return m
}

func compactionMsg(summary string, verbatim int) store.Message {
	return store.Message{Role: store.RoleCompaction, Content: summary, VerbatimCount: &verbatim}
}

func roles(parts []providers.Message) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.Role
	}
	return out
}

func TestBuildHistoryNoCompaction(t *testing.T) {
	msgs := []store.Message{
		userMsg("hello"),
		assistantMsg("hi"),
		userMsg("do it"),
		assistantMsg("", "tc1"),
		toolMsg("tc1"),
		assistantMsg("done"),
	}
	parts := BuildHistoryFromDB(msgs)
	want := []string{"user", "assistant", "user", "assistant", "tool", "assistant"}
	got := roles(parts)
	if len(got) != len(want) {
		t.Fatalf("got %d parts, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("part[%d].Role = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBuildHistoryEmitsSummaryPair(t *testing.T) {
	msgs := []store.Message{
		userMsg("old question"),
		assistantMsg("old answer"),
		userMsg("recent question"),
		assistantMsg("recent answer"),
		compactionMsg("the user asked things", 2),
		userMsg("newest"),
	}
	parts := BuildHistoryFromDB(msgs)

	if parts[0].Role != "user" || parts[0].Content != summaryUserPrefix+"the user asked things" {
		t.Errorf("summary user part = %+v", parts[0])
	}
	if parts[1].Role != "assistant" || parts[1].Content != summaryAck {
		t.Errorf("summary ack part = %+v", parts[1])
	}
	// verbatim tail of 2, then everything after the compaction.
	want := []string{"user", "assistant", "user", "assistant", "user"}
	got := roles(parts)
	if len(got) != len(want) {
		t.Fatalf("parts = %v", got)
	}
	if parts[2].Content != "recent question" || parts[3].Content != "recent answer" || parts[4].Content != "newest" {
		t.Errorf("verbatim tail wrong: %+v", parts[2:])
	}
}

// The verbatim tail must not split an (assistant with tool-calls, tool
// results) pair: when the cut lands on the tool message, widen left.
func TestBuildHistoryWidensTailOverToolPair(t *testing.T) {
	msgs := []store.Message{
		userMsg("q1"),
		assistantMsg("", "tc1"),
		toolMsg("tc1"),
		assistantMsg("a1"),
		compactionMsg("summary", 2), // tail start would land on the tool message
		userMsg("q2"),
	}
	parts := BuildHistoryFromDB(msgs)

	// Expect: pair, tail = assistant(tc1), tool(tc1), assistant(a1),
	// widened to include the parent assistant.
	want := []string{"user", "assistant", "assistant", "tool", "assistant", "user"}
	got := roles(parts)
	if len(got) != len(want) {
		t.Fatalf("parts = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("part[%d] = %s, want %s (%v)", i, got[i], want[i], got)
		}
	}
	if len(parts[2].ToolCalls) != 1 || parts[2].ToolCalls[0].ID != "tc1" {
		t.Errorf("widened assistant lost its tool calls: %+v", parts[2])
	}
}

func TestBuildHistorySkipsEmptyToolMessages(t *testing.T) {
	msgs := []store.Message{
		userMsg("q"),
		assistantMsg("", "tc1"),
		{Role: store.RoleTool}, // no results: rendered empty, must be filtered
		assistantMsg("a"),
	}
	parts := BuildHistoryFromDB(msgs)
	for _, p := range parts {
		if p.Role == "tool" {
			t.Errorf("empty tool message leaked into the prompt: %+v", p)
		}
	}
}

func TestBuildHistoryDropsDuplicateToolMessages(t *testing.T) {
	msgs := []store.Message{
		userMsg("q"),
		assistantMsg("", "tc1"),
		toolMsg("tc1"),
		toolMsg("tc1"), // every id already appeared: duplicate
		assistantMsg("a"),
	}
	parts := BuildHistoryFromDB(msgs)
	toolCount := 0
	for _, p := range parts {
		if p.Role == "tool" {
			toolCount++
		}
	}
	if toolCount != 1 {
		t.Errorf("tool parts = %d, want duplicate dropped", toolCount)
	}
}

// After a compaction, a tool message whose parent assistant was excluded
// must be walked past.
func TestBuildHistorySkipsOrphanToolAfterCompaction(t *testing.T) {
	msgs := []store.Message{
		userMsg("q"),
		assistantMsg("", "tc9"),
		compactionMsg("summary", 0),
		toolMsg("tc9"), // parent assistant is on the summarized side
		userMsg("next"),
	}
	parts := BuildHistoryFromDB(msgs)
	for _, p := range parts {
		if p.Role == "tool" {
			t.Errorf("orphan tool message leaked: %+v", p)
		}
	}
	last := parts[len(parts)-1]
	if last.Role != "user" || last.Content != "next" {
		t.Errorf("tail part = %+v", last)
	}
}

// The tail never reaches back across an earlier compaction.
func TestBuildHistoryClampsTailAtEarlierCompaction(t *testing.T) {
	msgs := []store.Message{
		userMsg("ancient"),
		compactionMsg("older summary", 0),
		userMsg("kept"),
		assistantMsg("kept reply"),
		compactionMsg("newer summary", 10), // wants 10 back, clamped past the older compaction
		userMsg("fresh"),
	}
	parts := BuildHistoryFromDB(msgs)

	for _, p := range parts {
		if p.Content == "ancient" {
			t.Error("tail crossed an earlier compaction")
		}
		if p.Content == summaryUserPrefix+"older summary" {
			t.Error("older compaction must not emit its own pair")
		}
	}
	if parts[0].Content != summaryUserPrefix+"newer summary" {
		t.Errorf("pair must come from the latest compaction, got %q", parts[0].Content)
	}
}

// Legacy compactions without a stored count fall back to a constant.
func TestBuildHistoryLegacyCompactionFallback(t *testing.T) {
	msgs := []store.Message{
		userMsg("one"),
		assistantMsg("two"),
		{Role: store.RoleCompaction, Content: "legacy"}, // VerbatimCount nil
		userMsg("three"),
	}
	parts := BuildHistoryFromDB(msgs)
	// fallback of 8 covers both pre-compaction messages.
	want := []string{"user", "assistant", "user", "assistant", "user"}
	if got := roles(parts); len(got) != len(want) {
		t.Fatalf("parts = %v", got)
	}
}

func TestMessageToPartCarriesImages(t *testing.T) {
	m := store.Message{Role: store.RoleUser, Content: "look", Images: []string{"data:image/png;base64,xxx"}}
	p := messageToPart(&m)
	if len(p.Images) != 1 {
		t.Errorf("images not carried: %+v", p)
	}
}
