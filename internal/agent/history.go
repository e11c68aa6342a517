package agent

import (
	"github.com/altermind/altermind/internal/providers"
	"github.com/altermind/altermind/internal/store"
)

// fallbackVerbatimCount is the verbatim tail size assumed for legacy
// compaction rows that predate the stored count, and when the context
// window is unknown.
const fallbackVerbatimCount = 8

// summaryUserPrefix and summaryAck are the synthetic pair that injects a
// compaction summary into the prompt.
const (
	summaryUserPrefix = "[Summary of conversation prior to the messages below]\n"
	summaryAck        = "Understood. I have the context summary. The messages that follow continue from where the summary ends."
)

// BuildHistoryFromDB reconstructs the LLM prompt from the full ordered
// message list, honouring the latest compaction cut-point.
func BuildHistoryFromDB(messages []store.Message) []providers.Message {
	var parts []providers.Message

	// Locate the last compaction.
	ci := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == store.RoleCompaction {
			ci = i
			break
		}
	}

	seenResultIDs := make(map[string]bool)   // tool-call ids covered by emitted tool messages
	emittedCallIDs := make(map[string]bool)  // tool-call ids from emitted assistant messages

	emit := func(m *store.Message) {
		part := messageToPart(m)
		if part == nil {
			return
		}
		for _, tc := range m.ToolCalls {
			emittedCallIDs[tc.ID] = true
		}
		for _, tr := range m.ToolResults {
			seenResultIDs[tr.ToolCallID] = true
		}
		parts = append(parts, *part)
	}

	if ci >= 0 {
		comp := messages[ci]
		parts = append(parts,
			providers.Message{Role: "user", Content: summaryUserPrefix + comp.Content},
			providers.Message{Role: "assistant", Content: summaryAck},
		)

		// Reconstruct the verbatim tail preserved when the compaction was
		// created.
		vc := fallbackVerbatimCount
		if comp.VerbatimCount != nil {
			vc = *comp.VerbatimCount
		}
		tailStart := ci - vc
		if tailStart < 0 {
			tailStart = 0
		}
		// Never reach back across an earlier compaction.
		for i := ci - 1; i >= tailStart; i-- {
			if messages[i].Role == store.RoleCompaction {
				tailStart = i + 1
				break
			}
		}
		// Widen left so an (assistant with tool-calls, tool results) pair is
		// not split.
		for tailStart > 0 && messages[tailStart].Role == store.RoleTool {
			tailStart--
		}

		for i := tailStart; i < ci; i++ {
			m := &messages[i]
			if m.Role == store.RoleTool && len(m.ToolResults) == 0 {
				continue
			}
			emit(m)
		}
	}

	// Everything after the compaction (or all messages when there was none).
	start := ci + 1
	for i := start; i < len(messages); i++ {
		m := &messages[i]
		switch {
		case m.Role == store.RoleCompaction:
			continue
		case m.Role == store.RoleTool:
			if len(m.ToolResults) == 0 {
				continue
			}
			if allSeen(m.ToolResults, seenResultIDs) {
				continue // duplicate tool message
			}
			if orphaned(m.ToolResults, emittedCallIDs) {
				continue // parent assistant was compacted away
			}
			emit(m)
		default:
			emit(m)
		}
	}

	return parts
}

// allSeen reports whether every tool-call id the message references has
// already appeared in an emitted tool message.
func allSeen(results []store.ToolResult, seen map[string]bool) bool {
	for _, tr := range results {
		if !seen[tr.ToolCallID] {
			return false
		}
	}
	return len(results) > 0
}

// orphaned reports whether none of the results' parent tool calls came from
// an emitted assistant message.
func orphaned(results []store.ToolResult, emittedCalls map[string]bool) bool {
	for _, tr := range results {
		if emittedCalls[tr.ToolCallID] {
			return false
		}
	}
	return true
}

// messageToPart converts a durable message to a prompt part. Compaction
// messages never convert directly; they enter the prompt only through the
// synthetic summary pair.
func messageToPart(m *store.Message) *providers.Message {
	switch m.Role {
	case store.RoleCompaction:
		return nil
	case store.RoleTool:
		return &providers.Message{Role: "tool", ToolResults: m.ToolResults}
	case store.RoleAssistant:
		return &providers.Message{Role: "assistant", Content: m.Content, ToolCalls: m.ToolCalls}
	default:
		return &providers.Message{Role: "user", Content: m.Content, Images: m.Images}
	}
}
