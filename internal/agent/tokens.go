package agent

import (
	"encoding/json"

	"github.com/altermind/altermind/internal/store"
)

// EstimateTextTokens approximates token count as chars/4. Good enough for
// compaction budgeting; exact counts come back from provider usage.
func EstimateTextTokens(s string) int {
	return len(s) / 4
}

// EstimateMessageTokens estimates one message's token footprint, counting
// content, tool-call arguments, and tool outputs.
func EstimateMessageTokens(m *store.Message) int {
	total := EstimateTextTokens(m.Content)
	for _, tc := range m.ToolCalls {
		total += EstimateTextTokens(tc.Name)
		if len(tc.Arguments) > 0 {
			if b, err := json.Marshal(tc.Arguments); err == nil {
				total += len(b) / 4
			}
		}
	}
	for _, tr := range m.ToolResults {
		total += EstimateTextTokens(tr.Output)
	}
	// Small per-message overhead for role and framing.
	return total + 4
}
