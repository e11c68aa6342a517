package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/altermind/altermind/internal/providers"
	"github.com/altermind/altermind/internal/store"
)

// ErrNotEnoughMessages rejects compaction of conversations shorter than
// four messages.
var ErrNotEnoughMessages = errors.New("Not enough messages to compact")

const (
	defaultVerbatimBudgetPct  = 40
	defaultAutoThresholdPct   = 80
	toolOutputTranscriptLimit = 500
)

// summarizePreamble instructs the model what the summary must preserve.
const summarizePreamble = "Summarize the conversation below. Preserve all key facts, decisions, " +
	"user preferences, tool usage results, and open tasks, so the conversation " +
	"can continue seamlessly from the summary alone. Be thorough but concise.\n\n"

// CalculateVerbatimCount decides how many trailing messages stay verbatim
// when compacting. It walks from the end, summing token estimates, and
// stops when the budget (contextWindow * pct/100) would be exceeded or
// fewer than 2 messages would remain to summarize.
func CalculateVerbatimCount(messages []store.Message, contextWindow, pct int) int {
	if pct <= 0 {
		return 0
	}
	n := len(messages)
	if contextWindow <= 0 {
		c := fallbackVerbatimCount
		if c > n-2 {
			c = n - 2
		}
		if c < 0 {
			c = 0
		}
		return c
	}

	budget := contextWindow * pct / 100
	count := 0
	total := 0
	for i := n - 1; i >= 0; i-- {
		t := EstimateMessageTokens(&messages[i])
		if total+t > budget {
			break
		}
		if n-(count+1) < 2 {
			break
		}
		total += t
		count++
	}

	floor := n - 2
	if floor > 2 {
		floor = 2
	}
	if count < floor {
		count = floor
	}
	if count < 0 {
		count = 0
	}
	return count
}

// CompactSession summarizes everything but the verbatim tail and appends a
// compaction message as the new cut-point. Older messages are not deleted.
func (l *Loop) CompactSession(ctx context.Context, sessionID, model string, contextWindow int) (*store.Message, error) {
	detail, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs := detail.Messages
	if len(msgs) < 4 {
		return nil, ErrNotEnoughMessages
	}

	pct := store.IntSetting(ctx, l.settings, store.SettingCompactionVerbatimBudget,
		defaultVerbatimBudgetPct, 0, 50)
	tail := CalculateVerbatimCount(msgs, contextWindow, pct)

	provider, modelID, err := l.providers.Resolve(model)
	if err != nil {
		return nil, err
	}

	transcript := renderTranscript(msgs[:len(msgs)-tail])
	resp, err := provider.GenerateResponse(ctx, []providers.Message{
		{Role: "user", Content: summarizePreamble + transcript},
	}, modelID)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	vc := tail
	comp := &store.Message{
		Role:          store.RoleCompaction,
		Content:       resp.Text,
		Timestamp:     time.Now().UnixMilli(),
		VerbatimCount: &vc,
		TokenCount:    EstimateTextTokens(resp.Text),
	}
	if resp.Usage != nil {
		comp.RawTokenCount = resp.Usage.OutputTokens
	}
	if _, err := l.store.AddMessage(ctx, sessionID, comp); err != nil {
		return nil, err
	}

	slog.Info("session compacted", "session", sessionID, "summarized", len(msgs)-tail, "verbatim", tail)
	return comp, nil
}

// AutoCompactIfNeeded fires compaction when the last round's usage crossed
// the configured share of the model's context window. Failures are logged
// and swallowed; auto-compaction never propagates errors upstream.
func (l *Loop) AutoCompactIfNeeded(ctx context.Context, sessionID, model string, lastUsage store.TokenUsage) *store.Message {
	pct := store.IntSetting(ctx, l.settings, store.SettingCompactionAutoThreshold,
		defaultAutoThresholdPct, 50, 95)
	contextWindow := providers.ContextWindow(model)
	if contextWindow <= 0 {
		return nil
	}

	used := lastUsage.InputTokens + lastUsage.OutputTokens
	if used < contextWindow*pct/100 {
		return nil
	}

	comp, err := l.CompactSession(ctx, sessionID, model, contextWindow)
	if err != nil {
		slog.Warn("auto-compaction failed", "session", sessionID, "error", err)
		return nil
	}
	return comp
}

// renderTranscript flattens messages into the human-readable form fed to
// the summarization prompt.
func renderTranscript(messages []store.Message) string {
	var b strings.Builder
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case store.RoleCompaction:
			b.WriteString("[Previous summary] " + m.Content + "\n")
		case store.RoleUser:
			b.WriteString("User: " + m.Content + "\n")
		case store.RoleAssistant:
			if m.Content != "" {
				b.WriteString("Assistant: " + m.Content + "\n")
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				fmt.Fprintf(&b, "[Tool call: %s(%s)]\n", tc.Name, args)
			}
		case store.RoleTool:
			for _, tr := range m.ToolResults {
				fmt.Fprintf(&b, "[Tool result: %s]\n", truncateText(tr.Output, toolOutputTranscriptLimit))
			}
		}
	}
	return b.String()
}

func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
