package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/altermind/altermind/internal/store"
)

const historySearchDefaultLimit = 10

// HistoryTool searches durable chat history, within the current session or
// across all sessions.
type HistoryTool struct {
	store store.Store
}

// NewHistoryTool wires the tool to the session store.
func NewHistoryTool(st store.Store) *HistoryTool {
	return &HistoryTool{store: st}
}

func (t *HistoryTool) Definition() Definition {
	return Definition{
		Name:        "chat_history",
		Description: "Search past conversation messages.",
		Operations: map[string]Operation{
			"search": {
				Description: "Full-text search over message content",
				Params: map[string]Param{
					"query":        {Type: "string", Description: "Search terms"},
					"all_sessions": {Type: "boolean", Description: "Search every conversation, not just this one"},
					"limit":        {Type: "number", Description: "Max results (default 10)"},
				},
				Required: []string{"query"},
			},
		},
	}
}

func (t *HistoryTool) Execute(ctx context.Context, args map[string]interface{}, sessionID string) (string, error) {
	query, _ := args["query"].(string)
	limit := intArg(args, "limit")
	if limit <= 0 {
		limit = historySearchDefaultLimit
	}
	all, _ := args["all_sessions"].(bool)

	var result *store.SearchResult
	var err error
	if all {
		result, err = t.store.SearchAllMessages(ctx, query, limit, 0)
	} else {
		result, err = t.store.SearchSessionMessages(ctx, sessionID, query, limit, 0)
	}
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}

	type hit struct {
		SessionID string `json:"sessionId"`
		Role      string `json:"role"`
		Content   string `json:"content"`
		Timestamp int64  `json:"timestamp"`
	}
	out := struct {
		Total int   `json:"total"`
		Hits  []hit `json:"hits"`
	}{Total: result.Total}
	for _, m := range result.Messages {
		content := m.Content
		if len(content) > 300 {
			content = content[:300] + "..."
		}
		out.Hits = append(out.Hits, hit{SessionID: m.SessionID, Role: m.Role, Content: content, Timestamp: m.Timestamp})
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
