package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/altermind/altermind/internal/store"
)

const openaiAPIBase = "https://api.openai.com/v1"

// OpenAIProvider talks to the OpenAI chat-completions API via net/http.
type OpenAIProvider struct {
	apiKey      string
	baseURL     string
	client      *http.Client
	retryConfig RetryConfig
}

// NewOpenAIProvider creates the OpenAI adapter. It also serves
// OpenAI-compatible gateways via WithOpenAIBaseURL.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:      apiKey,
		baseURL:     openaiAPIBase,
		client:      &http.Client{Timeout: 10 * time.Minute},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type OpenAIOption func(*OpenAIProvider)

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) GenerateStream(ctx context.Context, history []Message, model string, tools []ToolSchema, sessionID string) (ChunkStream, error) {
	body, err := p.buildRequestBody(model, history, tools, true)
	if err != nil {
		return nil, err
	}

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	pipe := newChunkPipe()
	pipe.reqRaw = body
	go p.consumeSSE(ctx, respBody, pipe)
	return pipe, nil
}

func (p *OpenAIProvider) consumeSSE(ctx context.Context, respBody io.ReadCloser, pipe *chunkPipe) {
	defer respBody.Close()

	var usage store.TokenUsage
	var sawUsage bool

	// Tool calls arrive as fragmented deltas addressed by index.
	type pendingCall struct {
		id   string
		name string
		args string
	}
	pendings := make(map[int]*pendingCall)
	var order []int

	flush := func() bool {
		for _, idx := range order {
			pc := pendings[idx]
			args := make(map[string]interface{})
			if pc.args != "" {
				json.Unmarshal([]byte(pc.args), &args)
			}
			if !pipe.emit(Chunk{Kind: ChunkToolCall, ToolCall: &store.ToolCall{ID: pc.id, Name: pc.name, Arguments: args}}) {
				return false
			}
		}
		pendings = make(map[int]*pendingCall)
		order = nil
		return true
	}

	err := scanSSE(respBody, func(_, data string) bool {
		if ctx.Err() != nil {
			return false
		}
		if data == "[DONE]" {
			return false
		}
		var ev struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if json.Unmarshal([]byte(data), &ev) != nil {
			return true
		}
		if ev.Usage != nil {
			usage = store.TokenUsage{InputTokens: ev.Usage.PromptTokens, OutputTokens: ev.Usage.CompletionTokens}
			sawUsage = true
		}
		for _, choice := range ev.Choices {
			if choice.Delta.Content != "" {
				if !pipe.emit(Chunk{Kind: ChunkText, Text: choice.Delta.Content}) {
					return false
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := pendings[tc.Index]
				if !ok {
					pc = &pendingCall{}
					pendings[tc.Index] = pc
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args += tc.Function.Arguments
			}
		}
		return true
	})

	if ctx.Err() != nil {
		pipe.finish(ctx.Err())
		return
	}
	if err != nil {
		pipe.finish(fmt.Errorf("openai: read stream: %w", err))
		return
	}
	if !flush() {
		return
	}
	if sawUsage {
		u := usage
		pipe.emit(Chunk{Kind: ChunkUsage, Usage: &u})
	}
	pipe.finish(nil)
}

func (p *OpenAIProvider) GenerateResponse(ctx context.Context, history []Message, model string) (*Response, error) {
	body, err := p.buildRequestBody(model, history, nil, false)
	if err != nil {
		return nil, err
	}

	return RetryDo(ctx, p.retryConfig, func() (*Response, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("openai: decode response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("openai: empty choices")
		}
		return &Response{
			Text: resp.Choices[0].Message.Content,
			Usage: &store.TokenUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			},
		}, nil
	})
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &httpStatusError{Status: resp.StatusCode, Body: string(b)}
	}
	return resp.Body, nil
}

func (p *OpenAIProvider) buildRequestBody(model string, history []Message, tools []ToolSchema, stream bool) ([]byte, error) {
	msgs := make([]map[string]interface{}, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case "tool":
			for _, tr := range m.ToolResults {
				msgs = append(msgs, map[string]interface{}{
					"role":         "tool",
					"tool_call_id": tr.ToolCallID,
					"content":      tr.Output,
				})
			}
		case "assistant":
			entry := map[string]interface{}{"role": "assistant", "content": m.Content}
			if len(m.ToolCalls) > 0 {
				var calls []map[string]interface{}
				for _, tc := range m.ToolCalls {
					args, _ := json.Marshal(tc.Arguments)
					calls = append(calls, map[string]interface{}{
						"id":   tc.ID,
						"type": "function",
						"function": map[string]interface{}{
							"name":      tc.Name,
							"arguments": string(args),
						},
					})
				}
				entry["tool_calls"] = calls
			}
			msgs = append(msgs, entry)
		default: // system, user
			if m.Role == "user" && len(m.Images) > 0 {
				var parts []map[string]interface{}
				if m.Content != "" {
					parts = append(parts, map[string]interface{}{"type": "text", "text": m.Content})
				}
				for _, img := range m.Images {
					parts = append(parts, map[string]interface{}{
						"type":      "image_url",
						"image_url": map[string]interface{}{"url": img},
					})
				}
				msgs = append(msgs, map[string]interface{}{"role": "user", "content": parts})
				continue
			}
			msgs = append(msgs, map[string]interface{}{"role": m.Role, "content": m.Content})
		}
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	if len(tools) > 0 {
		var defs []map[string]interface{}
		for _, t := range tools {
			defs = append(defs, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = defs
	}
	return json.Marshal(body)
}
