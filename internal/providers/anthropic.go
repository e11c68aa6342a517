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

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 8192
)

// AnthropicProvider talks to the Anthropic Messages API via net/http.
type AnthropicProvider struct {
	apiKey      string
	baseURL     string
	client      *http.Client
	retryConfig RetryConfig
}

// NewAnthropicProvider creates the Anthropic adapter.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:      apiKey,
		baseURL:     anthropicAPIBase,
		client:      &http.Client{Timeout: 10 * time.Minute},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) GenerateStream(ctx context.Context, history []Message, model string, tools []ToolSchema, sessionID string) (ChunkStream, error) {
	body, err := p.buildRequestBody(model, history, tools, true)
	if err != nil {
		return nil, err
	}

	// Retry only the connection phase; once streaming starts, no retry.
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

func (p *AnthropicProvider) consumeSSE(ctx context.Context, respBody io.ReadCloser, pipe *chunkPipe) {
	defer respBody.Close()

	var usage store.TokenUsage
	// Raw JSON argument fragments per tool call, accumulated across deltas.
	type pendingCall struct {
		call store.ToolCall
		json string
	}
	var pending *pendingCall

	flushCall := func() bool {
		if pending == nil {
			return true
		}
		args := make(map[string]interface{})
		if pending.json != "" {
			json.Unmarshal([]byte(pending.json), &args)
		}
		pending.call.Arguments = args
		ok := pipe.emit(Chunk{Kind: ChunkToolCall, ToolCall: &pending.call})
		pending = nil
		return ok
	}

	err := scanSSE(respBody, func(event, data string) bool {
		if ctx.Err() != nil {
			return false
		}
		switch event {
		case "message_start":
			var ev struct {
				Message struct {
					Usage struct {
						InputTokens int `json:"input_tokens"`
					} `json:"usage"`
				} `json:"message"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			var ev struct {
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil && ev.ContentBlock.Type == "tool_use" {
				pending = &pendingCall{call: store.ToolCall{
					ID:   ev.ContentBlock.ID,
					Name: strings.TrimSpace(ev.ContentBlock.Name),
				}}
			}

		case "content_block_delta":
			var ev struct {
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(data), &ev) != nil {
				return true
			}
			switch ev.Delta.Type {
			case "text_delta":
				return pipe.emit(Chunk{Kind: ChunkText, Text: ev.Delta.Text})
			case "input_json_delta":
				if pending != nil {
					pending.json += ev.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			return flushCall()

		case "message_delta":
			var ev struct {
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil && ev.Usage.OutputTokens > 0 {
				usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "error":
			var ev struct {
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			json.Unmarshal([]byte(data), &ev)
			pipe.finish(fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message))
			return false
		}
		return true
	})

	if pipe.err != nil {
		return // finished inside the handler
	}
	if ctx.Err() != nil {
		flushCall()
		pipe.finish(ctx.Err())
		return
	}
	if err != nil {
		pipe.finish(fmt.Errorf("anthropic: read stream: %w", err))
		return
	}
	flushCall()
	u := usage
	pipe.emit(Chunk{Kind: ChunkUsage, Usage: &u})
	pipe.finish(nil)
}

func (p *AnthropicProvider) GenerateResponse(ctx context.Context, history []Message, model string) (*Response, error) {
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
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}

		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return &Response{
			Text: text.String(),
			Usage: &store.TokenUsage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
			},
		}, nil
	})
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

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

func (p *AnthropicProvider) buildRequestBody(model string, history []Message, tools []ToolSchema, stream bool) ([]byte, error) {
	var system string
	msgs := make([]map[string]interface{}, 0, len(history))

	for _, m := range history {
		switch m.Role {
		case "system":
			system = m.Content
		case "tool":
			blocks := make([]map[string]interface{}, 0, len(m.ToolResults))
			for _, tr := range m.ToolResults {
				blocks = append(blocks, map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": tr.ToolCallID,
					"content":     tr.Output,
					"is_error":    tr.IsError,
				})
			}
			msgs = append(msgs, map[string]interface{}{"role": "user", "content": blocks})
		case "assistant":
			var blocks []map[string]interface{}
			if m.Content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]interface{}{}
				}
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": args,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, map[string]interface{}{"role": "assistant", "content": blocks})
		default: // user
			if len(m.Images) == 0 {
				msgs = append(msgs, map[string]interface{}{"role": "user", "content": m.Content})
				continue
			}
			var blocks []map[string]interface{}
			for _, img := range m.Images {
				blocks = append(blocks, imageBlock(img))
			}
			if m.Content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": m.Content})
			}
			msgs = append(msgs, map[string]interface{}{"role": "user", "content": blocks})
		}
	}

	body := map[string]interface{}{
		"model":      model,
		"max_tokens": anthropicMaxTokens,
		"messages":   msgs,
	}
	if system != "" {
		body["system"] = system
	}
	if stream {
		body["stream"] = true
	}
	if len(tools) > 0 {
		defs := make([]map[string]interface{}, 0, len(tools))
		for _, t := range tools {
			defs = append(defs, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = defs
	}
	return json.Marshal(body)
}

// imageBlock maps a data-URI to a base64 source and anything else to a URL
// source.
func imageBlock(img string) map[string]interface{} {
	if strings.HasPrefix(img, "data:") {
		mime := "image/png"
		data := img
		if i := strings.IndexByte(img, ','); i > 0 {
			header := img[5:i]
			data = img[i+1:]
			if j := strings.IndexByte(header, ';'); j > 0 {
				mime = header[:j]
			} else if header != "" {
				mime = header
			}
		}
		return map[string]interface{}{
			"type": "image",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": mime,
				"data":       data,
			},
		}
	}
	return map[string]interface{}{
		"type":   "image",
		"source": map[string]interface{}{"type": "url", "url": img},
	}
}
