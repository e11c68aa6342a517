package agent

import (
	"context"
	"sync"

	"github.com/altermind/altermind/internal/providers"
	"github.com/altermind/altermind/internal/store"
	"github.com/altermind/altermind/internal/tools"
)

// fakeProvider replays scripted chunk streams and canned responses.
type fakeProvider struct {
	mu        sync.Mutex
	name      string
	streams   []scriptedStream
	responses []fakeResponse
	histories [][]providers.Message // history of each GenerateStream call
}

type scriptedStream struct {
	chunks []providers.Chunk
	err    error // terminal stream error after the chunks
}

type fakeResponse struct {
	text  string
	usage *store.TokenUsage
	err   error
}

func (p *fakeProvider) Name() string {
	if p.name == "" {
		return "fake"
	}
	return p.name
}

func (p *fakeProvider) GenerateStream(ctx context.Context, history []providers.Message, model string, tools []providers.ToolSchema, sessionID string) (providers.ChunkStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.histories = append(p.histories, history)
	if len(p.streams) == 0 {
		return &fakeStream{ctx: ctx}, nil
	}
	s := p.streams[0]
	p.streams = p.streams[1:]
	return &fakeStream{ctx: ctx, chunks: s.chunks, err: s.err}, nil
}

func (p *fakeProvider) GenerateResponse(ctx context.Context, history []providers.Message, model string) (*providers.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.responses) == 0 {
		return &providers.Response{Text: "ok"}, nil
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &providers.Response{Text: r.text, Usage: r.usage}, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.histories)
}

type fakeStream struct {
	ctx    context.Context
	chunks []providers.Chunk
	i      int
	err    error
	closed bool
}

func (s *fakeStream) Next() (providers.Chunk, bool) {
	if s.ctx.Err() != nil {
		return providers.Chunk{}, false
	}
	if s.i >= len(s.chunks) {
		return providers.Chunk{}, false
	}
	c := s.chunks[s.i]
	s.i++
	return c, true
}

func (s *fakeStream) Err() error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	return s.err
}

func (s *fakeStream) Close() { s.closed = true }

// fakeTool runs a function; nil fn echoes the "x" argument.
type fakeTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}, sessionID string) (string, error)
}

func (t *fakeTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        t.name,
		Description: "test tool",
		Operations: map[string]tools.Operation{
			"default": {Params: map[string]tools.Param{"x": {Type: "string"}}},
		},
	}
}

func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}, sessionID string) (string, error) {
	if t.fn != nil {
		return t.fn(ctx, args, sessionID)
	}
	s, _ := args["x"].(string)
	return s, nil
}

func textChunk(s string) providers.Chunk {
	return providers.Chunk{Kind: providers.ChunkText, Text: s}
}

func toolCallChunk(id, name string, args map[string]interface{}) providers.Chunk {
	return providers.Chunk{Kind: providers.ChunkToolCall, ToolCall: &store.ToolCall{ID: id, Name: name, Arguments: args}}
}

func usageChunk(in, out int) providers.Chunk {
	return providers.Chunk{Kind: providers.ChunkUsage, Usage: &store.TokenUsage{InputTokens: in, OutputTokens: out}}
}
