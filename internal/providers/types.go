package providers

import (
	"context"

	"github.com/altermind/altermind/internal/store"
)

// Chunk kinds yielded by a generation stream.
const (
	ChunkText     = "text"
	ChunkToolCall = "tool_call"
	ChunkUsage    = "usage"
	ChunkDebug    = "debug"
)

// Chunk is one tagged element of a streaming generation.
type Chunk struct {
	Kind     string
	Text     string            // ChunkText
	ToolCall *store.ToolCall   // ChunkToolCall
	Usage    *store.TokenUsage // ChunkUsage
	Debug    string            // ChunkDebug
}

// ChunkStream is a pull-based iterator over generation chunks. Next blocks
// until a chunk is available; ok=false means the stream ended, check Err
// for the terminal error (nil on normal completion, ctx.Err on cooperative
// cancel).
type ChunkStream interface {
	Next() (Chunk, bool)
	Err() error
	Close()
}

// Message is one prompt part passed to a provider.
type Message struct {
	Role        string             `json:"role"` // "system", "user", "assistant", "tool"
	Content     string             `json:"content"`
	Images      []string           `json:"images,omitempty"` // URLs or data-URIs
	ToolCalls   []store.ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []store.ToolResult `json:"toolResults,omitempty"`
}

// ToolSchema is the flattened JSON-schema descriptor handed to providers.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Response is the result of a non-streaming generation.
type Response struct {
	Text  string
	Usage *store.TokenUsage
}

// Provider adapts one upstream LLM API.
type Provider interface {
	// GenerateStream opens a streaming generation. The returned stream ends
	// when the provider finishes; it reports an error on failure or when ctx
	// is cancelled mid-stream. The returned stream may also implement
	// RequestBody() []byte, giving the serialized request for diagnostics.
	GenerateStream(ctx context.Context, history []Message, model string, tools []ToolSchema, sessionID string) (ChunkStream, error)

	// GenerateResponse runs a non-streaming generation. Used by compaction
	// and session auto-naming.
	GenerateResponse(ctx context.Context, history []Message, model string) (*Response, error)

	// Name returns the provider identifier ("anthropic", "openai").
	Name() string
}

// chunkPipe bridges a push-style producer goroutine into the pull-based
// ChunkStream contract.
type chunkPipe struct {
	ch     chan Chunk
	done   chan struct{}
	err    error
	reqRaw []byte
}

func newChunkPipe() *chunkPipe {
	return &chunkPipe{ch: make(chan Chunk, 16), done: make(chan struct{})}
}

func (p *chunkPipe) Next() (Chunk, bool) {
	c, ok := <-p.ch
	return c, ok
}

func (p *chunkPipe) Err() error { return p.err }

func (p *chunkPipe) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// emit delivers a chunk unless the consumer closed the stream.
func (p *chunkPipe) emit(c Chunk) bool {
	select {
	case p.ch <- c:
		return true
	case <-p.done:
		return false
	}
}

// finish terminates the stream; err nil means normal completion.
func (p *chunkPipe) finish(err error) {
	p.err = err
	close(p.ch)
}

// RequestBody returns the serialized provider request, when captured.
func (p *chunkPipe) RequestBody() []byte { return p.reqRaw }
