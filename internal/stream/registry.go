// Package stream holds the in-memory table of active or recently-finished
// generations, one entry per session, and fans events out to subscribers.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/altermind/altermind/internal/store"
	"github.com/altermind/altermind/pkg/protocol"
)

// DefaultRemovalDelay is how long a finished entry lingers for reconnecting
// clients before eviction.
const DefaultRemovalDelay = 60 * time.Second

// Subscriber receives every event pushed for a session, in push order.
// Subscribers must not block; they typically enqueue to a transport send
// buffer.
type Subscriber func(Event)

type subscription struct {
	id string
	fn Subscriber
}

// Entry is the in-memory state of the current round for one session.
type Entry struct {
	mu sync.Mutex

	sessionID   string
	assistantID string
	content     string
	model       string
	toolCalls   []store.ToolCall

	hasToolCalls bool
	done         bool
	err          *Error
	usage        *store.TokenUsage
	aborted      bool

	ctx    context.Context
	cancel context.CancelFunc

	subscribers []subscription
	generation  uint64

	requestBody []byte // LLM request snapshot for diagnostics
}

// SessionID returns the owning session id.
func (e *Entry) SessionID() string { return e.sessionID }

// AssistantID returns the current assistant-message id.
func (e *Entry) AssistantID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assistantID
}

// Context returns the abort context passed to the provider stream.
func (e *Entry) Context() context.Context { return e.ctx }

// Aborted reports whether the user cancelled this round.
func (e *Entry) Aborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// Done reports whether the entry reached a terminal state.
func (e *Entry) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// HasToolCalls reports whether any tool_call event was recorded.
func (e *Entry) HasToolCalls() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasToolCalls
}

// Content returns the accumulated text.
func (e *Entry) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content
}

// ToolCalls returns a copy of the emitted tool calls.
func (e *Entry) ToolCalls() []store.ToolCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	calls := make([]store.ToolCall, len(e.toolCalls))
	copy(calls, e.toolCalls)
	return calls
}

// Usage returns the last-seen usage, or nil.
func (e *Entry) Usage() *store.TokenUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.usage == nil {
		return nil
	}
	u := *e.usage
	return &u
}

// Generation returns the round counter for this entry.
func (e *Entry) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// SetRequestBody stores the serialized LLM request for diagnostics.
func (e *Entry) SetRequestBody(body []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requestBody = body
}

// RequestBody returns the stored LLM request snapshot.
func (e *Entry) RequestBody() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestBody
}

// Snapshot captures the cumulative state for a reconnecting subscriber.
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	calls := make([]store.ToolCall, len(e.toolCalls))
	copy(calls, e.toolCalls)
	return Snapshot{
		AssistantID: e.assistantID,
		Content:     e.content,
		Model:       e.model,
		ToolCalls:   calls,
	}
}

// TerminalEvents returns the events a late subscriber must receive after
// the snapshot when the entry already finished: done or error, plus the
// last usage.
func (e *Entry) TerminalEvents() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.done {
		return nil
	}
	var events []Event
	if e.usage != nil {
		u := *e.usage
		events = append(events, UsageEvent(u))
	}
	if e.err != nil {
		ev := *e.err
		events = append(events, Event{Type: protocol.EventError, Error: &ev})
	} else {
		events = append(events, DoneEvent(e.hasToolCalls))
	}
	return events
}

// Registry maps session ids to their stream entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	// RemovalDelay is the grace period applied by ScheduleRemoval when the
	// caller passes no explicit delay.
	RemovalDelay time.Duration

	generation uint64 // monotonic across all entries
}

// NewRegistry creates an empty stream registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:      make(map[string]*Entry),
		RemovalDelay: DefaultRemovalDelay,
	}
}

// Create installs a fresh entry for the session. A prior done entry is
// replaced silently; replacing a live entry violates the single-producer
// rule and is logged before overwriting.
func (r *Registry) Create(sessionID, assistantID, model string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.entries[sessionID]; ok {
		if !prior.Done() {
			slog.Warn("stream: replacing live entry", "session", sessionID, "generation", prior.Generation())
			prior.cancel()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.generation++
	entry := &Entry{
		sessionID:   sessionID,
		assistantID: assistantID,
		model:       model,
		ctx:         ctx,
		cancel:      cancel,
		generation:  r.generation,
	}
	r.entries[sessionID] = entry
	return entry
}

// Continue reuses the session's entry for the next round: content and tool
// calls reset, the subscriber set and abort signal survive, generation
// bumps. Returns nil when no entry exists.
func (r *Registry) Continue(sessionID, newAssistantID string) *Entry {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	entry.mu.Lock()
	entry.assistantID = newAssistantID
	entry.content = ""
	entry.toolCalls = nil
	entry.hasToolCalls = false
	entry.done = false
	entry.err = nil
	entry.generation = gen
	entry.mu.Unlock()
	return entry
}

// Get returns the session's entry, or nil.
func (r *Registry) Get(sessionID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[sessionID]
}

// PushEvent mutates the entry according to the event, then fans it out to
// every subscriber in insertion order. No-op when the session has no entry.
func (r *Registry) PushEvent(sessionID string, ev Event) {
	entry := r.Get(sessionID)
	if entry == nil {
		return
	}

	entry.mu.Lock()
	switch ev.Type {
	case protocol.EventToken:
		if !entry.aborted {
			entry.content += ev.Token
		}
	case protocol.EventToolCall:
		if !entry.aborted && ev.ToolCall != nil {
			entry.toolCalls = append(entry.toolCalls, *ev.ToolCall)
			entry.hasToolCalls = true
		}
	case protocol.EventUsage:
		if ev.Usage != nil {
			u := *ev.Usage
			entry.usage = &u
		}
	case protocol.EventDone:
		entry.done = true
		if ev.Done != nil {
			entry.hasToolCalls = ev.Done.HasToolCalls
		}
	case protocol.EventError:
		if ev.Error != nil {
			errCopy := *ev.Error
			entry.err = &errCopy
		}
		entry.done = true
	}
	subs := make([]subscription, len(entry.subscribers))
	copy(subs, entry.subscribers)
	entry.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// Subscribe adds fn under id and returns a handle that removes it. The
// caller typically follows up by delivering the entry's Snapshot (and
// TerminalEvents when already done) to the new subscriber.
func (r *Registry) Subscribe(sessionID, id string, fn Subscriber) (unsubscribe func()) {
	entry := r.Get(sessionID)
	if entry == nil {
		return func() {}
	}

	entry.mu.Lock()
	entry.subscribers = append(entry.subscribers, subscription{id: id, fn: fn})
	entry.mu.Unlock()

	return func() {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		for i, s := range entry.subscribers {
			if s.id == id {
				entry.subscribers = append(entry.subscribers[:i], entry.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Abort marks the entry cancelled, signals the abort context, and pushes
// the interruption token so connected clients see it. Content mutation for
// that token is suppressed by the aborted flag; the durable
// "[Interrupted by user]" content is written by the tool loop.
func (r *Registry) Abort(sessionID string) bool {
	entry := r.Get(sessionID)
	if entry == nil {
		return false
	}
	entry.mu.Lock()
	if entry.done {
		entry.mu.Unlock()
		return false
	}
	entry.aborted = true
	entry.mu.Unlock()
	entry.cancel()
	r.PushEvent(sessionID, TokenEvent("[Interrupted by user]"))
	return true
}

// ScheduleRemoval deletes the entry after delay, provided it is still done
// and its generation matches the one observed now; a new round racing with
// eviction keeps the entry alive. delay <= 0 uses the registry default.
func (r *Registry) ScheduleRemoval(sessionID string, delay time.Duration) {
	entry := r.Get(sessionID)
	if entry == nil {
		return
	}
	gen := entry.Generation()
	if delay <= 0 {
		delay = r.RemovalDelay
	}

	time.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		current, ok := r.entries[sessionID]
		if !ok || current != entry {
			return
		}
		if !current.Done() || current.Generation() != gen {
			return
		}
		current.cancel()
		delete(r.entries, sessionID)
	})
}

// Remove drops the entry immediately (session deletion).
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[sessionID]; ok {
		entry.cancel()
		delete(r.entries, sessionID)
	}
}

// Active returns the ids of sessions with a live (non-done) entry.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.entries {
		if !e.Done() {
			ids = append(ids, id)
		}
	}
	return ids
}
