package store

import "context"

// Store is the typed wrapper over the durable conversation state. It is
// process-wide and stateless; each session is an independent failure domain.
type Store interface {
	// CreateSession writes a new session row with defaults and returns it.
	CreateSession(ctx context.Context, title, model, visionModel string) (*Session, error)

	// GetSession returns the session plus its messages in timestamp order,
	// or ErrNotFound.
	GetSession(ctx context.Context, id string) (*SessionDetail, error)

	// GetSessionMeta returns the session row alone, or ErrNotFound.
	GetSessionMeta(ctx context.Context, id string) (*Session, error)

	// ListSessions returns all sessions ordered by updatedAt descending.
	ListSessions(ctx context.Context) ([]Session, error)

	// UpdateSession patches a subset of session fields.
	UpdateSession(ctx context.Context, id string, patch SessionPatch) error

	// DeleteSession removes the session and cascades to its messages.
	DeleteSession(ctx context.Context, id string) error

	// GetMessages returns a paginated tail in ascending order. It reads
	// limit+1 rows descending, reverses, and reports HasMore when the extra
	// row existed.
	GetMessages(ctx context.Context, sessionID string, page MessagesPage) (*MessagesResult, error)

	// GetMessage returns one message by id, or ErrNotFound.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// AddMessage appends a message, assigns its id, and bumps the session's
	// updatedAt. Returns the assigned id.
	AddMessage(ctx context.Context, sessionID string, msg *Message) (string, error)

	// UpdateMessage patches a subset of message fields.
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) error

	// AtomicApprove conditionally sets approvalStatus = approved iff it is
	// currently pending. Exactly one racing caller observes true.
	AtomicApprove(ctx context.Context, messageID string) (bool, error)

	// AtomicDeny conditionally sets approvalStatus = denied iff it is
	// currently pending.
	AtomicDeny(ctx context.Context, messageID string) (bool, error)

	// UpdateSessionTokenUsage overwrites the rolling token accumulator.
	UpdateSessionTokenUsage(ctx context.Context, id string, usage TokenUsage) error

	// SearchSessionMessages runs full-text search within one session, with a
	// substring fallback when the primary query yields zero rows.
	SearchSessionMessages(ctx context.Context, sessionID, query string, limit, offset int) (*SearchResult, error)

	// SearchAllMessages runs the same search across every session.
	SearchAllMessages(ctx context.Context, query string, limit, offset int) (*SearchResult, error)
}

// Settings is the persisted runtime-configuration key/value store.
type Settings interface {
	// Get returns the stored value, or "" when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	// Set writes the value and invalidates any read-through cache.
	Set(ctx context.Context, key, value string) error
}

// Runtime setting keys.
const (
	SettingCompactionVerbatimBudget  = "compaction_verbatim_budget"   // percent, 0-50, default 40
	SettingCompactionAutoThreshold   = "compaction_auto_threshold_pct" // percent, 50-95, default 80
	SettingDefaultModel              = "default_model"                // "provider:model-id"
	SettingLastActiveSessionID       = "last_active_session_id"
)
