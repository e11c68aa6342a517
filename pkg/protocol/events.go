package protocol

// Stream event types pushed to session subscribers.
// The payload shape for each type is fixed; see internal/stream.Event.
const (
	EventSnapshot          = "snapshot"
	EventToken             = "token"
	EventToolCall          = "tool_call"
	EventToolResult        = "tool_result"
	EventToolProgress      = "tool_progress"
	EventUsage             = "usage"
	EventAutoApproved      = "auto_approved"
	EventApprovalChanged   = "approval_changed"
	EventCompactionStarted = "compaction_started"
	EventCompaction        = "compaction"
	EventCompactionError   = "compaction_error"
	EventNewMessage        = "new_message"
	EventDone              = "done"
	EventError             = "error"
	EventDebug             = "debug"
)

// Global event names broadcast to every connected client on the "global" topic.
const (
	EventSessionCreated  = "session.created"
	EventSessionDeleted  = "session.deleted"
	EventSessionRenamed  = "session.renamed"
	EventSettingsChanged = "settings.changed"
	EventShutdown        = "shutdown"
)

// Approval status values carried by approval_changed payloads.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)
