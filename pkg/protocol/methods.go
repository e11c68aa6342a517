package protocol

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 3

// RPC method name constants.
const (
	// Sessions
	MethodSessionsCreate = "sessions.create"
	MethodSessionsGet    = "sessions.get"
	MethodSessionsList   = "sessions.list"
	MethodSessionsPatch  = "sessions.patch"
	MethodSessionsDelete = "sessions.delete"

	// Chat
	MethodChatSend     = "chat.send"
	MethodChatAbort    = "chat.abort"
	MethodChatWatch    = "chat.watch"
	MethodChatUnwatch  = "chat.unwatch"
	MethodChatHistory  = "chat.history"
	MethodChatCompact  = "chat.compact"

	// Tool approval
	MethodApprovalApprove = "approval.approve"
	MethodApprovalDeny    = "approval.deny"

	// Search
	MethodMessagesSearch = "messages.search"

	// Settings
	MethodSettingsGet = "settings.get"
	MethodSettingsSet = "settings.set"

	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
)

// RPC error codes, mapped from store/agent error kinds by the gateway.
const (
	ErrCodeInvalid      = "invalid_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeInternal     = "internal_error"
)
