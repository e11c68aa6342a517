package agent

import "strings"

// LLM error codes surfaced on stream error events.
const (
	CodeContextLimit  = "CONTEXT_LIMIT"
	CodeRateLimit     = "RATE_LIMIT"
	CodeAuthError     = "AUTH_ERROR"
	CodeProviderError = "PROVIDER_ERROR"
	CodeUnknown       = "UNKNOWN"
)

// Classified is the result of mapping a provider error message to a code.
type Classified struct {
	Code        string
	Recoverable bool
	Message     string
}

// classifierPatterns maps lowercase substrings of provider error messages
// to codes. First hit wins, so the table order (context limit, rate limit,
// auth, provider) decides messages that match more than one list.
var classifierPatterns = []struct {
	substrings  []string
	code        string
	recoverable bool
}{
	{[]string{"context length", "context_length", "maximum context", "prompt is too long", "too many tokens", "context window"}, CodeContextLimit, true},
	{[]string{"rate limit", "rate_limit", "429", "too many requests", "quota"}, CodeRateLimit, true},
	{[]string{"api key", "api_key", "401", "403", "unauthorized", "authentication", "permission"}, CodeAuthError, false},
	{[]string{"500", "502", "503", "529", "overloaded", "internal server", "bad gateway", "connection refused", "connection reset", "timeout", "timed out", "eof"}, CodeProviderError, true},
}

// Classify maps a provider error message to an error code. Pure function
// of the message text.
func Classify(err error) Classified {
	if err == nil {
		return Classified{Code: CodeUnknown, Recoverable: false}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, p := range classifierPatterns {
		for _, sub := range p.substrings {
			if strings.Contains(lower, sub) {
				return Classified{Code: p.code, Recoverable: p.recoverable, Message: msg}
			}
		}
	}
	return Classified{Code: CodeUnknown, Recoverable: false, Message: msg}
}
