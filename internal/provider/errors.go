package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes a failed model call for the executor's terminal-state
// decision.
type ErrorKind string

const (
	// KindOverflow is a recoverable "request too long" rejection. The
	// executor responds with compaction and an automatic retry rather than
	// surfacing the error.
	KindOverflow ErrorKind = "overflow"

	// KindAborted is a cancellation of the turn's own context.
	KindAborted ErrorKind = "aborted"

	// KindRateLimit indicates provider throttling (HTTP 429).
	KindRateLimit ErrorKind = "rate_limit"

	// KindAuth indicates an authentication or authorization failure.
	KindAuth ErrorKind = "auth"

	// KindUnknown is any unclassified provider failure.
	KindUnknown ErrorKind = "unknown"
)

// Error is a structured failure from a model call.
type Error struct {
	Provider string
	Model    string
	Status   int
	Code     string
	Type     string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// overflowPattern matches one provider's shape for a "request too long"
// rejection. Providers disagree on shape, so matching spans the message,
// error code, and structured type fields. Empty fields match anything;
// non-empty fields must all match.
type overflowPattern struct {
	provider string
	code     string
	typ      string
	substr   string
}

// overflowPatterns is the classification table. Adding a provider means
// adding rows here; call sites never change.
var overflowPatterns = []overflowPattern{
	{provider: "anthropic", typ: "invalid_request_error", substr: "prompt is too long"},
	{provider: "anthropic", substr: "input length and `max_tokens` exceed context limit"},
	{provider: "openai", code: "context_length_exceeded"},
	{provider: "openai", substr: "maximum context length"},
	{substr: "context length exceeded"},
	{substr: "request exceeds the maximum size"},
	{substr: "input is too long for requested model"},
}

// Classify maps a model-call failure to an ErrorKind. Errors whose shape
// matches no known pattern fall through to KindUnknown and surface as plain
// fatal errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}

	var perr *Error
	if errors.As(err, &perr) {
		if matchesOverflow(perr) {
			return KindOverflow
		}
		switch perr.Status {
		case 401, 403:
			return KindAuth
		case 429:
			return KindRateLimit
		}
		return KindUnknown
	}

	// Unstructured errors: message matching only. Provider-tagged rows
	// need a structured error to attribute the provider, so only the
	// generic rows apply here.
	msg := strings.ToLower(err.Error())
	for _, p := range overflowPatterns {
		if p.provider == "" && p.code == "" && p.typ == "" && p.substr != "" && strings.Contains(msg, p.substr) {
			return KindOverflow
		}
	}
	return KindUnknown
}

func matchesOverflow(e *Error) bool {
	msg := strings.ToLower(e.Message)
	for _, p := range overflowPatterns {
		if p.provider != "" && p.provider != e.Provider {
			continue
		}
		if p.code != "" && p.code != e.Code {
			continue
		}
		if p.typ != "" && p.typ != e.Type {
			continue
		}
		if p.substr != "" && !strings.Contains(msg, p.substr) {
			continue
		}
		return true
	}
	return false
}
