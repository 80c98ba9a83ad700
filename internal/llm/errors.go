package llm

import "fmt"

// Kind classifies a model invocation failure.
type Kind string

const (
	RequestTimeout  Kind = "request_timeout"
	ProviderError   Kind = "provider_error"
	EmptyResponse   Kind = "empty_response"
	MalformedOutput Kind = "malformed_output"
	SchemaViolation Kind = "schema_violation"
)

// Error is returned by Invoke. Raw carries the model's output text when
// there was any, so callers can quarantine it.
type Error struct {
	Kind   Kind
	Status int // provider HTTP status, ProviderError only
	Detail string
	Raw    string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
