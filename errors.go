package curlstep

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRequiredVariable is matched by errors from markers that
	// resolved to the NotNull sentinel.
	ErrMissingRequiredVariable = errors.New("missing required variable")
	// ErrNotExecuted is returned by response accessors used before Execute.
	ErrNotExecuted = errors.New("execute request before filtering it")
	// ErrTransport is matched by every *TransportError.
	ErrTransport = errors.New("transport error")
	// ErrRetriesExhausted is returned when a RetryPolicy with MaxAttempts
	// ran out before the condition held.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrResolutionDepth is returned when cascading substitution does not
	// settle, e.g. a value that references its own key.
	ErrResolutionDepth = errors.New("variable resolution too deep")
	// ErrInvalidURL is returned when the resolved URL is not absolute.
	ErrInvalidURL = errors.New("invalid request url")
)

// MissingVariableError names the key whose marker resolved to NotNull.
type MissingVariableError struct {
	Key string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("null value %s not allowed", e.Key)
}

// Is reports ErrMissingRequiredVariable as a match.
func (e *MissingVariableError) Is(target error) bool {
	return target == ErrMissingRequiredVariable
}

// TransportError wraps a failed HTTP exchange: the call itself failed, or
// the status was rejected because full response mode was off.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports ErrTransport as a match.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
