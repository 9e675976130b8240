package submit

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrExhausted is returned when every candidate and retry failed
	ErrExhausted = errors.New("submission retries exhausted")

	// ErrNoCandidate is returned when no call candidate could be composed
	ErrNoCandidate = errors.New("no call candidate could be resolved")

	// ErrMissingAmount is returned when a variant needs an amount and none was given
	ErrMissingAmount = errors.New("amount required")
)

// ResolutionError reports that a (call, parameter variant) pair does not
// exist on the connected runtime
type ResolutionError struct {
	Module   string
	Function string
	Variant  string
	Err      error
}

// Error implements error
func (e *ResolutionError) Error() string {
	if e.Variant == "" {
		return fmt.Sprintf("resolve %s.%s: %v", e.Module, e.Function, e.Err)
	}
	return fmt.Sprintf("resolve %s.%s(%s): %v", e.Module, e.Function, e.Variant, e.Err)
}

// Unwrap returns the underlying error
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// nonceConflict matches pool rejections that mean the cached nonce is wrong
var nonceConflict = regexp.MustCompile(`(?i)priority is too low|priority too low|\bstale\b|\boutdated\b|\bfuture\b|\bold\b|bad nonce`)

// IsNonceConflict reports whether err indicates a stale or conflicting nonce
func IsNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	return nonceConflict.MatchString(err.Error())
}
