/*
Package errors defines the error taxonomy shared by all memory components.

Each error class maps to a distinct handling policy: validation errors are
rejected immediately and never retried, not-found errors are non-fatal on
read paths, connection errors are retryable with bounded backoff, extraction
errors skip the failing batch item, and compression errors surface the
truncation count instead of crashing a turn.
*/
package errors

import (
	"errors"
	"fmt"
)

/*
ValidationError marks malformed input, such as a missing userId or an
importance value outside [0,1]. It is terminal: callers must not retry.
*/
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

/*
NewValidation creates a ValidationError for a single offending field.
*/
func NewValidation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

/*
NotFoundError marks a lookup for an id that does not exist. Read paths
translate it to an empty result rather than a failure.
*/
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

/*
NewNotFound creates a NotFoundError for the given entity kind and id.
*/
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

/*
ConnectionError marks an unreachable or timed-out store or provider.
It is the only retryable class in the taxonomy.
*/
type ConnectionError struct {
	Service string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Service, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

/*
NewConnection wraps a transport failure against the named service.
*/
func NewConnection(service string, err error) error {
	return &ConnectionError{Service: service, Err: err}
}

/*
ExtractionError marks a completion response that could not be parsed into
concept candidates. The pipeline counts it and continues with the rest of
the batch.
*/
type ExtractionError struct {
	MemoryID string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction: memory %s: %v", e.MemoryID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

/*
NewExtraction wraps a parse failure for the episodic memory that produced it.
*/
func NewExtraction(memoryID string, err error) error {
	return &ExtractionError{MemoryID: memoryID, Err: err}
}

/*
CompressionError marks a context window too small to fit even a single
candidate item. TruncatedCount equals the total number of candidates.
*/
type CompressionError struct {
	TruncatedCount int
	MaxTokens      int
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("compression: no item fits in %d tokens (%d truncated)", e.MaxTokens, e.TruncatedCount)
}

/*
IsNotFound reports whether err is a NotFoundError anywhere in its chain.
*/
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

/*
IsRetryable reports whether err should be retried. Only connection
failures qualify.
*/
func IsRetryable(err error) bool {
	var conn *ConnectionError
	return errors.As(err, &conn)
}

/*
IsValidation reports whether err is a ValidationError anywhere in its chain.
*/
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
