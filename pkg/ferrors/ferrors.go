// Package ferrors provides the fabric-wide error taxonomy. Every core
// (registry, mesh, broker, streaming) returns errors through this package
// instead of bare fmt.Errorf so callers can branch on a stable Tag rather
// than parsing messages.
package ferrors

import (
	"errors"
	"fmt"
	"time"
)

// Tag classifies an Error into one of the categories from the error
// handling design: NotFound, Capacity, State, Transport, Policy, Data.
type Tag string

const (
	// NotFound
	TagServiceNotFound    Tag = "ServiceNotFound"
	TagQueueNotFound      Tag = "QueueNotFound"
	TagStreamNotFound     Tag = "StreamNotFound"
	TagProjectionNotFound Tag = "ProjectionNotFound"
	TagInstanceNotFound   Tag = "InstanceNotFound"

	// Capacity
	TagQueueFull          Tag = "QueueFull"
	TagMessageTooLarge    Tag = "MessageTooLarge"
	TagPartitionOutOfRange Tag = "PartitionOutOfRange"

	// State
	TagCircuitOpen     Tag = "CircuitOpen"
	TagNoHealthyInstance Tag = "NoHealthyInstance"
	TagGroupRebalancing Tag = "GroupRebalancing"
	TagDuplicateInstance Tag = "DuplicateInstance"
	TagProjectionError  Tag = "ProjectionError"

	// Transport
	TagTimeout           Tag = "Timeout"
	TagNetwork           Tag = "Network"
	TagConnectionRefused Tag = "ConnectionRefused"
	TagUpstreamError     Tag = "UpstreamError"

	// Policy
	TagPolicyDenied     Tag = "PolicyDenied"
	TagAuthRequired     Tag = "AuthRequired"
	TagAuthFailed       Tag = "AuthFailed"
	TagInvalidAlgorithm Tag = "InvalidAlgorithm"

	// Data
	TagSerializationError Tag = "SerializationError"
	TagChecksumMismatch   Tag = "ChecksumMismatch"
	TagOffsetOutOfRange   Tag = "OffsetOutOfRange"
)

// Error is the fabric-wide error type: a stable Tag, a human message, an
// optional RetryAfter hint (rate-limit / circuit-open cooldowns), and the
// wrapped cause.
type Error struct {
	Tag        Tag
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Tag, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Tag, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, &Error{Tag: ...}) comparisons by tag alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Tag == e.Tag
	}
	return false
}

// New creates an Error with no wrapped cause.
func New(tag Tag, message string) *Error {
	return &Error{Tag: tag, Message: message}
}

// Wrap creates an Error that preserves an underlying cause chain.
func Wrap(tag Tag, message string, cause error) *Error {
	return &Error{Tag: tag, Message: message, Cause: cause}
}

// WithRetryAfter attaches a retry_after hint to an Error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// HasTag reports whether err is a *Error (directly or in its chain) with
// the given Tag.
func HasTag(err error, tag Tag) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Tag == tag
	}
	return false
}

// TagOf returns the Tag of err if it is a *Error, and ok=true.
func TagOf(err error) (Tag, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Tag, true
	}
	return "", false
}
