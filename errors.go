// Package ringstore is the composition root: it wires clock, column,
// ring, replication, failuredetector, gossip, merkle, and compaction into
// a single per-process Service (one per process, references injected
// downward, no globals), and defines the error taxonomy types.
package ringstore

import "fmt"

// InvalidRequestError reports that a caller's request was structurally
// invalid: an empty key, a mismatched column family type, a
// negative count, or finish < start. It is reported to the caller, never
// retried.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return "ringstore: invalid request: " + e.Reason }

// NewInvalidRequestError builds an InvalidRequestError with a formatted
// reason.
func NewInvalidRequestError(format string, v ...interface{}) error {
	return &InvalidRequestError{Reason: fmt.Sprintf(format, v...)}
}

// KeyspaceNotDefinedError is the InvalidRequestError specialization for
// an unknown keyspace.
type KeyspaceNotDefinedError struct {
	Keyspace string
}

func (e *KeyspaceNotDefinedError) Error() string {
	return fmt.Sprintf("ringstore: keyspace not defined: %s", e.Keyspace)
}

// Unwrap returns the InvalidRequestError this error specializes, so
// errors.As matches a KeyspaceNotDefinedError as an InvalidRequestError.
func (e *KeyspaceNotDefinedError) Unwrap() error {
	return &InvalidRequestError{Reason: "keyspace not defined: " + e.Keyspace}
}

// NotFoundError reports a read that succeeded but found no matching
// column.
type NotFoundError struct {
	Keyspace, ColumnFamily string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ringstore: not found: %s/%s", e.Keyspace, e.ColumnFamily)
}

// UnavailableError reports insufficient replicas to meet the requested
// consistency level. RequiredReplicas and AliveReplicas let the caller
// decide whether to retry against a smaller consistency level.
type UnavailableError struct {
	RequiredReplicas, AliveReplicas int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ringstore: unavailable: need %d replicas, %d alive", e.RequiredReplicas, e.AliveReplicas)
}

// TimedOutError reports that replicas did not respond within budget. The
// caller may retry.
type TimedOutError struct {
	Keyspace, ColumnFamily string
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("ringstore: timed out: %s/%s", e.Keyspace, e.ColumnFamily)
}

// ConfigurationError is fatal at init: the embedding host refuses to
// start with an inconsistent schema.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "ringstore: configuration: " + e.Reason }

// MarshalError reports that bytes did not decode under a column's
// validator; surfaced to the client as an InvalidRequestError.
type MarshalError struct {
	Reason string
}

func (e *MarshalError) Error() string { return "ringstore: marshal: " + e.Reason }

// AsInvalidRequest converts the marshal failure into the
// InvalidRequestError a client sees.
func (e *MarshalError) AsInvalidRequest() error {
	return NewInvalidRequestError("%s", e.Reason)
}
