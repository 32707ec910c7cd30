package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when an optimistic update lost the race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrNotActive is returned when enrolling into a sequence or automation that is not active.
	ErrNotActive = errors.New("not active")
	// ErrInvalidRecipient is returned when a contact address cannot be mailed.
	ErrInvalidRecipient = errors.New("invalid recipient address")
)

// ConfigurationError marks a missing or invalid step/node definition. The
// engine skips the offending step and keeps going.
type ConfigurationError struct {
	Where  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error at %s: %s", e.Where, e.Reason)
}

// TransportError wraps a failure of the external mail/SMS/webhook transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DuplicateEnrollmentError is returned when contacts already have an open
// enrollment (or execution) in the target.
type DuplicateEnrollmentError struct {
	TargetID   uint
	ContactIDs []uint
}

func (e *DuplicateEnrollmentError) Error() string {
	ids := make([]string, len(e.ContactIDs))
	for i, id := range e.ContactIDs {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("duplicate enrollment in %d for contacts [%s]", e.TargetID, strings.Join(ids, ", "))
}

// ThreadingIntegrityError means a threaded reply was requested but only the
// transport-internal message id is known, not the RFC Message-ID.
type ThreadingIntegrityError struct {
	ThreadID           string
	TransportMessageID string
}

func (e *ThreadingIntegrityError) Error() string {
	return fmt.Sprintf("cannot thread reply in %q: RFC Message-ID missing (transport id %q is not a valid In-Reply-To)",
		e.ThreadID, e.TransportMessageID)
}
