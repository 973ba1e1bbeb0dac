package op

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthRejected indicates the credentials token was not accepted.
	ErrAuthRejected = errors.New("collab: auth rejected")
	// ErrDocumentNotFound indicates the document does not exist in the log store.
	ErrDocumentNotFound = errors.New("collab: document not found")
	// ErrSessionExpired indicates the session is unknown, left or timed out.
	ErrSessionExpired = errors.New("collab: session expired")
	// ErrOperationRejected indicates a submission was refused; see RejectedError.
	ErrOperationRejected = errors.New("collab: operation rejected")
	// ErrTransformDivergence indicates an operation references positions that
	// no longer exist. The client must resync from a replica snapshot.
	ErrTransformDivergence = errors.New("collab: transform divergence")
	// ErrDistributionDegraded indicates the instance cannot reach the broadcast
	// medium and refuses writes until it has caught up.
	ErrDistributionDegraded = errors.New("collab: distribution degraded")
	// ErrInvalidOperation indicates an operation violates its own invariants.
	ErrInvalidOperation = errors.New("collab: invalid operation")
	// ErrOperationDeferred indicates a submission is held behind a conflict
	// awaiting a human decision or its timeout; see DeferredError.
	ErrOperationDeferred = errors.New("collab: operation deferred")
	// ErrUnknownAuthor indicates a clock was asked to stamp for an author
	// outside the current session set.
	ErrUnknownAuthor = errors.New("collab: unknown author")
)

// Reason qualifies an ErrOperationRejected.
type Reason string

const (
	// ReasonStaleReference means the operation references state the server
	// cannot place; the client must resync from the latest replica snapshot.
	ReasonStaleReference Reason = "stale-reference"
	// ReasonPolicyDenied means the author's role does not allow the operation.
	ReasonPolicyDenied Reason = "policy-denied"
	// ReasonSuperseded means a conflict was resolved in favour of another operation.
	ReasonSuperseded Reason = "superseded"
)

// RejectedError is returned when a submission is refused.
type RejectedError struct {
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrOperationRejected, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrOperationRejected, e.Reason, e.Detail)
}

func (e *RejectedError) Unwrap() error {
	return ErrOperationRejected
}

// Reject builds a RejectedError.
func Reject(reason Reason, format string, args ...any) error {
	return &RejectedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// RejectionReason extracts the reason from err, if it is a rejection.
func RejectionReason(err error) (Reason, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason, true
	}
	return "", false
}

// DegradedError is returned while an instance refuses writes because the
// distribution medium is unreachable.
type DegradedError struct {
	DocumentID string
	RetryAfter time.Duration
	Cause      error
}

func (e *DegradedError) Error() string {
	msg := fmt.Sprintf("%s: document %s, retry after %s", ErrDistributionDegraded, e.DocumentID, e.RetryAfter)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DegradedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrDistributionDegraded}
	}
	return []error{ErrDistributionDegraded, e.Cause}
}

// DeferredError is returned when a submission is held pending a conflict
// decision. The operation is neither accepted nor rejected yet; its outcome
// arrives later on the document's operation stream.
type DeferredError struct {
	ConflictID string
	Deadline   time.Time
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("%s: conflict %s, decided by %s", ErrOperationDeferred, e.ConflictID, e.Deadline.Format(time.RFC3339))
}

func (e *DeferredError) Unwrap() error {
	return ErrOperationDeferred
}
