package gateway

import (
	"errors"

	"collabtext/internal/distribution"
	"collabtext/internal/op"
	"collabtext/internal/replica"
	"collabtext/internal/session"
)

// Request frame types.
const (
	FrameJoin      = "join"
	FrameSubmit    = "submit"
	FrameHeartbeat = "heartbeat"
	FrameLeave     = "leave"
	FrameSubscribe = "subscribe"
	FrameState     = "state"
	FrameDecide    = "decide"
)

// Reply and push frame types.
const (
	FrameJoined     = "joined"
	FrameAccepted   = "accepted"
	FrameOK         = "ok"
	FrameSubscribed = "subscribed"
	FrameSnapshot   = "state"
	FrameDecided    = "decided"
	FrameOp         = "op"
	FramePresence   = "presence"
	FrameError      = "error"
)

// Request is a frame sent by a client. ID is echoed in the reply so clients
// can correlate. SessionID may be set on any frame after join, which lets a
// client resume its session over a new connection to any instance.
type Request struct {
	Type       string            `json:"type"`
	ID         string            `json:"id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Token      string            `json:"token,omitempty"`
	Presence   map[string]string `json:"presence,omitempty"`
	Op         *op.Operation     `json:"op,omitempty"`
	From       uint64            `json:"from,omitempty"`
	ConflictID string            `json:"conflict_id,omitempty"`
	AcceptHeld bool              `json:"accept_held,omitempty"`
}

// Reply is a frame sent to a client, either answering a Request or pushing
// an operation or presence event.
type Reply struct {
	Type      string                      `json:"type"`
	ID        string                      `json:"id,omitempty"`
	SessionID string                      `json:"session_id,omitempty"`
	Op        *op.Operation               `json:"op,omitempty"`
	State     *replica.State              `json:"state,omitempty"`
	Conflict  *op.ConflictRecord          `json:"conflict,omitempty"`
	Presence  *distribution.PresenceEvent `json:"presence,omitempty"`
	Error     *ErrorBody                  `json:"error,omitempty"`
}

// ErrorBody is the client-visible form of a core error.
type ErrorBody struct {
	Code         string `json:"code"`
	Reason       string `json:"reason,omitempty"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	ConflictID   string `json:"conflict_id,omitempty"`
}

func errorBody(err error) *ErrorBody {
	body := &ErrorBody{Code: "internal", Message: err.Error()}

	var (
		degraded *op.DegradedError
		deferred *op.DeferredError
	)
	switch {
	case errors.Is(err, op.ErrAuthRejected):
		body.Code = "auth_rejected"
	case errors.Is(err, op.ErrDocumentNotFound):
		body.Code = "document_not_found"
	case errors.Is(err, op.ErrSessionExpired):
		body.Code = "session_expired"
	case errors.Is(err, op.ErrOperationRejected):
		body.Code = "operation_rejected"
		if reason, ok := op.RejectionReason(err); ok {
			body.Reason = string(reason)
		}
	case errors.Is(err, op.ErrTransformDivergence):
		body.Code = "transform_divergence"
	case errors.As(err, &degraded):
		body.Code = "distribution_degraded"
		body.RetryAfterMS = degraded.RetryAfter.Milliseconds()
	case errors.As(err, &deferred):
		body.Code = "operation_deferred"
		body.ConflictID = deferred.ConflictID
	case errors.Is(err, op.ErrInvalidOperation):
		body.Code = "invalid_operation"
	case errors.Is(err, session.ErrConflictNotFound):
		body.Code = "conflict_not_found"
	case errors.Is(err, errNoSession):
		body.Code = "no_session"
	}
	return body
}
