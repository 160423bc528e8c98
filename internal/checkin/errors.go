package checkin

import (
	"errors"
	"net/http"

	"ams/internal/identity"
	"ams/internal/ledger"
	"ams/internal/session"
)

// Dispatcher-level validation errors. Resolution and transition errors
// live with the packages that raise them; these cover checks only the
// dispatcher can make.
var (
	// ErrMethodNotAllowed means the target session does not accept the
	// channel the event arrived on.
	ErrMethodNotAllowed = errors.New("check-in method not allowed for this session")
	// ErrSessionNotActive rejects face events against a session whose
	// window has not opened yet.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrImageInvalid rejects an unparseable image submission before it
	// reaches the matcher.
	ErrImageInvalid = errors.New("image payload is not valid base64")
)

// Error is the API-facing failure shape: a stable machine code, the
// HTTP status it maps to, and a human message. Details carries
// structured context such as the conflicting session on a 409.
type Error struct {
	Code    string         `json:"code"`
	Status  int            `json:"-"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// AsError maps a domain error onto its API shape. Anything unmapped is
// an internal error: the caller logs the cause and the client sees only
// the generic message.
func AsError(err error) *Error {
	var conflict *ledger.ConflictError
	if errors.As(err, &conflict) {
		return &Error{
			Code:    "CHECKOUT_FIRST",
			Status:  http.StatusConflict,
			Message: "Please check out first from " + conflict.SessionName,
			Details: map[string]any{
				"conflictingSessionId":   conflict.SessionID,
				"conflictingSessionName": conflict.SessionName,
			},
		}
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, identity.ErrCardNotFound):
		return &Error{Code: "CARD_NOT_FOUND", Status: http.StatusNotFound, Message: "Card not registered"}
	case errors.Is(err, identity.ErrCardInactive):
		return &Error{Code: "CARD_INACTIVE", Status: http.StatusForbidden, Message: "Card is deactivated"}
	case errors.Is(err, identity.ErrCardNotAssigned):
		return &Error{Code: "CARD_NOT_ASSIGNED", Status: http.StatusForbidden, Message: "Card is not assigned to anyone"}
	case errors.Is(err, identity.ErrSubscriberNotFound):
		return &Error{Code: "SUBSCRIBER_NOT_FOUND", Status: http.StatusNotFound, Message: "Subscriber not found"}
	case errors.Is(err, identity.ErrTokenInvalid):
		return &Error{Code: "QR_INVALID", Status: http.StatusBadRequest, Message: "Invalid or expired QR code"}
	case errors.Is(err, identity.ErrNetworkUnauthorized):
		return &Error{Code: "NETWORK_UNAUTHORIZED", Status: http.StatusForbidden, Message: "Network is not authorized for check-in"}
	case errors.Is(err, identity.ErrRecognitionFailed):
		return &Error{Code: "RECOGNITION_FAILED", Status: http.StatusUnprocessableEntity, Message: "Face recognition failed"}
	case errors.Is(err, identity.ErrFaceUnrecognized):
		return &Error{Code: "FACE_NOT_RECOGNIZED", Status: http.StatusUnauthorized, Message: "Face not recognized"}

	case errors.Is(err, session.ErrNotFound):
		return &Error{Code: "SESSION_NOT_FOUND", Status: http.StatusNotFound, Message: "Session not found"}
	case errors.Is(err, session.ErrWrongOrganization):
		return &Error{Code: "SESSION_FORBIDDEN", Status: http.StatusForbidden, Message: "Session belongs to another organization"}
	case errors.Is(err, session.ErrEnded):
		return &Error{Code: "SESSION_ENDED", Status: http.StatusBadRequest, Message: "Session has already ended"}
	case errors.Is(err, session.ErrNoActive):
		return &Error{Code: "NO_ACTIVE_SESSION", Status: http.StatusNotFound, Message: "No active session found"}

	case errors.Is(err, ledger.ErrAlreadyCompleted):
		return &Error{Code: "ALREADY_COMPLETED", Status: http.StatusBadRequest, Message: "Attendance already completed for this session"}
	case errors.Is(err, ledger.ErrConcurrentCheckIn):
		return &Error{Code: "CONCURRENT_CHECK_IN", Status: http.StatusConflict, Message: "Check-in already in progress, try again"}
	case errors.Is(err, ledger.ErrEntryNotFound):
		return &Error{Code: "ENTRY_NOT_FOUND", Status: http.StatusNotFound, Message: "Attendance entry not found"}
	case errors.Is(err, ledger.ErrEntryClosed):
		return &Error{Code: "ALREADY_CHECKED_OUT", Status: http.StatusBadRequest, Message: "Already checked out"}
	case errors.Is(err, ledger.ErrWrongOrganization):
		return &Error{Code: "ENTRY_FORBIDDEN", Status: http.StatusForbidden, Message: "Attendance entry belongs to another organization"}

	case errors.Is(err, ErrMethodNotAllowed):
		return &Error{Code: "METHOD_NOT_ALLOWED", Status: http.StatusBadRequest, Message: "Check-in method not allowed for this session"}
	case errors.Is(err, ErrSessionNotActive):
		return &Error{Code: "SESSION_NOT_ACTIVE", Status: http.StatusBadRequest, Message: "Session is not active"}
	case errors.Is(err, ErrImageInvalid):
		return &Error{Code: "IMAGE_INVALID", Status: http.StatusBadRequest, Message: "Image payload is not valid base64"}
	}

	return &Error{Code: "INTERNAL", Status: http.StatusInternalServerError, Message: "Something went wrong, please try again"}
}
