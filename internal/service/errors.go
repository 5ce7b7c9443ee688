package service

import (
	"errors"
	"fmt"
)

// Error codes shared between handlers, the RPC dispatcher, and clients.
const (
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeNotAvailable     = "NOT_AVAILABLE"
	CodeInternalError    = "INTERNAL_ERROR"
	CodePermissionDenied = "PERMISSION_DENIED"

	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionNotActive  = "SESSION_NOT_ACTIVE"
	CodeAlreadyInPlanMode = "ALREADY_IN_PLAN_MODE"
	CodeNotInPlanMode     = "NOT_IN_PLAN_MODE"

	CodeFileNotFound   = "FILE_NOT_FOUND"
	CodeFileError      = "FILE_ERROR"
	CodeAlreadyExists  = "ALREADY_EXISTS"
	CodeParentNotFound = "PARENT_NOT_FOUND"

	CodeBrowserError       = "BROWSER_ERROR"
	CodeFilesystemError    = "FILESYSTEM_ERROR"
	CodeTranscriptionError = "TRANSCRIPTION_ERROR"

	CodeRPCTimeout       = "RPC_TIMEOUT"
	CodeConnectionClosed = "CONNECTION_CLOSED"

	CodeContextExhausted  = "CONTEXT_EXHAUSTED"
	CodeEstimatedOverflow = "ESTIMATED_OVERFLOW"
)

// Error is a typed error carried from handlers to the RPC dispatcher.
// The code is machine-readable; the message is user-visible text.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds a typed error with a formatted message.
func E(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code from err; generic errors map to
// INTERNAL_ERROR with the error's message preserved by the caller.
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}

	switch {
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrSessionNotActive):
		return CodeSessionNotActive
	case errors.Is(err, ErrNotFound):
		return CodeFileNotFound
	case errors.Is(err, ErrInvalidParent), errors.Is(err, ErrInvalidPayload):
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}

// Sentinel errors for the event store. ErrSequenceRace is retryable: two
// appends raced on the same session head and the loser should retry.
var (
	ErrNotFound         = errors.New("not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session not active")
	ErrInvalidParent    = errors.New("invalid parent event")
	ErrSequenceRace     = errors.New("sequence allocation race")
	ErrInvalidPayload   = errors.New("invalid event payload")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrDependencyCycle  = errors.New("task dependency cycle")
)
