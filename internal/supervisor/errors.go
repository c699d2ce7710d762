package supervisor

import (
	"errors"
	"fmt"
)

// Kind classifies supervisor failures for callers and the HTTP layer.
type Kind string

const (
	KindAdmissionDenied        Kind = "admission_denied"
	KindOwnershipViolation     Kind = "ownership_violation"
	KindProcessCreationFailure Kind = "process_creation_failure"
	KindProcessCrash           Kind = "process_crash"
	KindStaleArtifact          Kind = "stale_artifact"
	KindNotFound               Kind = "not_found"
	KindNotRunning             Kind = "not_running"
	KindAlreadyRunning         Kind = "already_running"
	KindInvalidConfig          Kind = "invalid_config"
)

// Error is the typed error every supervisor operation returns.
type Error struct {
	Kind  Kind
	BotID string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.BotID != "" {
		msg = fmt.Sprintf("%s: %s", e.BotID, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) style sentinels match on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.BotID == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrAdmissionDenied    = &Error{Kind: KindAdmissionDenied}
	ErrForbidden          = &Error{Kind: KindOwnershipViolation}
	ErrCreationFailed     = &Error{Kind: KindProcessCreationFailure}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrNotRunning         = &Error{Kind: KindNotRunning}
	ErrAlreadyRunning     = &Error{Kind: KindAlreadyRunning}
	ErrInvalidConfig      = &Error{Kind: KindInvalidConfig}
	ErrSupervisorShutdown = errors.New("supervisor is shutting down")
	ErrCreditsDisabled    = errors.New("credits are disabled")
)

func newError(kind Kind, botID, msg string, err error) *Error {
	return &Error{Kind: kind, BotID: botID, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
