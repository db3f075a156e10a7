package engine

import "errors"

// Sentinel errors returned by engine operations. Validation failures are
// returned synchronously and never mutate state.
var (
	ErrUnknownSession    = errors.New("unknown session")
	ErrUnknownProject    = errors.New("unknown project")
	ErrUnknownConflict   = errors.New("unknown conflict")
	ErrNotHolder         = errors.New("session does not hold the lock")
	ErrAlreadyResolved   = errors.New("conflict already resolved")
	ErrInvalidTransition = errors.New("invalid transition")
)

// ErrorCode maps an engine error to its stable wire code. Consumers translate
// codes into human-facing messages; the engine never formats user text.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, ErrUnknownProject):
		return "unknown_project"
	case errors.Is(err, ErrUnknownConflict):
		return "unknown_conflict"
	case errors.Is(err, ErrNotHolder):
		return "not_holder"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "internal"
	}
}
