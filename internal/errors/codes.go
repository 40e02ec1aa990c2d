package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnauthorized indicates the caller lacks a valid principal or
	// the required capability.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// Moderation refusals
	CodeMuted  Code = "MUTED"
	CodeBanned Code = "BANNED"

	// Throttle refusals
	CodeRateLimited Code = "RATE_LIMITED"
	CodeSlowMode    Code = "SLOW_MODE"

	// Addressing errors
	CodeUnknownChannel Code = "UNKNOWN_CHANNEL"
	CodeNotFound       Code = "NOT_FOUND"

	// Content errors
	CodeBodyTooLong      Code = "BODY_TOO_LONG"
	CodeEmptyAfterFilter Code = "EMPTY_AFTER_FILTER"
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// DM errors
	CodeBlocked Code = "BLOCKED"

	// Trade errors
	CodeAlreadyInTrade Code = "ALREADY_IN_TRADE"
	CodeNotInThisTrade Code = "NOT_IN_THIS_TRADE"
	CodeTerminalState  Code = "TERMINAL_STATE"

	// CodeInternal indicates an unexpected failure; the cause is recorded
	// to the performance monitor error log.
	CodeInternal Code = "INTERNAL"
)

// Retryable reports whether a client may usefully retry the same request
// later without changing it.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeSlowMode, CodeInternal:
		return true
	default:
		return false
	}
}
