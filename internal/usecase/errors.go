package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrorNotFound       ErrorCode = "NOT_FOUND"
	ErrorBusy           ErrorCode = "BUSY"
	ErrorAPIKeyRejected ErrorCode = "API_KEY_REJECTED"
	ErrorRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorUpstream       ErrorCode = "UPSTREAM_ERROR"
	ErrorTimeout        ErrorCode = "TIMEOUT"
	ErrorInternal       ErrorCode = "INTERNAL_ERROR"
)

// Messages shown to the user.
const (
	MessageAPIKey         = "API Key issue. Please select a valid paid project API key."
	MessageGenerateFailed = "Failed to generate image"
	MessageEditFailed     = "Failed to edit"
	MessageAnimateFailed  = "Failed to animate"
)

// Error is a classified usecase failure. Message is safe to display.
type Error struct {
	Code    ErrorCode
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func (e *Error) withMessage(msg string) *Error {
	e.Message = msg
	return e
}
