package feed

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable classification of a feed sync failure.
type ErrorCode string

const (
	ErrInvalidURL         ErrorCode = "INVALID_URL"
	ErrInvalidDateRange   ErrorCode = "INVALID_DATE_RANGE"
	ErrFeedTooLarge       ErrorCode = "FEED_TOO_LARGE"
	ErrInvalidICalContent ErrorCode = "INVALID_ICAL_CONTENT"
	ErrHTTPError          ErrorCode = "HTTP_ERROR"
	ErrFetchFailed        ErrorCode = "FETCH_FAILED"
	ErrParseFailed        ErrorCode = "PARSE_FAILED"
	ErrRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrUnsupportedType    ErrorCode = "UNSUPPORTED_FEED_TYPE"

	ErrMissingCredentials ErrorCode = "MISSING_CREDENTIALS"
	ErrTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrGoogleAPIError     ErrorCode = "GOOGLE_API_ERROR"
	ErrOAuthNotConfigured ErrorCode = "OAUTH_NOT_CONFIGURED"
	ErrTokenDecryptFailed ErrorCode = "TOKEN_DECRYPT_FAILED"
	ErrTokenRefreshFailed ErrorCode = "TOKEN_REFRESH_FAILED"
	ErrOAuthExchange      ErrorCode = "OAUTH_EXCHANGE_FAILED"

	ErrInvalidRRule     ErrorCode = "INVALID_RRULE"
	ErrExpansionFailed  ErrorCode = "EXPANSION_FAILED"
	ErrTooManyInstances ErrorCode = "TOO_MANY_INSTANCES"
)

// Error carries a code, the affected feed (when known), and the underlying
// cause.
type Error struct {
	Code   ErrorCode
	FeedID string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.FeedID != "" && e.Err != nil:
		return fmt.Sprintf("%s (feed %s): %v", e.Code, e.FeedID, e.Err)
	case e.FeedID != "":
		return fmt.Sprintf("%s (feed %s)", e.Code, e.FeedID)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed feed error wrapping cause. cause may be nil.
func NewError(code ErrorCode, feedID string, cause error) *Error {
	return &Error{Code: code, FeedID: feedID, Err: cause}
}

// Errorf builds a typed feed error with a formatted cause message.
func Errorf(code ErrorCode, feedID string, format string, args ...any) *Error {
	return &Error{Code: code, FeedID: feedID, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the ErrorCode of err, or "" when err is not a feed error.
func CodeOf(err error) ErrorCode {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
