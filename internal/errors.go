package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrorCode is the closed set of failure kinds visible on the wire. Every
// code has a fixed HTTP status and retryable flag; handlers pick a code
// rather than inventing ad hoc statuses, so a new kind cannot reach the
// client without an entry in errorClasses.
type ErrorCode string

const (
	ErrAuthInvalidToken     ErrorCode = "AUTH_INVALID_TOKEN"
	ErrAuthTokenExpired     ErrorCode = "AUTH_TOKEN_EXPIRED"
	ErrAuthRefreshFailed    ErrorCode = "AUTH_REFRESH_FAILED"
	ErrAuthDeviceRevoked    ErrorCode = "AUTH_DEVICE_REVOKED"
	ErrForbidden            ErrorCode = "FORBIDDEN"
	ErrTenantAccessDenied   ErrorCode = "TENANT_ACCESS_DENIED"
	ErrValidation           ErrorCode = "VALIDATION_ERROR"
	ErrNotFound             ErrorCode = "NOT_FOUND"
	ErrSyncConflict         ErrorCode = "SYNC_CONFLICT"
	ErrVersionMismatch      ErrorCode = "VERSION_MISMATCH"
	ErrRateLimited          ErrorCode = "RATE_LIMITED"
	ErrInvalidAPIVersion    ErrorCode = "INVALID_API_VERSION"
	ErrAPIVersionDeprecated ErrorCode = "API_VERSION_DEPRECATED"
	ErrInternal             ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable   ErrorCode = "SERVICE_UNAVAILABLE"
)

type errorClass struct {
	status    int
	retryable bool
}

var errorClasses = map[ErrorCode]errorClass{
	ErrAuthInvalidToken:     {http.StatusUnauthorized, false},
	ErrAuthTokenExpired:     {http.StatusUnauthorized, true},
	ErrAuthRefreshFailed:    {http.StatusUnauthorized, false},
	ErrAuthDeviceRevoked:    {http.StatusUnauthorized, false},
	ErrForbidden:            {http.StatusForbidden, false},
	ErrTenantAccessDenied:   {http.StatusForbidden, false},
	ErrValidation:           {http.StatusBadRequest, false},
	ErrNotFound:             {http.StatusNotFound, false},
	ErrSyncConflict:         {http.StatusConflict, true},
	ErrVersionMismatch:      {http.StatusConflict, true},
	ErrRateLimited:          {http.StatusTooManyRequests, true},
	ErrInvalidAPIVersion:    {http.StatusBadRequest, false},
	ErrAPIVersionDeprecated: {http.StatusBadRequest, false},
	ErrInternal:             {http.StatusInternalServerError, true},
	ErrServiceUnavailable:   {http.StatusServiceUnavailable, true},
}

// HandlerError is the error carrier handlers return up the stack. It pairs
// an ErrorCode with the underlying cause plus optional wire annotations
// (retryAfter for 429s, upgradeRequired for dead API versions).
type HandlerError struct {
	Code            ErrorCode
	Err             error
	Details         map[string]interface{}
	RetryAfterSecs  int
	UpgradeRequired bool
}

func (e *HandlerError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func (e *HandlerError) StatusCode() int {
	c, ok := errorClasses[e.Code]
	if !ok {
		return http.StatusInternalServerError
	}
	return c.status
}

func (e *HandlerError) Retryable() bool {
	c, ok := errorClasses[e.Code]
	if !ok {
		return true
	}
	return c.retryable
}

func NewHandlerError(code ErrorCode, err error) *HandlerError {
	return &HandlerError{Code: code, Err: err}
}

func Errorf(code ErrorCode, format string, args ...interface{}) *HandlerError {
	return &HandlerError{Code: code, Err: fmt.Errorf(format, args...)}
}

// Classify funnels any error into the closed taxonomy. A *HandlerError
// passes through untouched; anything else degrades to INTERNAL_ERROR.
func Classify(err error) *HandlerError {
	if herr, ok := err.(*HandlerError); ok {
		return herr
	}
	return &HandlerError{Code: ErrInternal, Err: err}
}

type errorBody struct {
	Error           ErrorCode              `json:"error"`
	Message         string                 `json:"message"`
	Details         map[string]interface{} `json:"details,omitempty"`
	Retryable       bool                   `json:"retryable"`
	RetryAfter      int                    `json:"retryAfter,omitempty"`
	UpgradeRequired bool                   `json:"upgradeRequired,omitempty"`
	Timestamp       string                 `json:"timestamp"`
	RequestID       string                 `json:"requestId,omitempty"`
}

// JSON returns the wire shape for this error. Internal causes are masked
// unless GATEWAY_DEBUG=1, so stack details never reach mobile clients in
// production deployments.
func (e *HandlerError) JSON(requestID string) []byte {
	msg := e.Error()
	if e.Code == ErrInternal && os.Getenv("GATEWAY_DEBUG") != "1" {
		msg = "internal server error"
	}
	b, _ := json.Marshal(errorBody{
		Error:           e.Code,
		Message:         msg,
		Details:         e.Details,
		Retryable:       e.Retryable(),
		RetryAfter:      e.RetryAfterSecs,
		UpgradeRequired: e.UpgradeRequired,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		RequestID:       requestID,
	})
	return b
}

// WriteError is the single boundary between failures and the wire. 5xx
// causes are reported to Sentry before the response is written.
func WriteError(w http.ResponseWriter, req *http.Request, err error) {
	herr := Classify(err)
	status := herr.StatusCode()
	if status >= 500 {
		GetSentryHubFromContextOrDefault(req.Context()).CaptureException(herr)
		DecorateLogger(req.Context(), logger.Error()).Err(herr.Err).Str("code", string(herr.Code)).Msg("request failed")
	}
	if herr.RetryAfterSecs > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", herr.RetryAfterSecs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(herr.JSON(RequestID(req.Context())))
}

// Assert verifies invariants which should never be broken during normal
// functioning of the program. If expr is false and GATEWAY_DEBUG=1 the
// program panics; otherwise an error is logged.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("GATEWAY_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	logger.Error().Msg("assertion failed: " + msg)
}
