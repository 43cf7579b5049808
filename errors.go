package boreal

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
)

// Server error codes consumed by the session state machine. The numeric
// values are part of the service protocol and must not change.
const (
	CodeIncorrectCredentials = "390100"
	CodeSessionTokenInvalid  = "390104"
	CodeGoneSession          = "390111"
	CodeSessionTokenExpired  = "390112"
	CodeMasterTokenExpired   = "390114"

	CodeQueryInProgress      = "333333"
	CodeQueryInProgressAsync = "333334"
)

// Client error codes for local API misuse. These mirror the SQL-state style
// numbering used by the other Boreal drivers.
const (
	ErrCodeConnectWhileConnecting   = 405501
	ErrCodeConnectWhileConnected    = 405502
	ErrCodeConnectWhileDisconnected = 405503

	ErrCodeDestroyWhilePristine     = 406501
	ErrCodeDestroyWhileDisconnected = 406502

	ErrCodeRequestWhilePristine     = 407001
	ErrCodeRequestWhileDisconnected = 407002
)

// ErrOCSPRevoked is the cause wrapped into a NetworkError when certificate
// revocation checking rejects the peer. Retrying such a failure would only
// mask a security problem, so it is classified fatal.
var ErrOCSPRevoked = errors.New("boreal: certificate revoked by OCSP")

// ClientError reports a local precondition violation, such as calling
// Connect on a session that is already connected. Client errors are
// synchronous and never retried.
type ClientError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func clientError(code int, message string) *ClientError {
	return &ClientError{Code: code, Message: message}
}

// NetworkError wraps a transport-level failure for which no response was
// received.
type NetworkError struct {
	Cause error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// RequestFailedError reports a non-200 HTTP response from the service.
type RequestFailedError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("request failed (status code: %d)", e.StatusCode)
}

// OperationFailedError reports a 200 response whose envelope carried
// success=false. It holds the server error code, message, SQL state, and the
// raw data payload of the envelope.
type OperationFailedError struct {
	Code     string
	Message  string
	SQLState string
	Data     json.RawMessage
}

// Error implements the error interface.
func (e *OperationFailedError) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("%s (code: %s, sqlState: %s)", e.Message, e.Code, e.SQLState)
	}
	return fmt.Sprintf("%s (code: %s)", e.Message, e.Code)
}

// InFlightContext extracts the opaque in-flight continuation token from the
// error's data payload, if the server handed one back. It must be echoed on
// the next login attempt.
func (e *OperationFailedError) InFlightContext() json.RawMessage {
	return inFlightContextFromData(e.Data)
}

func inFlightContextFromData(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	var payload struct {
		InFlightCtx json.RawMessage `json:"inFlightCtx"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}
	return payload.InFlightCtx
}

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsRequestFailedError reports whether err is (or wraps) a RequestFailedError.
func IsRequestFailedError(err error) bool {
	var rf *RequestFailedError
	return errors.As(err, &rf)
}

// operationErrorCode returns the server error code carried by err, or the
// empty string if err is not an OperationFailedError.
func operationErrorCode(err error) string {
	var oe *OperationFailedError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// isRetryableNetworkError reports whether a network-level failure is worth
// retrying. Certificate problems and OCSP revocation are fatal: retrying
// cannot fix them. Context cancellation is never retried.
func isRetryableNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrOCSPRevoked) {
		return false
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return false
	}
	var invalidCert x509.CertificateInvalidError
	if errors.As(err, &invalidCert) {
		return false
	}
	var hostname x509.HostnameError
	return !errors.As(err, &hostname)
}

// isRetryableHTTPError reports whether err is an HTTP-failure error whose
// status code indicates a retryable condition.
func isRetryableHTTPError(err error, retry403 bool) bool {
	var rf *RequestFailedError
	if !errors.As(err, &rf) {
		return false
	}
	return isRetryableStatusCode(rf.StatusCode, retry403)
}
