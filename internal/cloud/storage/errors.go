package storage

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error taxonomy of a transfer.
var (
	// ErrInvalidConfiguration indicates a caller error (bad chunk size, empty target).
	// Reported before any I/O happens.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrFileUnavailable indicates the source file vanished or changed since planning
	ErrFileUnavailable = errors.New("source file unavailable")
	// ErrRemoteTransient indicates a retryable remote failure that exhausted its attempts
	ErrRemoteTransient = errors.New("remote transient failure")
	// ErrRemoteRejected indicates the remote store refused the request
	ErrRemoteRejected = errors.New("remote rejected request")
	// ErrLedgerWrite indicates the resume ledger could not be durably written
	ErrLedgerWrite = errors.New("resume ledger write failed")
	// ErrCanceled indicates the transfer was canceled by the caller
	ErrCanceled = errors.New("transfer canceled")
	// ErrNoSuchUpload indicates the remote store does not know the multipart session
	ErrNoSuchUpload = errors.New("no such multipart upload")
)

// RemoteError is returned by store implementations for failed remote calls.
// StatusCode is the HTTP (or HTTP-equivalent) status; 0 when the request never
// got a response.
type RemoteError struct {
	Op         string
	StatusCode int
	Code       string
	Err        error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NewRemoteError wraps err for op. A nil err yields nil.
func NewRemoteError(op string, statusCode int, code string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Op: op, StatusCode: statusCode, Code: code, Err: err}
}

// StatusError builds a RemoteError from a bare HTTP status, for stores that
// speak HTTP directly.
func StatusError(op string, statusCode int, body string) error {
	msg := http.StatusText(statusCode)
	if body != "" {
		msg = body
	}
	return &RemoteError{Op: op, StatusCode: statusCode, Err: errors.New(msg)}
}

// RemoteTransientError is the session-fatal result of a retryable failure
// that persisted for every allowed attempt.
type RemoteTransientError struct {
	Attempts int
	Err      error
}

func (e *RemoteTransientError) Error() string {
	return fmt.Sprintf("remote transient failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RemoteTransientError) Unwrap() error { return e.Err }

func (e *RemoteTransientError) Is(target error) bool { return target == ErrRemoteTransient }

// RemoteRejectedError is a non-retryable remote failure (4xx-equivalent).
type RemoteRejectedError struct {
	Err error
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("remote rejected request: %v", e.Err)
}

func (e *RemoteRejectedError) Unwrap() error { return e.Err }

func (e *RemoteRejectedError) Is(target error) bool { return target == ErrRemoteRejected }

// StatusCode extracts the remote status code from err, or 0.
func StatusCode(err error) int {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// IsNetworkError checks if an error is network-related
// Useful for determining if an operation should be retried
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	networkIndicators := []string{
		"connection",    // connection refused, connection reset, etc.
		"timeout",       // i/o timeout, dial timeout, etc.
		"network",       // network unreachable, network error, etc.
		"eof",           // unexpected EOF
		"broken pipe",   // broken pipe
		"tls handshake", // TLS handshake errors
	}

	for _, indicator := range networkIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// IsServerError checks for server-side throttling or 5xx indicators in an
// error message, for errors that carry no typed status.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	serverIndicators := []string{
		"requesttimeout",
		"internalerror",
		"serviceunavailable",
		"service unavailable",
		"slowdown",
		"throttl",
		"serverbusy",
		"server busy",
		"operationtimeout",
	}

	for _, indicator := range serverIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// IsCredentialError checks if an error is authentication/authorization related
func IsCredentialError(err error) bool {
	if err == nil {
		return false
	}
	if code := StatusCode(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
		return true
	}

	errStr := strings.ToLower(err.Error())

	credentialIndicators := []string{
		"unauthorized",  // HTTP Unauthorized
		"expiredtoken",  // AWS specific
		"invalid token", // invalid authentication
		"authenticationfailed",
		"signaturedoesnotmatch",
	}

	for _, indicator := range credentialIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}
