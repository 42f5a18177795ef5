package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
)

// Class represents different classes of errors for retry strategy
type Class int

const (
	// Success indicates operation succeeded
	Success Class = iota
	// Retryable indicates transient failures worth another attempt
	// (timeouts, connection resets, 5xx, throttling)
	Retryable
	// Fatal indicates failures that no retry can fix (4xx, local file errors)
	Fatal
	// Canceled indicates the caller gave up
	Canceled
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify determines the retry class of err.
//
// Typed information wins: remote status codes, net.Error timeouts, errno
// values and the storage sentinels. Errors that carry none of these fall back
// to message heuristics collected from S3 and Azure failures; anything still
// unrecognized is fatal to avoid retrying unexpected errors forever.
func Classify(err error) Class {
	if err == nil {
		return Success
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, storage.ErrCanceled) {
		return Canceled
	}

	if errors.Is(err, storage.ErrFileUnavailable) ||
		errors.Is(err, storage.ErrInvalidConfiguration) ||
		errors.Is(err, storage.ErrLedgerWrite) ||
		errors.Is(err, storage.ErrNoSuchUpload) {
		return Fatal
	}

	if code := storage.StatusCode(err); code != 0 {
		return classifyStatus(code)
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}

	return classifyMessage(err)
}

func classifyStatus(code int) Class {
	switch {
	case code >= 500:
		return Retryable
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Retryable
	case code >= 400:
		return Fatal
	default:
		return Retryable
	}
}

// statusText matches a retryable HTTP status in an untyped error message,
// either labelled ("status 503", "StatusCode: 429", "HTTP/1.1 502") or
// followed by its reason phrase ("504 Gateway Timeout"). A bare number such
// as a part index does not count.
var statusText = regexp.MustCompile(`(?i)(?:\b(?:status(?:\s*code)?|http(?:/[\d.]+)?|code)\s*[:=]?\s*(?:429|50[0234])\b)|` +
	`(?:\b(?:429\s+too many requests|500\s+internal server error|502\s+bad gateway|503\s+service unavailable|504\s+gateway time-?out)\b)`)

func classifyMessage(err error) Class {
	if storage.IsCredentialError(err) {
		return Fatal
	}

	errStr := strings.ToLower(err.Error())

	// Network errors - retryable with backoff
	if strings.Contains(errStr, "tls handshake timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "unexpected eof") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "timeout") {
		return Retryable
	}

	// AWS/Azure retryable errors - server issues, rate limiting
	if storage.IsServerError(err) || statusText.MatchString(errStr) {
		return Retryable
	}

	return Fatal
}
