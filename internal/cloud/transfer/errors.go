package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
)

// Kind classifies the terminal failure of a session.
type Kind int

const (
	KindInvalidConfiguration Kind = iota + 1
	KindFileUnavailable
	KindRemoteTransient
	KindRemoteRejected
	KindLedgerWriteFailure
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfiguration:
		return "invalid configuration"
	case KindFileUnavailable:
		return "file unavailable"
	case KindRemoteTransient:
		return "remote transient"
	case KindRemoteRejected:
		return "remote rejected"
	case KindLedgerWriteFailure:
		return "ledger write failure"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// TransferError is the terminal error of a session.
// State is the state the session was in when the failure happened and Index
// the part that caused it, or 0 when no single part did.
type TransferError struct {
	Kind  Kind
	State State
	Index int
	Err   error
}

func (e *TransferError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("upload %s while %s (part %d): %v", e.Kind, e.State, e.Index, e.Err)
	}
	return fmt.Sprintf("upload %s while %s: %v", e.Kind, e.State, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// KindOf maps an error to the failure kind it represents.
func KindOf(err error) Kind {
	var te *TransferError
	switch {
	case errors.As(err, &te):
		return te.Kind
	case errors.Is(err, storage.ErrInvalidConfiguration):
		return KindInvalidConfiguration
	case errors.Is(err, storage.ErrFileUnavailable):
		return KindFileUnavailable
	case errors.Is(err, storage.ErrLedgerWrite):
		return KindLedgerWriteFailure
	case errors.Is(err, storage.ErrCanceled), errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, storage.ErrRemoteTransient):
		return KindRemoteTransient
	default:
		return KindRemoteRejected
	}
}

// IsCanceled reports whether err ended a session by cancellation.
func IsCanceled(err error) bool {
	return KindOf(err) == KindCanceled
}

func invalidConfig(format string, args ...interface{}) error {
	return &TransferError{
		Kind:  KindInvalidConfiguration,
		State: StateInitializing,
		Err:   fmt.Errorf("%w: %s", storage.ErrInvalidConfiguration, fmt.Sprintf(format, args...)),
	}
}
