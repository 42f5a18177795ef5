// Package progress delivers transfer progress to observers: terminal bars,
// throttled log lines, the event bus, or plain counters for callers that poll.
package progress

import "github.com/rescale/rescale-upload/internal/cloud/storage"

// State is the lifecycle state of an upload session.
type State int

const (
	StateInitializing State = iota
	StateTransferring
	StateFinalizing
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateTransferring:
		return "transferring"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// Sink receives progress from a session.
//
// OnAdvance is called once per acknowledged chunk with the chunk length and the
// file size. OnTerminal is called exactly once, last.
type Sink interface {
	OnAdvance(delta, total int64)
	OnTerminal(state State, err error)
}

// StateObserver is implemented by sinks that want every state transition.
type StateObserver interface {
	OnState(state State)
}

// RetryObserver is implemented by sinks that want to hear about part retries.
type RetryObserver interface {
	OnRetry(index, attempt int, err error)
}

// SessionObserver is implemented by sinks that want the remote session handle
// once it is known.
type SessionObserver interface {
	OnSession(handle storage.SessionHandle)
}

// NotifySession forwards the handle to s if it observes sessions.
func NotifySession(s Sink, handle storage.SessionHandle) {
	if o, ok := s.(SessionObserver); ok {
		o.OnSession(handle)
	}
}

// NotifyState forwards a transition to s if it observes states.
func NotifyState(s Sink, state State) {
	if o, ok := s.(StateObserver); ok {
		o.OnState(state)
	}
}

// NotifyRetry forwards a retry to s if it observes retries.
func NotifyRetry(s Sink, index, attempt int, err error) {
	if o, ok := s.(RetryObserver); ok {
		o.OnRetry(index, attempt, err)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) OnAdvance(delta, total int64)      {}
func (Nop) OnTerminal(state State, err error) {}

type multi []Sink

// Multi fans every callback out to sinks in order.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) OnAdvance(delta, total int64) {
	for _, s := range m {
		s.OnAdvance(delta, total)
	}
}

func (m multi) OnTerminal(state State, err error) {
	for _, s := range m {
		s.OnTerminal(state, err)
	}
}

func (m multi) OnState(state State) {
	for _, s := range m {
		NotifyState(s, state)
	}
}

func (m multi) OnSession(handle storage.SessionHandle) {
	for _, s := range m {
		NotifySession(s, handle)
	}
}

func (m multi) OnRetry(index, attempt int, err error) {
	for _, s := range m {
		NotifyRetry(s, index, attempt, err)
	}
}
