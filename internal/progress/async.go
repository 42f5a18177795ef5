package progress

import (
	"sync"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/constants"
)

type asyncKind int

const (
	asyncAdvance asyncKind = iota
	asyncState
	asyncRetry
	asyncSession
	asyncTerminal
)

type asyncEvent struct {
	kind    asyncKind
	delta   int64
	total   int64
	state   State
	index   int
	attempt int
	err     error
	handle  storage.SessionHandle
}

// AsyncSink decouples a slow sink from the session calling it. No method
// blocks on the wrapped sink.
//
// Advance deltas are summed while the sink is busy and delivered as one call.
// Session, state and terminal events are queued in order, each preceded by
// the advance bytes reported before it. Retries beyond the queue limit are
// dropped.
type AsyncSink struct {
	sink  Sink
	limit int

	mu      sync.Mutex
	queue   []asyncEvent
	retries int
	pending int64 // advance bytes not yet queued or delivered
	total   int64
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// Async starts a goroutine delivering events to sink. Close stops it once
// everything reported before Close was delivered. buffer bounds the queued
// retry events; <= 0 uses the default.
func Async(sink Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = constants.ProgressSinkBuffer
	}
	a := &AsyncSink{
		sink:  sink,
		limit: buffer,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncSink) OnAdvance(delta, total int64) {
	a.mu.Lock()
	if !a.closed {
		a.pending += delta
		a.total = total
	}
	a.mu.Unlock()
	a.signal()
}

func (a *AsyncSink) OnRetry(index, attempt int, err error) {
	a.mu.Lock()
	if !a.closed && a.retries < a.limit {
		a.retries++
		a.enqueueLocked(asyncEvent{kind: asyncRetry, index: index, attempt: attempt, err: err})
	}
	a.mu.Unlock()
	a.signal()
}

func (a *AsyncSink) OnSession(handle storage.SessionHandle) {
	a.enqueue(asyncEvent{kind: asyncSession, handle: handle})
}

func (a *AsyncSink) OnState(state State) {
	a.enqueue(asyncEvent{kind: asyncState, state: state})
}

func (a *AsyncSink) OnTerminal(state State, err error) {
	a.enqueue(asyncEvent{kind: asyncTerminal, state: state, err: err})
}

func (a *AsyncSink) enqueue(ev asyncEvent) {
	a.mu.Lock()
	if !a.closed {
		a.enqueueLocked(ev)
	}
	a.mu.Unlock()
	a.signal()
}

// enqueueLocked queues ev behind the advance bytes reported so far.
func (a *AsyncSink) enqueueLocked(ev asyncEvent) {
	if a.pending != 0 {
		a.queue = append(a.queue, asyncEvent{kind: asyncAdvance, delta: a.pending, total: a.total})
		a.pending = 0
	}
	a.queue = append(a.queue, ev)
}

func (a *AsyncSink) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting events and returns without waiting for the sink.
// Done is closed once the remaining events were delivered. Safe to call more
// than once.
func (a *AsyncSink) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.signal()
}

// Done is closed when the sink has received every event and the delivery
// goroutine has exited.
func (a *AsyncSink) Done() <-chan struct{} {
	return a.done
}

func (a *AsyncSink) run() {
	defer close(a.done)

	for range a.wake {
		a.mu.Lock()
		batch := a.queue
		a.queue = nil
		a.retries = 0
		delta, total := a.pending, a.total
		a.pending = 0
		closed := a.closed
		a.mu.Unlock()

		for _, ev := range batch {
			a.dispatch(ev)
		}
		if delta != 0 {
			a.sink.OnAdvance(delta, total)
		}
		if closed {
			return
		}
	}
}

func (a *AsyncSink) dispatch(ev asyncEvent) {
	switch ev.kind {
	case asyncAdvance:
		a.sink.OnAdvance(ev.delta, ev.total)
	case asyncState:
		NotifyState(a.sink, ev.state)
	case asyncRetry:
		NotifyRetry(a.sink, ev.index, ev.attempt, ev.err)
	case asyncSession:
		NotifySession(a.sink, ev.handle)
	case asyncTerminal:
		a.sink.OnTerminal(ev.state, ev.err)
	}
}
