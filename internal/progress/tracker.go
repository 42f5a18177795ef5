package progress

import (
	"sync"
	"sync/atomic"
)

// Tracker keeps lock-free counters of everything a session reports.
// It is the sink to poll from another goroutine.
type Tracker struct {
	bytesDone  atomic.Int64
	bytesTotal atomic.Int64
	retries    atomic.Int64
	state      atomic.Int32

	mu  sync.Mutex
	err error
}

// TrackerSnapshot is a point-in-time copy of a Tracker.
type TrackerSnapshot struct {
	BytesDone  int64
	BytesTotal int64
	Retries    int64
	State      State
	Err        error
}

// Fraction returns BytesDone / BytesTotal in [0, 1]. An empty transfer is
// complete once it reaches StateCompleted.
func (s TrackerSnapshot) Fraction() float64 {
	if s.BytesTotal <= 0 {
		if s.State == StateCompleted {
			return 1
		}
		return 0
	}
	return float64(s.BytesDone) / float64(s.BytesTotal)
}

func (t *Tracker) OnAdvance(delta, total int64) {
	t.bytesTotal.Store(total)
	t.bytesDone.Add(delta)
}

func (t *Tracker) OnState(state State) {
	t.state.Store(int32(state))
}

func (t *Tracker) OnRetry(index, attempt int, err error) {
	t.retries.Add(1)
}

func (t *Tracker) OnTerminal(state State, err error) {
	t.state.Store(int32(state))
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() TrackerSnapshot {
	t.mu.Lock()
	err := t.err
	t.mu.Unlock()
	return TrackerSnapshot{
		BytesDone:  t.bytesDone.Load(),
		BytesTotal: t.bytesTotal.Load(),
		Retries:    t.retries.Load(),
		State:      State(t.state.Load()),
		Err:        err,
	}
}
