package progress

import (
	"sync"
	"time"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/events"
)

// EventSink publishes session progress on an event bus, so any number of
// subscribers can follow a transfer.
type EventSink struct {
	bus        *events.EventBus
	localPath  string
	targetPath string

	mu        sync.Mutex
	sessionID string
	state     State
	done      int64
	total     int64
	start     time.Time
}

// NewEventSink creates a sink publishing events for one transfer.
func NewEventSink(bus *events.EventBus, localPath, targetPath string) *EventSink {
	return &EventSink{
		bus:        bus,
		localPath:  localPath,
		targetPath: targetPath,
		start:      time.Now(),
	}
}

func (s *EventSink) OnSession(handle storage.SessionHandle) {
	s.mu.Lock()
	s.sessionID = handle.RemoteSessionID
	s.mu.Unlock()
}

func (s *EventSink) OnState(state State) {
	s.mu.Lock()
	s.state = state
	if state == StateTransferring {
		s.start = time.Now()
	}
	ev := s.eventLocked(events.EventTransferState, nil)
	s.mu.Unlock()
	s.bus.Publish(ev)
}

func (s *EventSink) OnAdvance(delta, total int64) {
	s.mu.Lock()
	s.done += delta
	s.total = total
	ev := s.eventLocked(events.EventTransferProgress, nil)
	s.mu.Unlock()
	s.bus.Publish(ev)
}

func (s *EventSink) OnRetry(index, attempt int, err error) {
	s.bus.Publish(&events.RetryEvent{
		BaseEvent:  events.BaseEvent{EventType: events.EventTransferRetry, Time: time.Now()},
		TargetPath: s.targetPath,
		Index:      index,
		Attempt:    attempt,
		Error:      err,
	})
}

func (s *EventSink) OnTerminal(state State, err error) {
	eventType := events.EventTransferFailed
	switch state {
	case StateCompleted:
		eventType = events.EventTransferCompleted
	case StateAborted:
		eventType = events.EventTransferCancelled
	}

	s.mu.Lock()
	s.state = state
	ev := s.eventLocked(eventType, err)
	s.mu.Unlock()
	s.bus.Publish(ev)
}

func (s *EventSink) eventLocked(eventType events.EventType, err error) *events.TransferEvent {
	now := time.Now()
	ev := &events.TransferEvent{
		BaseEvent:  events.BaseEvent{EventType: eventType, Time: now},
		SessionID:  s.sessionID,
		LocalPath:  s.localPath,
		TargetPath: s.targetPath,
		State:      s.state.String(),
		BytesDone:  s.done,
		BytesTotal: s.total,
		Error:      err,
	}
	if s.total > 0 {
		ev.Progress = float64(s.done) / float64(s.total)
	}
	if elapsed := now.Sub(s.start).Seconds(); elapsed > 0 {
		ev.Speed = float64(s.done) / elapsed
	}
	return ev
}
