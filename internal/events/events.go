// Package events is a small publish/subscribe bus for transfer notifications.
// Publishing never blocks: a subscriber that falls behind loses events and the
// bus counts the drops.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rescale/rescale-upload/internal/constants"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	EventLog EventType = "log"

	EventTransferState     EventType = "transfer_state"     // Session entered a new state
	EventTransferProgress  EventType = "transfer_progress"  // Bytes acknowledged by the store
	EventTransferRetry     EventType = "transfer_retry"     // A part attempt failed and will be retried
	EventTransferCompleted EventType = "transfer_completed" // Finalized successfully
	EventTransferFailed    EventType = "transfer_failed"    // Ended with an error
	EventTransferCancelled EventType = "transfer_cancelled" // Cancelled by the caller
)

// LogLevel defines log severity levels
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// TransferEvent reports the state and progress of one upload session.
type TransferEvent struct {
	BaseEvent
	SessionID  string  // Remote multipart session id (empty before initiate)
	LocalPath  string  // Source file
	TargetPath string  // Destination in the store
	State      string  // Session state name
	BytesDone  int64   // Bytes acknowledged so far
	BytesTotal int64   // File size
	Progress   float64 // 0.0 to 1.0
	Speed      float64 // bytes/sec since the session started
	Error      error   // Error if failed
}

// RetryEvent reports a failed part attempt that will be retried.
type RetryEvent struct {
	BaseEvent
	TargetPath string
	Index      int
	Attempt    int
	Error      error
}

// LogEvent represents log messages
type LogEvent struct {
	BaseEvent
	Level      LogLevel
	Message    string
	TargetPath string
	Error      error
}

// EventBus manages event subscriptions and publishing
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event // Subscribers to all events
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64 // Count of dropped events due to full buffers
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to one or more event types.
// The returned channel is closed when the bus is closed.
func (eb *EventBus) Subscribe(eventTypes ...EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	if len(eventTypes) == 0 {
		eb.all = append(eb.all, ch)
		return ch
	}
	for _, t := range eventTypes {
		eb.subscribers[t] = append(eb.subscribers[t], ch)
	}
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	return eb.Subscribe()
}

// Publish sends an event to all subscribers without blocking.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		eb.send(ch, event)
	}
	for _, ch := range eb.all {
		eb.send(ch, event)
	}
}

func (eb *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		// Warn every 100 drops to avoid log spam
		if dropped := eb.droppedEvents.Add(1); dropped%100 == 1 {
			log.Warn().Int64("dropped", dropped).Str("event", string(event.Type())).
				Msg("Event subscriber is falling behind, dropping events")
		}
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	// A channel subscribed to several types must only be closed once.
	seen := make(map[chan Event]bool)
	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	for _, ch := range eb.all {
		close(ch)
	}
}

// Unsubscribe removes a subscription channel from every event type.
// This prevents memory leaks from abandoned subscriptions
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	for eventType, subscribers := range eb.subscribers {
		eb.subscribers[eventType] = removeChan(subscribers, ch)
	}
	eb.all = removeChan(eb.all, ch)
}

func removeChan(list []chan Event, ch <-chan Event) []chan Event {
	for i, c := range list {
		if c == ch {
			list[i] = list[len(list)-1]
			return list[:len(list)-1]
		}
	}
	return list
}

// PublishLog is a convenience method for publishing log events
func (eb *EventBus) PublishLog(level LogLevel, message, targetPath string, err error) {
	eb.Publish(&LogEvent{
		BaseEvent:  BaseEvent{EventType: EventLog, Time: time.Now()},
		Level:      level,
		Message:    message,
		TargetPath: targetPath,
		Error:      err,
	})
}

// DroppedEvents returns the total number of events dropped due to full buffers
// Useful for monitoring and detecting if buffer sizes need adjustment
func (eb *EventBus) DroppedEvents() int64 {
	return eb.droppedEvents.Load()
}
