package events

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func progressEvent(done int64) *TransferEvent {
	return &TransferEvent{
		BaseEvent:  BaseEvent{EventType: EventTransferProgress, Time: time.Now()},
		TargetPath: "bucket/data.bin",
		BytesDone:  done,
		BytesTotal: 100,
		Progress:   float64(done) / 100,
	}
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventTransferProgress)
	bus.Publish(progressEvent(50))

	select {
	case received := <-ch:
		progress, ok := received.(*TransferEvent)
		if !ok {
			t.Fatal("Expected TransferEvent")
		}
		if progress.TargetPath != "bucket/data.bin" {
			t.Errorf("Expected target 'bucket/data.bin', got '%s'", progress.TargetPath)
		}
		if progress.Progress != 0.5 {
			t.Errorf("Expected progress 0.5, got %f", progress.Progress)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}
}

func TestEventBus_MultipleTypesOneChannel(t *testing.T) {
	bus := NewEventBus(10)

	ch := bus.Subscribe(EventTransferCompleted, EventTransferFailed)
	bus.Publish(&TransferEvent{BaseEvent: BaseEvent{EventType: EventTransferFailed, Time: time.Now()}})
	bus.Publish(&TransferEvent{BaseEvent: BaseEvent{EventType: EventTransferCompleted, Time: time.Now()}})
	bus.Publish(progressEvent(1))

	got := []EventType{(<-ch).Type(), (<-ch).Type()}
	if got[0] != EventTransferFailed || got[1] != EventTransferCompleted {
		t.Errorf("unexpected event order: %v", got)
	}

	// Closing must not double-close a channel registered for two types.
	bus.Close()
	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after bus.Close()")
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	all := bus.SubscribeAll()
	bus.Publish(progressEvent(10))
	bus.PublishLog(WarnLevel, "retrying", "bucket/data.bin", nil)

	for _, want := range []EventType{EventTransferProgress, EventLog} {
		select {
		case e := <-all:
			if e.Type() != want {
				t.Errorf("expected %s, got %s", want, e.Type())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for %s", want)
		}
	}
}

func TestEventBus_NonBlocking(t *testing.T) {
	bus := NewEventBus(2) // Small buffer
	defer bus.Close()

	ch := bus.Subscribe(EventTransferProgress)

	// Should not block - excess events are dropped
	for i := 0; i < 10; i++ {
		bus.Publish(progressEvent(int64(i)))
	}

	if dropped := bus.DroppedEvents(); dropped != 8 {
		t.Errorf("expected 8 dropped events, got %d", dropped)
	}
	if len(ch) != 2 {
		t.Errorf("expected 2 buffered events, got %d", len(ch))
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventTransferProgress)
	bus.Unsubscribe(ch)
	bus.Publish(progressEvent(1))

	select {
	case e := <-ch:
		t.Errorf("unsubscribed channel received %v", e)
	default:
	}
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.Subscribe(EventTransferProgress)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after bus.Close()")
	}

	// Publishing after close should not panic
	bus.Publish(progressEvent(1))

	if _, ok := <-bus.Subscribe(EventLog); ok {
		t.Error("Subscribing to a closed bus should return a closed channel")
	}
}

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
		{LogLevel(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level %d: expected %s, got %s", tt.level, tt.expected, got)
		}
	}
}

func TestLogWriter_PublishesZerologEntries(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()
	ch := bus.Subscribe(EventLog)

	logger := zerolog.New(NewLogWriter(bus)).With().Timestamp().Str("target", "bucket/data.bin").Logger()
	logger.Warn().Err(errors.New("503 slow down")).Int("index", 4).Msg("Retrying after transient failure")

	select {
	case ev := <-ch:
		le, ok := ev.(*LogEvent)
		if !ok {
			t.Fatalf("expected LogEvent, got %T", ev)
		}
		if le.Level != WarnLevel {
			t.Errorf("expected WARN, got %v", le.Level)
		}
		if le.Message != "Retrying after transient failure index=4" {
			t.Errorf("unexpected message %q", le.Message)
		}
		if le.TargetPath != "bucket/data.bin" {
			t.Errorf("unexpected target %q", le.TargetPath)
		}
		if le.Error == nil || le.Error.Error() != "503 slow down" {
			t.Errorf("unexpected error %v", le.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("no log event published")
	}
}

func TestLogWriter_PlainText(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()
	ch := bus.Subscribe(EventLog)

	if _, err := NewLogWriter(bus).Write([]byte("not json\n")); err != nil {
		t.Fatal(err)
	}
	le := (<-ch).(*LogEvent)
	if le.Message != "not json" || le.Level != InfoLevel {
		t.Errorf("unexpected event %+v", le)
	}
}
