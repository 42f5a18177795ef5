package cli

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rescale/rescale-upload/internal/events"
)

// jsonEvent is one line of --progress json output.
type jsonEvent struct {
	Type       events.EventType `json:"type"`
	Time       time.Time        `json:"time"`
	SessionID  string           `json:"session_id,omitempty"`
	TargetPath string           `json:"target,omitempty"`
	State      string           `json:"state,omitempty"`
	BytesDone  int64            `json:"bytes_done,omitempty"`
	BytesTotal int64            `json:"bytes_total,omitempty"`
	Progress   float64          `json:"progress,omitempty"`
	Speed      float64          `json:"speed,omitempty"`
	Index      int              `json:"part,omitempty"`
	Attempt    int              `json:"attempt,omitempty"`
	Level      string           `json:"level,omitempty"`
	Message    string           `json:"message,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func toJSONEvent(ev events.Event) jsonEvent {
	out := jsonEvent{Type: ev.Type(), Time: ev.Timestamp()}
	switch e := ev.(type) {
	case *events.TransferEvent:
		out.SessionID = e.SessionID
		out.TargetPath = e.TargetPath
		out.State = e.State
		out.BytesDone = e.BytesDone
		out.BytesTotal = e.BytesTotal
		out.Progress = e.Progress
		out.Speed = e.Speed
		out.Error = errString(e.Error)
	case *events.RetryEvent:
		out.TargetPath = e.TargetPath
		out.Index = e.Index
		out.Attempt = e.Attempt
		out.Error = errString(e.Error)
	case *events.LogEvent:
		out.Level = e.Level.String()
		out.TargetPath = e.TargetPath
		out.Message = e.Message
		out.Error = errString(e.Error)
	}
	return out
}

// streamEvents writes every event published on bus to w as one JSON object
// per line. The returned channel is closed after the bus is closed and the
// last event was written.
func streamEvents(bus *events.EventBus, w io.Writer) <-chan struct{} {
	ch := bus.SubscribeAll()
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(w)
		for ev := range ch {
			_ = enc.Encode(toJSONEvent(ev))
		}
	}()
	return done
}
