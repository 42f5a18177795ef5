package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// LogWriter publishes zerolog output as LogEvents, so log lines share the
// bus with transfer events instead of a terminal. Give it to a logger that
// writes JSON; each Write is one log entry.
type LogWriter struct {
	bus *EventBus
}

// NewLogWriter returns a writer publishing to bus.
func NewLogWriter(bus *EventBus) *LogWriter {
	return &LogWriter{bus: bus}
}

// Write implements io.Writer. The level is read from the entry itself.
func (w *LogWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (w *LogWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var entry map[string]interface{}
	if err := json.Unmarshal(p, &entry); err != nil {
		// not zerolog JSON, pass the text through
		if msg := strings.TrimSpace(string(p)); msg != "" {
			w.bus.PublishLog(toLogLevel(level), msg, "", nil)
		}
		return len(p), nil
	}

	if level == zerolog.NoLevel {
		if s, ok := entry[zerolog.LevelFieldName].(string); ok {
			if parsed, err := zerolog.ParseLevel(s); err == nil {
				level = parsed
			}
		}
	}
	msg, _ := entry[zerolog.MessageFieldName].(string)
	target, _ := entry["target"].(string)
	var entryErr error
	if s, ok := entry[zerolog.ErrorFieldName].(string); ok && s != "" {
		entryErr = errors.New(s)
	}

	delete(entry, zerolog.LevelFieldName)
	delete(entry, zerolog.MessageFieldName)
	delete(entry, zerolog.ErrorFieldName)
	delete(entry, zerolog.TimestampFieldName)
	delete(entry, "target")
	if len(entry) > 0 {
		keys := make([]string, 0, len(entry))
		for k := range entry {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(msg)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry[k])
		}
		msg = strings.TrimSpace(b.String())
	}

	w.bus.PublishLog(toLogLevel(level), msg, target, entryErr)
	return len(p), nil
}

func toLogLevel(level zerolog.Level) LogLevel {
	switch {
	case level == zerolog.NoLevel:
		return InfoLevel
	case level <= zerolog.DebugLevel:
		return DebugLevel
	case level == zerolog.InfoLevel:
		return InfoLevel
	case level == zerolog.WarnLevel:
		return WarnLevel
	default:
		return ErrorLevel
	}
}
