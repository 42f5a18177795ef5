package progress

import (
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/logging"
)

// LogSink writes progress as log lines, at most one per interval.
// Used when stderr is not a terminal.
type LogSink struct {
	logger   *logging.Logger
	interval time.Duration

	mu       sync.Mutex
	done     int64
	lastLog  time.Time
	start    time.Time
	lastDone int64
}

// NewLogSink creates a sink logging through logger. interval <= 0 uses the
// default progress interval.
func NewLogSink(logger *logging.Logger, interval time.Duration) *LogSink {
	if interval <= 0 {
		interval = constants.ProgressUpdateInterval
	}
	return &LogSink{logger: logger, interval: interval, start: time.Now()}
}

func (s *LogSink) OnState(state State) {
	s.logger.Debug().Str("state", state.String()).Msg("Upload state changed")
}

func (s *LogSink) OnRetry(index, attempt int, err error) {
	s.logger.Warn().Int("index", index).Int("attempt", attempt).Err(err).Msg("Retrying part")
}

func (s *LogSink) OnAdvance(delta, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.done += delta
	now := time.Now()
	if s.done < total && now.Sub(s.lastLog) < s.interval {
		return
	}

	var pct float64
	if total > 0 {
		pct = float64(s.done) * 100 / float64(total)
	}
	since, sinceDone := s.lastLog, s.lastDone
	if since.IsZero() {
		since = s.start
	}
	var rate float64
	if secs := now.Sub(since).Seconds(); secs > 0 {
		rate = float64(s.done-sinceDone) / secs
	}
	s.logger.Info().
		Str("done", units.BytesSize(float64(s.done))).
		Str("total", units.BytesSize(float64(total))).
		Str("rate", units.BytesSize(rate)+"/s").
		Msgf("Upload %.1f%%", pct)
	s.lastLog = now
	s.lastDone = s.done
}

func (s *LogSink) OnTerminal(state State, err error) {
	s.mu.Lock()
	done := s.done
	elapsed := time.Since(s.start)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Str("state", state.String()).Err(err).
			Str("uploaded", units.BytesSize(float64(done))).Msg("Upload did not complete")
		return
	}
	s.logger.Info().Str("state", state.String()).
		Str("uploaded", units.BytesSize(float64(done))).
		Dur("elapsed", elapsed.Round(time.Millisecond)).Msg("Upload finished")
}
