// Package cloud holds transfer instrumentation shared by every store.
//
// Enable timing output by setting RESCALE_TIMING=1.
// Output format: [TIMING] phase_name: duration (optional_details)
//
// Example output:
//
//	[TIMING] InitiateMultipart: 45ms
//	[TIMING] Part 1: transferred=850ms size=32MiB
//	[TIMING] CompleteMultipart: 120ms
//	[TIMING] upload summary: 10 parts, 320MiB total, avg=34.8MiB/s rolling=35.1MiB/s
package cloud

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
)

// TimingEnabled returns true if RESCALE_TIMING=1 environment variable is set.
func TimingEnabled() bool {
	return os.Getenv("RESCALE_TIMING") == "1"
}

// TimingLog writes a timing message to w if RESCALE_TIMING=1.
// If w is nil, os.Stderr is used.
func TimingLog(w io.Writer, format string, args ...interface{}) {
	if !TimingEnabled() {
		return
	}
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, "[TIMING] %s\n", fmt.Sprintf(format, args...))
}

// Timer tracks elapsed time for a named phase.
// Stop is idempotent and safe for concurrent use.
type Timer struct {
	name    string
	start   time.Time
	w       io.Writer
	stopped int32 // atomic flag
}

// StartTimer creates a new timer. The timer uses os.Stderr if w is nil.
func StartTimer(w io.Writer, name string) *Timer {
	if w == nil {
		w = os.Stderr
	}
	return &Timer{name: name, start: time.Now(), w: w}
}

// Stop logs the elapsed time and returns the duration.
// Only the first call logs.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if atomic.CompareAndSwapInt32(&t.stopped, 0, 1) && TimingEnabled() {
		fmt.Fprintf(t.w, "[TIMING] %s: %v\n", t.name, elapsed)
	}
	return elapsed
}

// Elapsed returns the current elapsed time without stopping the timer.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// StopWithThroughput logs elapsed time with throughput information.
func (t *Timer) StopWithThroughput(bytes int64) time.Duration {
	elapsed := time.Since(t.start)
	if atomic.CompareAndSwapInt32(&t.stopped, 0, 1) && TimingEnabled() {
		speed := float64(0)
		if elapsed > 0 {
			speed = float64(bytes) / elapsed.Seconds()
		}
		fmt.Fprintf(t.w, "[TIMING] %s: %v (total %s at %s)\n",
			t.name, elapsed, units.BytesSize(float64(bytes)), FormatSpeed(speed))
	}
	return elapsed
}

// PartTimer aggregates per-part transfer times of a multipart upload.
type PartTimer struct {
	name string
	w    io.Writer
	mu   sync.Mutex

	completedParts int
	totalBytes     int64
	totalDuration  time.Duration

	// Rolling window for the speed average
	recentSpeeds []float64
	maxRecent    int
}

// NewPartTimer creates a part timer. os.Stderr is used if w is nil.
func NewPartTimer(w io.Writer, name string) *PartTimer {
	if w == nil {
		w = os.Stderr
	}
	return &PartTimer{name: name, w: w, maxRecent: 10}
}

// RecordPart records one acknowledged part.
func (pt *PartTimer) RecordPart(index int, transfer time.Duration, bytes int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.completedParts++
	pt.totalBytes += bytes
	pt.totalDuration += transfer

	if transfer > 0 {
		pt.recentSpeeds = append(pt.recentSpeeds, float64(bytes)/transfer.Seconds())
		if len(pt.recentSpeeds) > pt.maxRecent {
			pt.recentSpeeds = pt.recentSpeeds[1:]
		}
	}

	if TimingEnabled() {
		fmt.Fprintf(pt.w, "[TIMING] Part %d: transferred=%v size=%s\n", index, transfer, units.BytesSize(float64(bytes)))
	}
}

// Summary logs aggregate statistics for all recorded parts.
func (pt *PartTimer) Summary() {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if !TimingEnabled() || pt.completedParts == 0 {
		return
	}

	avgSpeed := float64(0)
	if pt.totalDuration > 0 {
		avgSpeed = float64(pt.totalBytes) / pt.totalDuration.Seconds()
	}
	rollingAvg := float64(0)
	if len(pt.recentSpeeds) > 0 {
		sum := float64(0)
		for _, s := range pt.recentSpeeds {
			sum += s
		}
		rollingAvg = sum / float64(len(pt.recentSpeeds))
	}

	fmt.Fprintf(pt.w, "[TIMING] %s summary: %d parts, %s total, avg=%s rolling=%s\n",
		pt.name, pt.completedParts, units.BytesSize(float64(pt.totalBytes)),
		FormatSpeed(avgSpeed), FormatSpeed(rollingAvg))
}

// Stats returns current statistics without logging.
func (pt *PartTimer) Stats() (completedParts int, totalBytes int64, avgSpeed float64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	completedParts = pt.completedParts
	totalBytes = pt.totalBytes
	if pt.totalDuration > 0 {
		avgSpeed = float64(pt.totalBytes) / pt.totalDuration.Seconds()
	}
	return
}

// FormatSpeed returns a human-readable speed in bytes/second.
func FormatSpeed(bytesPerSec float64) string {
	return units.BytesSize(bytesPerSec) + "/s"
}

// TimedStore wraps a store and reports the duration of every remote call.
// Timings are only written when RESCALE_TIMING=1, but statistics are always
// collected.
type TimedStore struct {
	inner storage.RemoteStore
	w     io.Writer
	parts *PartTimer
}

// timedDirectStore adds PutObject when the wrapped store has it, so wrapping
// does not change which upload path the engine takes.
type timedDirectStore struct {
	*TimedStore
	direct storage.DirectUploader
}

// WithTiming wraps store. w defaults to os.Stderr.
func WithTiming(store storage.RemoteStore, w io.Writer) storage.RemoteStore {
	if w == nil {
		w = os.Stderr
	}
	ts := &TimedStore{inner: store, w: w, parts: NewPartTimer(w, "upload")}
	if direct, ok := store.(storage.DirectUploader); ok {
		return &timedDirectStore{TimedStore: ts, direct: direct}
	}
	return ts
}

// Parts returns the part statistics collected so far.
func (s *TimedStore) Parts() *PartTimer { return s.parts }

// Limits implements storage.LimitedStore by forwarding to the wrapped store.
func (s *TimedStore) Limits() storage.Limits {
	return storage.StoreLimits(s.inner)
}

func (s *TimedStore) InitiateMultipart(ctx context.Context, targetPath string) (string, error) {
	t := StartTimer(s.w, "InitiateMultipart")
	defer t.Stop()
	return s.inner.InitiateMultipart(ctx, targetPath)
}

func (s *TimedStore) UploadPart(ctx context.Context, sessionID, targetPath string, index int, body io.ReadSeeker, size int64) (string, error) {
	start := time.Now()
	tok, err := s.inner.UploadPart(ctx, sessionID, targetPath, index, body, size)
	if err == nil {
		s.parts.RecordPart(index, time.Since(start), size)
	} else {
		TimingLog(s.w, "Part %d: failed after %v: %v", index, time.Since(start), err)
	}
	return tok, err
}

func (s *TimedStore) CompleteMultipart(ctx context.Context, sessionID, targetPath string, parts []storage.CompletedPart) (string, error) {
	t := StartTimer(s.w, "CompleteMultipart")
	loc, err := s.inner.CompleteMultipart(ctx, sessionID, targetPath, parts)
	t.Stop()
	if err == nil {
		s.parts.Summary()
	}
	return loc, err
}

func (s *TimedStore) AbortMultipart(ctx context.Context, sessionID, targetPath string) error {
	t := StartTimer(s.w, "AbortMultipart")
	defer t.Stop()
	return s.inner.AbortMultipart(ctx, sessionID, targetPath)
}

func (s *timedDirectStore) PutObject(ctx context.Context, targetPath string, body io.ReadSeeker, size int64) (string, error) {
	t := StartTimer(s.w, "PutObject")
	loc, err := s.direct.PutObject(ctx, targetPath, body, size)
	t.StopWithThroughput(size)
	return loc, err
}
