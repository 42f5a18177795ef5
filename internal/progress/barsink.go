package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/rescale-upload/internal/constants"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// BarSink renders one upload as an mpb progress bar on stderr.
type BarSink struct {
	progress *mpb.Progress
	bar      *mpb.Bar
	out      io.Writer

	localPath  string
	targetPath string
	size       int64
	retries    atomic.Int32

	mu         sync.Mutex
	lastUpdate time.Time
	startTime  time.Time
}

// NewBarSink creates a bar for uploading size bytes of localPath to targetPath.
func NewBarSink(localPath, targetPath string, size int64) *BarSink {
	return newBarSink(os.Stderr, localPath, targetPath, size)
}

func newBarSink(out *os.File, localPath, targetPath string, size int64) *BarSink {
	// Enable ANSI escape sequences on Windows for proper progress bar rendering
	enableANSI(out)

	b := &BarSink{
		progress: mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(constants.ProgressUpdateInterval),
			mpb.WithWidth(100),
		),
		out:        out,
		localPath:  localPath,
		targetPath: targetPath,
		size:       size,
		lastUpdate: time.Now(),
		startTime:  time.Now(),
	}

	sourcePath := truncatePath(localPath, 2)
	b.bar = b.progress.New(size,
		mpb.BarStyle().
			Lbound("[").
			Filler("█").
			Tip("█").
			Padding("░").
			Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(s decor.Statistics) string {
				base := fmt.Sprintf("%s → %s", sourcePath, targetPath)
				if retries := b.retries.Load(); retries > 0 {
					return fmt.Sprintf("%s (retry %d)", base, retries)
				}
				return base
			}, decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 30, decor.WCSyncSpace),
			decor.Name("  "),
			decor.Name("ETA ", decor.WCSyncWidth),
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
		),
		mpb.BarRemoveOnComplete(),
	)
	return b
}

// OnState restarts the rate clock when bytes start moving, so planning and
// session setup are not counted against throughput.
func (b *BarSink) OnState(state State) {
	if state == StateTransferring {
		b.mu.Lock()
		b.startTime = time.Now()
		b.lastUpdate = b.startTime
		b.mu.Unlock()
	}
}

// OnAdvance feeds the bar with EWMA timing for speed and ETA.
func (b *BarSink) OnAdvance(delta, total int64) {
	b.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(b.lastUpdate)
	b.lastUpdate = now
	b.mu.Unlock()

	b.bar.EwmaIncrInt64(delta, elapsed)
}

// OnRetry updates the retry counter shown next to the bar label.
func (b *BarSink) OnRetry(index, attempt int, err error) {
	b.retries.Add(1)
}

// OnTerminal finishes the bar and prints a summary line above it.
func (b *BarSink) OnTerminal(state State, err error) {
	b.mu.Lock()
	elapsed := time.Since(b.startTime)
	b.mu.Unlock()

	var msg string
	if err == nil && state == StateCompleted {
		// Ensure exact 100% completion (no rounding errors)
		b.bar.SetCurrent(b.size)
		b.bar.SetTotal(b.size, true)
		speed := float64(b.size) / elapsed.Seconds() / (1024 * 1024)
		msg = fmt.Sprintf("✓ %s → %s (%.1f MiB, %s, %.1f MiB/s)\n",
			truncatePath(b.localPath, 2), b.targetPath,
			float64(b.size)/(1024*1024), elapsed.Round(time.Second), speed)
	} else {
		// Keep the bar visible to show how far it got
		b.bar.Abort(false)
		msg = fmt.Sprintf("✗ %s → %s: %s: %v (after %d retries)\n",
			truncatePath(b.localPath, 2), b.targetPath, state, err, b.retries.Load())
	}

	// Write through mpb's writer to avoid breaking the redraw
	b.progress.Write([]byte(msg))
}

// Writer returns an io.Writer that prints above the bar.
func (b *BarSink) Writer() io.Writer {
	return b.progress
}

// Wait blocks until the bar has rendered its final state.
func (b *BarSink) Wait() {
	b.progress.Wait()
}

// truncatePath truncates a file path to show only the last N components
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}
