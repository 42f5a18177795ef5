package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
)

// TextBarSink renders a single-line progress bar. Unlike BarSink it redraws
// with carriage returns only, so it works in simple terminals and CI logs
// that keep the last line.
type TextBarSink struct {
	bar *progressbar.ProgressBar
	out io.Writer
}

// NewTextBarSink creates a bar of total bytes labeled description.
func NewTextBarSink(out io.Writer, total int64, description string) *TextBarSink {
	return &TextBarSink{
		out: out,
		bar: progressbar.NewOptions64(total,
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetWriter(out),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(50),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(out, "\n")
			}),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetRenderBlankState(true),
		),
	}
}

func (s *TextBarSink) OnAdvance(delta, total int64) {
	_ = s.bar.Add64(delta)
}

func (s *TextBarSink) OnState(state State) {
	s.bar.Describe(state.String())
}

func (s *TextBarSink) OnTerminal(state State, err error) {
	if err != nil {
		_ = s.bar.Exit()
		fmt.Fprintf(s.out, "\nError: %v\n", err)
		return
	}
	_ = s.bar.Finish()
}
