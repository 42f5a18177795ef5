package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-upload/internal/cloud"
	"github.com/rescale/rescale-upload/internal/cloud/chunk"
	"github.com/rescale/rescale-upload/internal/cloud/providers"
	"github.com/rescale/rescale-upload/internal/cloud/retry"
	"github.com/rescale/rescale-upload/internal/cloud/transfer"
	"github.com/rescale/rescale-upload/internal/config"
	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/events"
	"github.com/rescale/rescale-upload/internal/logging"
	"github.com/rescale/rescale-upload/internal/progress"
)

// Progress modes
const (
	progressBar  = "bar"
	progressText = "text"
	progressLog  = "log"
	progressJSON = "json"
	progressNone = "none"
)

// uploadFlags holds the flags of the upload command. Zero values mean "use
// the configuration file".
type uploadFlags struct {
	chunkSize     string
	concurrency   int
	maxAttempts   int
	store         string
	progress      string
	limitUpload   int
	verifyContent bool
}

func newUploadCmd() *cobra.Command {
	var f uploadFlags

	cmd := &cobra.Command{
		Use:   "upload <file> <target>",
		Short: "Upload a file in parallel parts",
		Long: `Upload a local file to <target> in the configured store.

The file is split into fixed-size parts that are sent in parallel. Every
acknowledged part is recorded in the resume ledger, so running the same
command again after an interruption only sends the missing parts.

Press Ctrl+C to cancel: parts in flight finish, the remote upload is aborted
and the resume record is kept.

Examples:
  rescale-upload upload results.tar runs/42/results.tar
  rescale-upload upload big.bin data/big.bin --chunk-size 64MB --concurrency 8
  rescale-upload upload big.bin data/big.bin --store gateway --progress log`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := f.apply(cfg); err != nil {
				return err
			}
			if err := promptProxyPassword(&cfg.Proxy); err != nil {
				return err
			}
			_, err = runUpload(cmd.Context(), cfg, args[0], args[1], f.progress, cmd.OutOrStdout(), GetLogger())
			return err
		},
	}

	cmd.Flags().StringVar(&f.chunkSize, "chunk-size", "", "Part size, e.g. 32MB, or auto (default from config)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, fmt.Sprintf("Parts in flight, 1-%d (default from config)", constants.MaxConcurrency))
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "Attempts per remote call, including the first (default from config)")
	cmd.Flags().StringVar(&f.store, "store", "", "Store type: s3, azure, minio, gateway, mem (default from config)")
	cmd.Flags().StringVar(&f.progress, "progress", progressBar, "Progress output: bar, text, log, json, none")
	cmd.Flags().IntVar(&f.limitUpload, "limit-upload", -1, "Upload bandwidth cap in KiB/s, 0 for unlimited (default from config)")
	cmd.Flags().BoolVar(&f.verifyContent, "verify-content", false, "Hash the file before resuming instead of trusting size and mtime")

	return cmd
}

// apply overrides cfg with the flags that were set and validates the result.
func (f *uploadFlags) apply(cfg *config.Config) error {
	if f.store != "" {
		cfg.Store.Type = strings.ToLower(f.store)
	}
	if f.chunkSize != "" {
		size, err := config.ParseChunkSize(f.chunkSize)
		if err != nil {
			return err
		}
		cfg.Transfer.ChunkSize = size
	}
	if f.concurrency != 0 {
		cfg.Transfer.Concurrency = f.concurrency
	}
	if f.maxAttempts != 0 {
		cfg.Transfer.MaxAttempts = f.maxAttempts
	}
	if f.limitUpload >= 0 {
		cfg.Transfer.LimitUploadKiB = f.limitUpload
	}
	if f.verifyContent {
		cfg.Transfer.VerifyContent = true
	}
	switch f.progress {
	case progressBar, progressText, progressLog, progressJSON, progressNone:
	default:
		return fmt.Errorf("unknown progress mode %q (want bar, text, log, json or none)", f.progress)
	}
	return cfg.Validate()
}

// policyFromConfig builds the per-call retry policy of a session.
func policyFromConfig(tc config.TransferConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = tc.MaxAttempts
	if tc.InitialBackoff > 0 {
		p.InitialInterval = tc.InitialBackoff
	}
	if tc.MaxBackoff > 0 {
		p.MaxInterval = tc.MaxBackoff
	}
	if tc.AttemptTimeout > 0 {
		p.AttemptTimeout = tc.AttemptTimeout
	}
	return p
}

// runUpload drives one upload session to a terminal state and prints the
// outcome to out.
func runUpload(ctx context.Context, cfg *config.Config, localPath, targetPath, mode string, out io.Writer, log *logging.Logger) (*transfer.Result, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", localPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", localPath)
	}

	// The sink comes first: in json mode it takes over the logger, and the
	// store keeps the logger it is opened with.
	sink, finish := newSink(mode, localPath, targetPath, info.Size(), out, log)
	defer finish()
	// Before the session exists nothing else ends the sink.
	abandon := func(err error) (*transfer.Result, error) {
		sink.OnTerminal(progress.StateFailed, err)
		return nil, err
	}

	store, err := providers.Open(ctx, cfg, log)
	if err != nil {
		return abandon(err)
	}
	ledger, err := providers.OpenLedger(cfg.Ledger)
	if err != nil {
		return abandon(fmt.Errorf("failed to open resume ledger: %w", err))
	}
	defer ledger.Close()

	chunkSize := cfg.Transfer.ChunkSize
	if chunkSize == 0 {
		chunkSize = chunk.OptimalChunkSize(info.Size(), cfg.Transfer.Concurrency)
		log.Debug().Str("chunk_size", units.BytesSize(float64(chunkSize))).Msg("Automatic chunk size")
	}

	sess, err := transfer.New(store, ledger, transfer.Options{
		LocalPath:     localPath,
		TargetPath:    targetPath,
		ChunkSize:     chunkSize,
		Concurrency:   cfg.Transfer.Concurrency,
		Retry:         policyFromConfig(cfg.Transfer),
		Sink:          sink,
		Logger:        log,
		StorageType:   cfg.Store.Type,
		VerifyContent: cfg.Transfer.VerifyContent,
	})
	if err != nil {
		return abandon(err)
	}

	// A signal cancels ctx; turn that into an orderly Cancel
	stop := context.AfterFunc(ctx, sess.Cancel)
	defer stop()

	res, err := sess.Start(ctx)
	select {
	case <-sess.Delivered():
	case <-time.After(constants.SinkDrainTimeout):
		log.Warn().Msg("Progress output fell behind, not waiting for it")
	}
	finish()
	if err != nil {
		if transfer.IsCanceled(err) {
			fmt.Fprintf(os.Stderr, "Upload canceled after %d parts; run the same command to continue\n", res.PartsUploaded+res.PartsSkipped)
		}
		return res, err
	}
	if mode == progressJSON {
		return res, nil
	}

	speed := float64(0)
	if res.Duration > 0 {
		speed = float64(res.BytesUploaded) / res.Duration.Seconds()
	}
	fmt.Fprintf(out, "Uploaded %s to %s in %s (%s", units.BytesSize(float64(info.Size())), res.Location,
		res.Duration.Round(time.Millisecond), cloud.FormatSpeed(speed))
	if res.PartsSkipped > 0 {
		fmt.Fprintf(out, ", %d parts resumed", res.PartsSkipped)
	}
	fmt.Fprintln(out, ")")
	return res, nil
}

// newSink builds the progress sink for mode. finish releases the sink's
// resources and is safe to call more than once.
func newSink(mode, localPath, targetPath string, size int64, out io.Writer, log *logging.Logger) (progress.Sink, func()) {
	switch mode {
	case progressBar:
		if !progress.IsTerminal(os.Stderr) {
			return progress.NewTextBarSink(os.Stderr, size, targetPath), func() {}
		}
		bar := progress.NewBarSink(localPath, targetPath, size)
		// Route log lines through the bar so they don't tear it
		prev := log.Output()
		log.SetOutput(bar.Writer())
		var done bool
		return bar, func() {
			if done {
				return
			}
			done = true
			bar.Wait()
			log.SetOutput(prev)
		}
	case progressText:
		return progress.NewTextBarSink(os.Stderr, size, targetPath), func() {}
	case progressLog:
		return progress.NewLogSink(log, 0), func() {}
	case progressJSON:
		bus := events.NewEventBus(0)
		done := streamEvents(bus, out)
		// Log lines join the stream as log events so out stays pure JSON
		prev := log.Output()
		log.SetJSONOutput(events.NewLogWriter(bus))
		var closed bool
		return progress.NewEventSink(bus, localPath, targetPath), func() {
			if closed {
				return
			}
			closed = true
			log.SetOutput(prev)
			bus.Close()
			<-done
		}
	default:
		return progress.Nop{}, func() {}
	}
}
