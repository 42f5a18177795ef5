package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-upload/internal/cloud/providers"
	"github.com/rescale/rescale-upload/internal/cloud/state"
	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/config"
	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/logging"
)

// newResumeCmd creates the 'resume' command group.
func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Inspect and manage interrupted uploads",
		Long: `Manage the resume ledger, which records every acknowledged part of
uploads that have not completed yet.

Commands:
  list     - Show interrupted uploads and their progress
  discard  - Forget an interrupted upload, optionally aborting it remotely
  cleanup  - Drop records older than the remote expiry (7 days)

To resume an upload, run the original upload command again.`,
	}

	cmd.AddCommand(newResumeListCmd())
	cmd.AddCommand(newResumeDiscardCmd())
	cmd.AddCommand(newResumeCleanupCmd())
	return cmd
}

func openLedgerFromConfig() (state.Ledger, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	ledger, err := providers.OpenLedger(cfg.Ledger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open resume ledger: %w", err)
	}
	return ledger, cfg, nil
}

func newResumeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List interrupted uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, _, err := openLedgerFromConfig()
			if err != nil {
				return err
			}
			defer ledger.Close()

			records, err := ledger.List(cmd.Context())
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), records, time.Now())
			return nil
		},
	}
}

// printRecords writes one line per record, oldest first.
func printRecords(w io.Writer, records []state.SessionRecord, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No interrupted uploads.")
		return
	}
	fmt.Fprintf(w, "%-8s %-12s %-10s %-12s %-40s %s\n", "STORE", "PARTS", "SIZE", "AGE", "TARGET", "FILE")
	for _, rec := range records {
		parts := fmt.Sprintf("%d/%d", rec.Completed, rec.Handle.TotalChunks)
		size := units.BytesSize(float64(rec.Fingerprint.Size))
		age := units.HumanDuration(now.Sub(rec.CreatedAt))
		if rec.Expired(state.MaxResumeAge) {
			age += " (expired)"
		}
		fmt.Fprintf(w, "%-8s %-12s %-10s %-12s %-40s %s\n",
			rec.StorageType, parts, size, age, truncate(rec.Handle.TargetPath, 40), rec.LocalPath)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-(n-3):]
}

func newResumeDiscardCmd() *cobra.Command {
	var (
		abortRemote bool
		storeType   string
	)

	cmd := &cobra.Command{
		Use:   "discard <file> <target>",
		Short: "Forget an interrupted upload",
		Long: `Remove the resume record of <file> uploading to <target>.

With --abort-remote the multipart upload is also aborted at the store, which
frees the parts it holds. Without it the store discards them on its own once
they expire.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, cfg, err := openLedgerFromConfig()
			if err != nil {
				return err
			}
			defer ledger.Close()
			if storeType != "" {
				cfg.Store.Type = strings.ToLower(storeType)
			}
			return discardRecord(cmd.Context(), ledger, cfg, args[0], args[1], abortRemote, cmd.OutOrStdout(), GetLogger())
		},
	}

	cmd.Flags().BoolVar(&abortRemote, "abort-remote", false, "Also abort the multipart upload at the store")
	cmd.Flags().StringVar(&storeType, "store", "", "Store type of the upload (default from config)")
	return cmd
}

// errNoRecord is returned by discard when nothing is recorded for the pair.
var errNoRecord = errors.New("no interrupted upload recorded")

func discardRecord(ctx context.Context, ledger state.Ledger, cfg *config.Config, localPath, targetPath string, abortRemote bool, out io.Writer, log *logging.Logger) error {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return err
	}
	rec, err := ledger.Lookup(ctx, abs, targetPath)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w for %s -> %s", errNoRecord, abs, targetPath)
	}

	if abortRemote {
		if rec.StorageType != "" && rec.StorageType != cfg.Store.Type {
			return fmt.Errorf("upload was made to a %s store but the configured store is %s; pass --store %s",
				rec.StorageType, cfg.Store.Type, rec.StorageType)
		}
		store, err := providers.Open(ctx, cfg, log)
		if err != nil {
			return err
		}
		abortCtx, cancel := context.WithTimeout(ctx, constants.AbortTimeout)
		err = store.AbortMultipart(abortCtx, rec.Handle.RemoteSessionID, rec.Handle.TargetPath)
		cancel()
		switch {
		case errors.Is(err, storage.ErrNoSuchUpload):
			log.Info().Str("session", rec.Handle.RemoteSessionID).Msg("Remote upload already gone")
		case err != nil:
			return fmt.Errorf("failed to abort remote upload: %w", err)
		default:
			fmt.Fprintf(out, "Aborted remote upload %s\n", rec.Handle.RemoteSessionID)
		}
	}

	if err := ledger.Clear(ctx, rec.Handle); err != nil {
		return err
	}
	fmt.Fprintf(out, "Discarded %s -> %s (%d of %d parts were uploaded)\n",
		rec.LocalPath, rec.Handle.TargetPath, rec.Completed, rec.Handle.TotalChunks)
	return nil
}

func newResumeCleanupCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Drop resume records older than the remote expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, _, err := openLedgerFromConfig()
			if err != nil {
				return err
			}
			defer ledger.Close()

			removed, err := state.CleanupExpired(cmd.Context(), ledger, olderThan)
			for _, rec := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s -> %s\n", rec.LocalPath, rec.Handle.TargetPath)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d expired records removed\n", len(removed))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", state.MaxResumeAge, "Remove records created longer ago than this")
	return cmd
}
