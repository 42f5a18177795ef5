// Package cli provides the command-line interface for rescale-upload.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-upload/internal/cloud/transfer"
	"github.com/rescale/rescale-upload/internal/config"
	"github.com/rescale/rescale-upload/internal/logging"
	"github.com/rescale/rescale-upload/internal/version"
)

var (
	// Global flags
	cfgFile string
	verbose bool
	debug   bool
	timing  bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// Exit codes
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitCanceled = 130
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rescale-upload",
		Short: "Resumable chunked uploads to object storage",
		Long: `rescale-upload ` + version.Version + ` - Built: ` + version.BuildTime + `
Uploads large files to S3, Azure Blob, MinIO or a local multipart gateway
in parallel parts. Interrupted uploads resume from the last acknowledged part.

Stores:
  s3       Amazon S3 and S3-compatible services (AWS SDK)
  azure    Azure Blob Storage block blobs
  minio    MinIO and other S3-compatible services (minio-go)
  gateway  A rescale-upload gateway ("gateway serve")
  mem      In-memory store, for dry runs`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize logger
			logger = logging.NewDefaultCLILogger()
			if verbose || debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
			if timing {
				os.Setenv("RESCALE_TIMING", "1")
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path (default: "+defaultConfigPathHint()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")
	rootCmd.PersistentFlags().BoolVar(&timing, "timing", false, "Print per-call timings to stderr (same as RESCALE_TIMING=1)")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	completionCmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for rescale-upload.

QUICK TEST (temporary, current session only):
  source <(rescale-upload completion bash)
  source <(rescale-upload completion zsh)
  rescale-upload completion fish | source
  rescale-upload completion powershell | Out-String | Invoke-Expression`,
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			default:
				return cmd.Root().GenPowerShellCompletion(out)
			}
		},
	}
	rootCmd.AddCommand(completionCmd)

	// Disable default completion command (we're adding our own above)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

func defaultConfigPathHint() string {
	path, err := config.DefaultConfigPath()
	if err != nil {
		return "upload.conf"
	}
	return path
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	// Create a context that can be cancelled by signals
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Loop to handle multiple signals (e.g., user pressing Ctrl+C twice)
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nReceived signal %v, cancelling upload...\n", sig)
				fmt.Fprintf(os.Stderr, "Please wait for in-flight parts to finish.\n")
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.ExecuteContext(rootContext)

	// Clean up signal handler
	signal.Stop(sigChan)
	close(sigChan)

	code := ExitCode(err)
	if err != nil && code != ExitCanceled {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return code
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled), transfer.IsCanceled(err):
		return ExitCanceled
	default:
		return ExitFailure
	}
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newGatewayCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// loadConfig reads the file named by --config, or the default file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
