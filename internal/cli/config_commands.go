package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-upload/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rescale-upload configuration",
		Long: `Configuration management commands for rescale-upload.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for rescale-upload.

Credentials are not written to the file; supply them through the usual
environment variables (AWS_ACCESS_KEY_ID, AZURE_STORAGE_KEY, ...).

Use --force to overwrite existing configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg, err := runConfigWizard(bufio.NewReader(cmd.InOrStdin()), out)
			if err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nConfiguration saved to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

// runConfigWizard asks for the settings most users change and validates them.
func runConfigWizard(r *bufio.Reader, w io.Writer) (*config.Config, error) {
	cfg := config.Default()

	fmt.Fprintln(w, "rescale-upload Configuration Setup")
	fmt.Fprintln(w, "==================================")
	fmt.Fprintln(w)

	cfg.Store.Type = promptLine(r, w, "Store type (s3, azure, minio, gateway)", cfg.Store.Type)
	switch cfg.Store.Type {
	case config.StoreS3, config.StoreMinio:
		cfg.Store.Bucket = promptLine(r, w, "Bucket", "")
		cfg.Store.Region = promptLine(r, w, "Region", cfg.Store.Region)
		cfg.Store.Endpoint = promptLine(r, w, "Endpoint (empty for AWS)", "")
		cfg.Store.PathStyle = confirm(r, w, "Use path-style addressing?")
	case config.StoreAzure:
		cfg.Store.AccountName = promptLine(r, w, "Storage account", "")
		cfg.Store.Bucket = promptLine(r, w, "Container", "")
	case config.StoreGateway:
		cfg.Store.Endpoint = promptLine(r, w, "Gateway URL", "http://"+cfg.Gateway.Addr)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Transfer Settings (press Enter for defaults)")
	fmt.Fprintln(w, "--------------------------------------------")

	size, err := config.ParseChunkSize(promptLine(r, w, "Chunk size", config.FormatSize(cfg.Transfer.ChunkSize)))
	if err != nil {
		return nil, err
	}
	cfg.Transfer.ChunkSize = size

	if v, err := strconv.Atoi(promptLine(r, w, "Concurrency", strconv.Itoa(cfg.Transfer.Concurrency))); err == nil {
		cfg.Transfer.Concurrency = v
	}
	if v, err := strconv.Atoi(promptLine(r, w, "Upload limit in KiB/s (0 = unlimited)", "0")); err == nil {
		cfg.Transfer.LimitUploadKiB = v
	}

	// Azure with a shared key needs the key at validation time; it comes from
	// the environment at upload time, so only check what the file holds
	check := *cfg
	if check.Store.Type == config.StoreAzure {
		check.Store.AccountKey = "set-at-runtime"
	}
	if err := check.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func mask(s string) string {
	if s == "" {
		return "(not set)"
	}
	return "********"
}

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "[store]")
	fmt.Fprintf(w, "  type:              %s\n", cfg.Store.Type)
	fmt.Fprintf(w, "  bucket:            %s\n", cfg.Store.Bucket)
	fmt.Fprintf(w, "  region:            %s\n", cfg.Store.Region)
	fmt.Fprintf(w, "  endpoint:          %s\n", cfg.Store.Endpoint)
	fmt.Fprintf(w, "  path_style:        %t\n", cfg.Store.PathStyle)
	fmt.Fprintf(w, "  access_key_id:     %s\n", mask(cfg.Store.AccessKeyID))
	fmt.Fprintf(w, "  secret_access_key: %s\n", mask(cfg.Store.SecretAccessKey))
	fmt.Fprintf(w, "  account_name:      %s\n", cfg.Store.AccountName)
	fmt.Fprintf(w, "  account_key:       %s\n", mask(cfg.Store.AccountKey))
	fmt.Fprintf(w, "  sas_url:           %s\n", mask(cfg.Store.SASURL))
	fmt.Fprintln(w, "[transfer]")
	fmt.Fprintf(w, "  chunk_size:        %s\n", config.FormatSize(cfg.Transfer.ChunkSize))
	fmt.Fprintf(w, "  concurrency:       %d\n", cfg.Transfer.Concurrency)
	fmt.Fprintf(w, "  max_attempts:      %d\n", cfg.Transfer.MaxAttempts)
	fmt.Fprintf(w, "  initial_backoff:   %s\n", cfg.Transfer.InitialBackoff)
	fmt.Fprintf(w, "  max_backoff:       %s\n", cfg.Transfer.MaxBackoff)
	fmt.Fprintf(w, "  attempt_timeout:   %s\n", cfg.Transfer.AttemptTimeout)
	fmt.Fprintf(w, "  limit_upload:      %d KiB/s\n", cfg.Transfer.LimitUploadKiB)
	fmt.Fprintf(w, "  verify_content:    %t\n", cfg.Transfer.VerifyContent)
	fmt.Fprintln(w, "[ledger]")
	fmt.Fprintf(w, "  backend:           %s\n", cfg.Ledger.Backend)
	fmt.Fprintf(w, "  dir:               %s\n", cfg.Ledger.Dir)
	fmt.Fprintln(w, "[proxy]")
	fmt.Fprintf(w, "  mode:              %s\n", cfg.Proxy.Mode)
	if cfg.Proxy.Host != "" {
		fmt.Fprintf(w, "  host:              %s:%d\n", cfg.Proxy.Host, cfg.Proxy.Port)
		fmt.Fprintf(w, "  user:              %s\n", cfg.Proxy.User)
		fmt.Fprintf(w, "  password:          %s\n", mask(cfg.Proxy.Password))
	}
	fmt.Fprintln(w, "[gateway]")
	fmt.Fprintf(w, "  addr:              %s\n", cfg.Gateway.Addr)
	fmt.Fprintf(w, "  root:              %s\n", cfg.Gateway.Root)
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
