package cli

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-upload/internal/config"
	"github.com/rescale/rescale-upload/internal/gateway"
	"github.com/rescale/rescale-upload/internal/logging"
)

// newGatewayCmd creates the 'gateway' command group.
func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run a local multipart upload gateway",
		Long: `The gateway accepts multipart uploads over HTTP and assembles them into
files under a root directory. Point clients at it with store type "gateway".`,
	}
	cmd.AddCommand(newGatewayServeCmd())
	return cmd
}

func newGatewayServeCmd() *cobra.Command {
	var (
		root      string
		addr      string
		logToFile bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve uploads into a directory",
		Example: `  rescale-upload gateway serve --root /srv/uploads
  rescale-upload gateway serve --root ./data --addr :8480 --log-to-file`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if root == "" {
				root = cfg.Gateway.Root
			}
			if addr == "" {
				addr = cfg.Gateway.Addr
			}
			if root == "" {
				return fmt.Errorf("--root is required (or set root in the [gateway] section)")
			}

			log := GetLogger()
			if logToFile {
				f, err := openGatewayLog()
				if err != nil {
					return err
				}
				defer f.Close()
				log = logging.NewLogger(io.MultiWriter(log.Output(), f), false)
			}

			server, err := gateway.NewServer(root, log)
			if err != nil {
				return err
			}
			return server.ListenAndServe(cmd.Context(), addr, func(a net.Addr) {
				fmt.Fprintf(cmd.OutOrStdout(), "Gateway serving %s on http://%s\n", server.Root(), a)
			})
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Directory uploads are written to (default from config)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, "+config.Default().Gateway.Addr+")")
	cmd.Flags().BoolVar(&logToFile, "log-to-file", false, "Also write JSON request logs to the log directory")
	return cmd
}

func openGatewayLog() (*os.File, error) {
	path, err := config.LogFilePath("gateway.log")
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway log: %w", err)
	}
	return f, nil
}
