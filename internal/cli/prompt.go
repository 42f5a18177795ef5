package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/rescale/rescale-upload/internal/config"
	"github.com/rescale/rescale-upload/internal/http"
)

// promptProxyPassword asks for the proxy password when the configuration
// names a proxy user but carries no password. Nothing is asked when stdin is
// not a terminal; the proxy then runs without authentication.
func promptProxyPassword(cfg *config.ProxyConfig) error {
	if !http.NeedsProxyPassword(cfg) || !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	fmt.Fprintf(os.Stderr, "Proxy password for %s@%s: ", cfg.User, cfg.Host)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read proxy password: %w", err)
	}
	cfg.Password = string(pw)
	return nil
}

// promptLine prints label with its default and returns the trimmed answer, or
// def when the answer is empty.
func promptLine(r *bufio.Reader, w io.Writer, label, def string) string {
	if def != "" {
		fmt.Fprintf(w, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(w, "%s: ", label)
	}
	input, _ := r.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return def
	}
	return input
}

// confirm asks a yes/no question. Anything but y/yes is no.
func confirm(r *bufio.Reader, w io.Writer, question string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", question)
	input, _ := r.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
