package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// LogDirEnv overrides where the gateway writes its request log.
const LogDirEnv = "RESCALE_UPLOAD_LOG_DIR"

// LogDirectory returns the directory for the gateway's file log: $RESCALE_UPLOAD_LOG_DIR
// if set, else rescale-upload/logs under the user cache directory. Without a
// cache directory it falls back next to the config file, then to the temp dir.
func LogDirectory() string {
	if dir := os.Getenv(LogDirEnv); dir != "" {
		return dir
	}
	if cache, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cache, "rescale-upload", "logs")
	}
	if dir, err := DefaultConfigDir(); err == nil {
		return filepath.Join(dir, "logs")
	}
	return filepath.Join(os.TempDir(), "rescale-upload-logs")
}

// LogFilePath creates the log directory, owner-only, and returns the path of
// name inside it.
func LogFilePath(name string) (string, error) {
	dir := LogDirectory()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return filepath.Join(dir, name), nil
}
