// Package config provides configuration management for rescale-upload.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/ini.v1"

	"github.com/rescale/rescale-upload/internal/constants"
)

// Config represents the upload configuration.
//
// Config file location:
//   - Windows: %APPDATA%\Rescale\Upload\upload.conf
//   - Unix: ~/.config/rescale/upload.conf
//
// INI format:
//
//	[store]
//	type = s3
//	bucket = my-bucket
//	region = us-east-1
//	endpoint =
//	path_style = false
//
//	[transfer]
//	chunk_size = 32MB
//	concurrency = 4
//	max_attempts = 3
//	initial_backoff = 500ms
//	max_backoff = 8s
//	attempt_timeout = 10m
//	limit_upload = 0
//
//	[ledger]
//	backend = file
//	dir = ~/.config/rescale/resume
//
//	[proxy]
//	mode = no-proxy
//
//	[gateway]
//	addr = 127.0.0.1:8480
//	root = /srv/uploads
type Config struct {
	Store    StoreConfig
	Transfer TransferConfig
	Ledger   LedgerConfig
	Proxy    ProxyConfig
	Gateway  GatewayConfig
}

// StoreConfig selects and configures the remote store.
type StoreConfig struct {
	// Type is one of s3, azure, minio, gateway, mem.
	Type string

	// Bucket is the S3/MinIO bucket or the Azure container.
	Bucket string

	Region string

	// Endpoint overrides the service URL (S3-compatible stores, MinIO, gateway).
	Endpoint string

	// PathStyle forces path-style S3 addressing.
	PathStyle bool

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// AccountName and AccountKey authenticate against Azure with a shared key.
	AccountName string
	AccountKey  string

	// SASURL is a container SAS URL, an alternative to the shared key.
	SASURL string
}

// TransferConfig holds the per-session upload parameters.
type TransferConfig struct {
	// ChunkSize in bytes. Zero means automatic sizing from the file size.
	ChunkSize int64

	// Concurrency is the number of parts in flight.
	// Minimum: 1, Maximum: constants.MaxConcurrency, Default: 4
	Concurrency int

	// MaxAttempts per part, including the first.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration

	// LimitUploadKiB caps upload bandwidth in KiB/s. Zero means unlimited.
	LimitUploadKiB int

	// VerifyContent hashes the file before resuming, instead of trusting size and mtime.
	VerifyContent bool
}

// LedgerConfig selects where resume records live.
type LedgerConfig struct {
	// Backend is "file" (one journal per upload) or "bolt" (a single database).
	Backend string

	// Dir holds the journals, or the database file for the bolt backend.
	Dir string
}

// ProxyConfig configures the outbound proxy used by every provider.
type ProxyConfig struct {
	// Mode is one of no-proxy, system, basic, ntlm.
	Mode     string
	Host     string
	Port     int
	User     string
	Password string

	// NoProxy is a comma-separated bypass list (hosts, domains, CIDRs).
	NoProxy string

	// Warmup sends one request through the proxy when the client is built,
	// so authentication failures show up before the first part does.
	Warmup bool

	// WarmupURL is the target of the warmup request. Not read from the file;
	// the provider factory sets it to the store endpoint.
	WarmupURL string
}

// GatewayConfig configures the local multipart gateway.
type GatewayConfig struct {
	Addr string
	Root string
}

// Store types
const (
	StoreS3      = "s3"
	StoreAzure   = "azure"
	StoreMinio   = "minio"
	StoreGateway = "gateway"
	StoreMem     = "mem"
)

// Ledger backends
const (
	LedgerFile = "file"
	LedgerBolt = "bolt"
)

// Proxy modes
const (
	ProxyNone   = "no-proxy"
	ProxySystem = "system"
	ProxyBasic  = "basic"
	ProxyNTLM   = "ntlm"
)

// Validation errors
var (
	ErrUnknownStoreType     = errors.New("store type must be one of s3, azure, minio, gateway, mem")
	ErrMissingBucket        = errors.New("bucket is required for this store type")
	ErrMissingEndpoint      = errors.New("endpoint is required for this store type")
	ErrMissingAzureAuth     = errors.New("azure requires account_name with account_key, or sas_url")
	ErrInvalidChunkSize     = errors.New("chunk_size must not be negative")
	ErrInvalidConcurrency   = fmt.Errorf("concurrency must be between 1 and %d", constants.MaxConcurrency)
	ErrInvalidMaxAttempts   = errors.New("max_attempts must be at least 1")
	ErrInvalidBackoff       = errors.New("backoff and timeout durations must not be negative")
	ErrInvalidLimitUpload   = errors.New("limit_upload must not be negative")
	ErrUnknownLedgerBackend = errors.New("ledger backend must be file or bolt")
	ErrUnknownProxyMode     = errors.New("proxy mode must be one of no-proxy, system, basic, ntlm")
)

// DefaultConfigDir returns the directory holding upload.conf and resume records.
//   - Windows: %APPDATA%\Rescale\Upload
//   - Unix: ~/.config/rescale
func DefaultConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return "", errors.New("neither APPDATA nor USERPROFILE environment variable set")
			}
			appData = filepath.Join(userProfile, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Rescale", "Upload"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "rescale"), nil
}

// DefaultConfigPath returns the default path for the upload.conf file.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "upload.conf"), nil
}

// DefaultLedgerDir returns the default directory for resume records.
func DefaultLedgerDir() string {
	dir, err := DefaultConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rescale-upload-resume")
	}
	return filepath.Join(dir, "resume")
}

// Default creates a new Config with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Type:   StoreS3,
			Region: "us-east-1",
		},
		Transfer: TransferConfig{
			ChunkSize:      constants.ChunkSize,
			Concurrency:    constants.DefaultConcurrency,
			MaxAttempts:    constants.MaxAttempts,
			InitialBackoff: constants.RetryInitialDelay,
			MaxBackoff:     constants.RetryMaxDelay,
			AttemptTimeout: constants.PartAttemptTimeout,
		},
		Ledger: LedgerConfig{
			Backend: LedgerFile,
			Dir:     DefaultLedgerDir(),
		},
		Proxy: ProxyConfig{
			Mode: ProxyNone,
			Port: 8080,
		},
		Gateway: GatewayConfig{
			Addr: constants.GatewayDefaultAddr,
		},
	}
}

// Load loads configuration from the upload.conf file and applies
// environment overrides.
// If path is empty, uses the default path.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			path = ""
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			iniFile, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load upload.conf: %w", err)
			}
			if err := cfg.apply(iniFile); err != nil {
				return nil, fmt.Errorf("invalid upload.conf: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) apply(iniFile *ini.File) error {
	// Parse [store] section
	store := iniFile.Section("store")
	cfg.Store.Type = strings.ToLower(store.Key("type").MustString(cfg.Store.Type))
	cfg.Store.Bucket = store.Key("bucket").String()
	cfg.Store.Region = store.Key("region").MustString(cfg.Store.Region)
	cfg.Store.Endpoint = store.Key("endpoint").String()
	cfg.Store.PathStyle = store.Key("path_style").MustBool(false)
	cfg.Store.AccessKeyID = store.Key("access_key_id").String()
	cfg.Store.SecretAccessKey = store.Key("secret_access_key").String()
	cfg.Store.SessionToken = store.Key("session_token").String()
	cfg.Store.AccountName = store.Key("account_name").String()
	cfg.Store.AccountKey = store.Key("account_key").String()
	cfg.Store.SASURL = store.Key("sas_url").String()

	// Parse [transfer] section
	transfer := iniFile.Section("transfer")
	if v := transfer.Key("chunk_size").String(); v != "" {
		size, err := ParseChunkSize(v)
		if err != nil {
			return err
		}
		cfg.Transfer.ChunkSize = size
	}
	cfg.Transfer.Concurrency = transfer.Key("concurrency").MustInt(cfg.Transfer.Concurrency)
	cfg.Transfer.MaxAttempts = transfer.Key("max_attempts").MustInt(cfg.Transfer.MaxAttempts)
	cfg.Transfer.LimitUploadKiB = transfer.Key("limit_upload").MustInt(0)
	cfg.Transfer.VerifyContent = transfer.Key("verify_content").MustBool(false)
	for key, dst := range map[string]*time.Duration{
		"initial_backoff": &cfg.Transfer.InitialBackoff,
		"max_backoff":     &cfg.Transfer.MaxBackoff,
		"attempt_timeout": &cfg.Transfer.AttemptTimeout,
	} {
		if v := transfer.Key(key).String(); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	// Parse [ledger] section
	ledger := iniFile.Section("ledger")
	cfg.Ledger.Backend = strings.ToLower(ledger.Key("backend").MustString(cfg.Ledger.Backend))
	cfg.Ledger.Dir = expandHome(ledger.Key("dir").MustString(cfg.Ledger.Dir))

	// Parse [proxy] section
	proxy := iniFile.Section("proxy")
	cfg.Proxy.Mode = strings.ToLower(proxy.Key("mode").MustString(cfg.Proxy.Mode))
	cfg.Proxy.Host = proxy.Key("host").String()
	cfg.Proxy.Port = proxy.Key("port").MustInt(cfg.Proxy.Port)
	cfg.Proxy.User = proxy.Key("user").String()
	cfg.Proxy.Password = proxy.Key("password").String()
	cfg.Proxy.NoProxy = proxy.Key("no_proxy").String()
	cfg.Proxy.Warmup = proxy.Key("warmup").MustBool(false)

	// Parse [gateway] section
	gateway := iniFile.Section("gateway")
	cfg.Gateway.Addr = gateway.Key("addr").MustString(cfg.Gateway.Addr)
	cfg.Gateway.Root = expandHome(gateway.Key("root").String())

	return nil
}

// applyEnv overrides file values with RESCALE_UPLOAD_* and provider
// credential variables.
func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("RESCALE_UPLOAD_STORE", &cfg.Store.Type)
	str("RESCALE_UPLOAD_BUCKET", &cfg.Store.Bucket)
	str("RESCALE_UPLOAD_ENDPOINT", &cfg.Store.Endpoint)
	str("RESCALE_UPLOAD_LEDGER_DIR", &cfg.Ledger.Dir)
	str("AWS_REGION", &cfg.Store.Region)
	str("AZURE_STORAGE_ACCOUNT", &cfg.Store.AccountName)
	str("AZURE_STORAGE_KEY", &cfg.Store.AccountKey)
	str("RESCALE_PROXY_PASSWORD", &cfg.Proxy.Password)
	cfg.Store.Type = strings.ToLower(cfg.Store.Type)

	if v, ok := lookup("RESCALE_UPLOAD_CHUNK_SIZE"); ok && v != "" {
		size, err := ParseChunkSize(v)
		if err != nil {
			return fmt.Errorf("RESCALE_UPLOAD_CHUNK_SIZE: %w", err)
		}
		cfg.Transfer.ChunkSize = size
	}
	for name, dst := range map[string]*int{
		"RESCALE_UPLOAD_CONCURRENCY":  &cfg.Transfer.Concurrency,
		"RESCALE_UPLOAD_LIMIT_UPLOAD": &cfg.Transfer.LimitUploadKiB,
	} {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}
	return nil
}

// ParseChunkSize parses a size such as "32MB", "64MiB" or "8388608".
// "auto" yields 0, which selects automatic sizing.
func ParseChunkSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "auto") {
		return 0, nil
	}
	// RAMInBytes treats KB/MB/GB as binary units, which is what part limits use
	size, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", s, err)
	}
	if size < 0 {
		return 0, ErrInvalidChunkSize
	}
	return size, nil
}

// FormatSize renders a byte count the way sizes are written in upload.conf.
func FormatSize(n int64) string {
	if n == 0 {
		return "auto"
	}
	return units.BytesSize(float64(n))
}

// Validate checks if the configuration is valid.
// Returns nil if valid, or an error describing what's wrong.
func (cfg *Config) Validate() error {
	switch cfg.Store.Type {
	case StoreS3, StoreMinio:
		if strings.TrimSpace(cfg.Store.Bucket) == "" {
			return ErrMissingBucket
		}
		if cfg.Store.Type == StoreMinio && cfg.Store.Endpoint == "" {
			return ErrMissingEndpoint
		}
	case StoreAzure:
		if cfg.Store.SASURL == "" {
			if strings.TrimSpace(cfg.Store.Bucket) == "" {
				return ErrMissingBucket
			}
			if cfg.Store.AccountName == "" || cfg.Store.AccountKey == "" {
				return ErrMissingAzureAuth
			}
		}
	case StoreGateway:
		if cfg.Store.Endpoint == "" {
			return ErrMissingEndpoint
		}
	case StoreMem:
	default:
		return ErrUnknownStoreType
	}

	if cfg.Transfer.ChunkSize < 0 {
		return ErrInvalidChunkSize
	}
	if cfg.Transfer.Concurrency < 1 || cfg.Transfer.Concurrency > constants.MaxConcurrency {
		return ErrInvalidConcurrency
	}
	if cfg.Transfer.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if cfg.Transfer.InitialBackoff < 0 || cfg.Transfer.MaxBackoff < 0 || cfg.Transfer.AttemptTimeout < 0 {
		return ErrInvalidBackoff
	}
	if cfg.Transfer.LimitUploadKiB < 0 {
		return ErrInvalidLimitUpload
	}

	switch cfg.Ledger.Backend {
	case LedgerFile, LedgerBolt:
	default:
		return ErrUnknownLedgerBackend
	}

	switch cfg.Proxy.Mode {
	case ProxyNone, "", ProxySystem, ProxyBasic, ProxyNTLM:
	default:
		return ErrUnknownProxyMode
	}

	return nil
}

// Save writes configuration to path.
// If path is empty, uses the default path.
// Creates parent directories if they don't exist. Secrets are not written.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()
	sections := []struct {
		name   string
		values [][2]string
	}{
		{"store", [][2]string{
			{"type", cfg.Store.Type},
			{"bucket", cfg.Store.Bucket},
			{"region", cfg.Store.Region},
			{"endpoint", cfg.Store.Endpoint},
			{"path_style", strconv.FormatBool(cfg.Store.PathStyle)},
			{"account_name", cfg.Store.AccountName},
		}},
		{"transfer", [][2]string{
			{"chunk_size", FormatSize(cfg.Transfer.ChunkSize)},
			{"concurrency", strconv.Itoa(cfg.Transfer.Concurrency)},
			{"max_attempts", strconv.Itoa(cfg.Transfer.MaxAttempts)},
			{"initial_backoff", cfg.Transfer.InitialBackoff.String()},
			{"max_backoff", cfg.Transfer.MaxBackoff.String()},
			{"attempt_timeout", cfg.Transfer.AttemptTimeout.String()},
			{"limit_upload", strconv.Itoa(cfg.Transfer.LimitUploadKiB)},
			{"verify_content", strconv.FormatBool(cfg.Transfer.VerifyContent)},
		}},
		{"ledger", [][2]string{
			{"backend", cfg.Ledger.Backend},
			{"dir", cfg.Ledger.Dir},
		}},
		{"proxy", [][2]string{
			{"mode", cfg.Proxy.Mode},
			{"host", cfg.Proxy.Host},
			{"port", strconv.Itoa(cfg.Proxy.Port)},
			{"user", cfg.Proxy.User},
			{"no_proxy", cfg.Proxy.NoProxy},
			{"warmup", strconv.FormatBool(cfg.Proxy.Warmup)},
		}},
		{"gateway", [][2]string{
			{"addr", cfg.Gateway.Addr},
			{"root", cfg.Gateway.Root},
		}},
	}
	for _, s := range sections {
		section, err := iniFile.NewSection(s.name)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", s.name, err)
		}
		for _, kv := range s.values {
			section.Key(kv[0]).SetValue(kv[1])
		}
	}

	// Use temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
