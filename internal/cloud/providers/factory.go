// Package providers builds the remote store and the resume ledger selected by
// the configuration.
package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/rescale/rescale-upload/internal/cloud"
	"github.com/rescale/rescale-upload/internal/cloud/providers/azure"
	"github.com/rescale/rescale-upload/internal/cloud/providers/gateway"
	"github.com/rescale/rescale-upload/internal/cloud/providers/minio"
	"github.com/rescale/rescale-upload/internal/cloud/providers/s3"
	"github.com/rescale/rescale-upload/internal/cloud/state"
	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/cloud/storage/memstore"
	"github.com/rescale/rescale-upload/internal/config"
	"github.com/rescale/rescale-upload/internal/http"
	"github.com/rescale/rescale-upload/internal/logging"
	"github.com/rescale/rescale-upload/internal/ratelimit"
)

// BoltFileName is the database file of the bolt ledger inside the ledger dir.
const BoltFileName = "ledger.db"

// Open returns the store selected by cfg.Store.Type.
//
// Every store shares one HTTP client carrying the proxy settings and the
// upload bandwidth cap. With RESCALE_TIMING=1 the store is wrapped so each
// remote call reports its duration on stderr.
func Open(ctx context.Context, cfg *config.Config, log *logging.Logger) (storage.RemoteStore, error) {
	if log == nil {
		log = logging.Nop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if cloud.TimingEnabled() {
		store = cloud.WithTiming(store, os.Stderr)
	}
	return store, nil
}

func open(ctx context.Context, cfg *config.Config, log *logging.Logger) (storage.RemoteStore, error) {
	sc := cfg.Store
	if sc.Type == config.StoreMem {
		log.Warn().Msg("Using the in-memory store, uploaded data is discarded on exit")
		return memstore.New(storage.Limits{}), nil
	}

	proxy := cfg.Proxy
	proxy.WarmupURL = Endpoint(sc)
	client, err := http.CreateOptimizedClient(&proxy, ratelimit.NewBandwidth(cfg.Transfer.LimitUploadKiB))
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}

	storeLog := log.Child(func(c zerolog.Context) zerolog.Context {
		return c.Str("store", sc.Type)
	})

	switch sc.Type {
	case config.StoreS3:
		return s3.Open(ctx, s3.Options{
			Bucket:          sc.Bucket,
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			PathStyle:       sc.PathStyle,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			SessionToken:    sc.SessionToken,
			HTTPClient:      client,
			Logger:          storeLog,
		})
	case config.StoreAzure:
		return azure.Open(azure.Options{
			Container:   sc.Bucket,
			AccountName: sc.AccountName,
			AccountKey:  sc.AccountKey,
			SASURL:      sc.SASURL,
			Endpoint:    sc.Endpoint,
			HTTPClient:  client,
			Logger:      storeLog,
		})
	case config.StoreMinio:
		return minio.Open(minio.Options{
			Endpoint:        sc.Endpoint,
			Bucket:          sc.Bucket,
			Region:          sc.Region,
			PathStyle:       sc.PathStyle,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			SessionToken:    sc.SessionToken,
			HTTPClient:      client,
			Logger:          storeLog,
		})
	case config.StoreGateway:
		return gateway.Open(gateway.Options{
			Endpoint:   sc.Endpoint,
			HTTPClient: client,
			Retry: http.RetryOptions{
				MaxRetries:   cfg.Transfer.MaxAttempts - 1,
				InitialDelay: cfg.Transfer.InitialBackoff,
				MaxDelay:     cfg.Transfer.MaxBackoff,
			},
			Logger: storeLog,
		})
	default:
		return nil, fmt.Errorf("unsupported store type: %s", sc.Type)
	}
}

// Endpoint returns the base URL requests for sc are sent to. Used as the
// proxy warmup target.
func Endpoint(sc config.StoreConfig) string {
	if sc.Endpoint != "" {
		return sc.Endpoint
	}
	switch sc.Type {
	case config.StoreS3:
		if sc.Region == "" {
			return "https://s3.amazonaws.com"
		}
		return fmt.Sprintf("https://s3.%s.amazonaws.com", sc.Region)
	case config.StoreAzure:
		if sc.SASURL != "" {
			return sc.SASURL
		}
		if sc.AccountName != "" {
			return fmt.Sprintf("https://%s.blob.core.windows.net", sc.AccountName)
		}
	}
	return ""
}

// OpenLedger opens the resume ledger selected by lc.
func OpenLedger(lc config.LedgerConfig) (state.Ledger, error) {
	dir := lc.Dir
	if dir == "" {
		dir = config.DefaultLedgerDir()
	}
	switch lc.Backend {
	case config.LedgerFile, "":
		return state.NewFileLedger(dir)
	case config.LedgerBolt:
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
		return state.OpenBoltLedger(filepath.Join(dir, BoltFileName))
	default:
		return nil, config.ErrUnknownLedgerBackend
	}
}
