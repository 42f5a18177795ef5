// Package s3 implements storage.RemoteStore on Amazon S3 and S3-compatible
// services through the AWS SDK v2.
package s3

import (
	"context"
	"crypto/tls"
	"fmt"
	nethttp "net/http"
	"net/http/httptrace"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rescale/rescale-upload/internal/logging"
)

// Options configures the S3 client.
type Options struct {
	Bucket string
	Region string

	// Endpoint overrides the service URL for S3-compatible stores.
	Endpoint string
	// PathStyle addresses buckets as /bucket/key instead of bucket.host/key.
	PathStyle bool

	// Static credentials. When AccessKeyID is empty the SDK's default chain
	// (environment, shared config, instance role) is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// HTTPClient carries proxy settings and the bandwidth cap. Shared by every
	// request to keep the connection pool warm.
	HTTPClient *nethttp.Client

	Logger *logging.Logger
}

// NewClient builds an S3 client from opts.
//
// SDK-level retries are disabled: the engine's retry controller owns the
// attempt count of every call.
func NewClient(ctx context.Context, opts Options) (*s3.Client, error) {
	start := time.Now()
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
		config.WithRetryMaxAttempts(1),
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	}
	if opts.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(opts.HTTPClient))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			opts.SessionToken,
		)))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})

	if opts.Logger != nil {
		opts.Logger.Debug().Dur("took", time.Since(start)).Str("bucket", opts.Bucket).Msg("S3 client ready")
	}
	return client, nil
}

// TraceContext adds HTTP connection tracing when DEBUG_HTTP=true.
// This is useful for debugging connection reuse and TLS handshake overhead.
func TraceContext(ctx context.Context, log *logging.Logger, operation string) context.Context {
	if os.Getenv("DEBUG_HTTP") != "true" || log == nil {
		return ctx
	}

	var handshakeStart time.Time
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			log.Debug().Str("op", operation).Bool("reused", info.Reused).Msg("HTTP connection")
		},
		TLSHandshakeStart: func() {
			handshakeStart = time.Now()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, _ error) {
			log.Debug().Str("op", operation).Dur("took", time.Since(handshakeStart)).Msg("TLS handshake")
		},
	})
}
