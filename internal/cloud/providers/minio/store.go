// Package minio implements storage.RemoteStore on MinIO and other
// S3-compatible servers through minio-go's low-level Core API.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/logging"
	"github.com/rescale/rescale-upload/internal/version"
)

// Options configures the MinIO client.
type Options struct {
	// Endpoint is host:port, or a URL whose scheme selects TLS.
	Endpoint string
	Bucket   string
	Region   string

	// PathStyle forces /bucket/key addressing. Otherwise the lookup is automatic.
	PathStyle bool

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	HTTPClient *nethttp.Client
	Logger     *logging.Logger
}

// Store is a multipart store over one bucket.
type Store struct {
	core   *minio.Core
	bucket string
	log    *logging.Logger
}

// parseEndpoint splits an endpoint into the host minio-go wants and whether to use TLS.
func parseEndpoint(endpoint string) (host string, secure bool, err error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint is required")
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, true, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

// Open builds a Core client from opts.
//
// Credentials chain the static keys with the usual AWS and MinIO environment
// variables. Client-side retries are disabled: the engine's retry controller
// owns the attempt count of every call.
func Open(opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	host, secure, err := parseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	minio.MaxRetry = 1

	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.Static{
			Value: credentials.Value{
				AccessKeyID:     opts.AccessKeyID,
				SecretAccessKey: opts.SecretAccessKey,
				SessionToken:    opts.SessionToken,
			},
		},
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
	})

	mopts := &minio.Options{
		Creds:        creds,
		Secure:       secure,
		Region:       opts.Region,
		BucketLookup: minio.BucketLookupAuto,
	}
	if opts.PathStyle {
		mopts.BucketLookup = minio.BucketLookupPath
	}
	if opts.HTTPClient != nil && opts.HTTPClient.Transport != nil {
		mopts.Transport = opts.HTTPClient.Transport
	}

	core, err := minio.NewCore(host, mopts)
	if err != nil {
		return nil, fmt.Errorf("minio.NewCore: %w", err)
	}
	core.SetAppInfo("rescale-upload", version.Version)

	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Store{core: core, bucket: opts.Bucket, log: log}, nil
}

// Limits implements storage.LimitedStore.
func (s *Store) Limits() storage.Limits {
	return storage.Limits{
		MinPartSize: constants.MinPartSize,
		MaxPartSize: constants.MaxS3PartSize,
		MaxParts:    constants.MaxS3Parts,
	}
}

func objectKey(targetPath string) string {
	return strings.TrimPrefix(targetPath, "/")
}

// mapError converts a minio-go error into a *storage.RemoteError.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchUpload" {
		return &storage.RemoteError{Op: op, StatusCode: resp.StatusCode, Code: resp.Code, Err: errors.Join(storage.ErrNoSuchUpload, err)}
	}
	return &storage.RemoteError{Op: op, StatusCode: resp.StatusCode, Code: resp.Code, Err: err}
}

func (s *Store) InitiateMultipart(ctx context.Context, targetPath string) (string, error) {
	id, err := s.core.NewMultipartUpload(ctx, s.bucket, objectKey(targetPath), minio.PutObjectOptions{})
	if err != nil {
		return "", mapError("NewMultipartUpload", err)
	}
	if id == "" {
		return "", storage.StatusError("NewMultipartUpload", nethttp.StatusBadGateway, "response carried no upload id")
	}
	return id, nil
}

func (s *Store) UploadPart(ctx context.Context, sessionID, targetPath string, index int, body io.ReadSeeker, size int64) (string, error) {
	part, err := s.core.PutObjectPart(ctx, s.bucket, objectKey(targetPath), sessionID, index, body, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", mapError(fmt.Sprintf("PutObjectPart %d", index), err)
	}
	return part.ETag, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sessionID, targetPath string, parts []storage.CompletedPart) (string, error) {
	completed := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		completed[i] = minio.CompletePart{PartNumber: p.Index, ETag: p.Token}
	}
	key := objectKey(targetPath)
	info, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, sessionID, completed, minio.PutObjectOptions{})
	if err != nil {
		return "", mapError("CompleteMultipartUpload", err)
	}
	if info.Location != "" {
		return info.Location, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *Store) AbortMultipart(ctx context.Context, sessionID, targetPath string) error {
	return mapError("AbortMultipartUpload", s.core.AbortMultipartUpload(ctx, s.bucket, objectKey(targetPath), sessionID))
}

// PutObject implements storage.DirectUploader.
func (s *Store) PutObject(ctx context.Context, targetPath string, body io.ReadSeeker, size int64) (string, error) {
	key := objectKey(targetPath)
	if _, err := s.core.PutObject(ctx, s.bucket, key, body, size, "", "", minio.PutObjectOptions{}); err != nil {
		return "", mapError("PutObject", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
