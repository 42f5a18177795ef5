package s3

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/logging"
)

// API is the subset of the S3 client the store calls.
type API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store is a multipart store backed by one S3 bucket.
// Target paths are object keys. Part tokens are the ETags S3 returns.
type Store struct {
	api    API
	bucket string
	log    *logging.Logger
}

// NewStore returns a store over bucket.
func NewStore(api API, bucket string, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{api: api, bucket: bucket, log: log}
}

// Open builds the SDK client from opts and wraps it in a Store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client, err := NewClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewStore(client, opts.Bucket, opts.Logger), nil
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

func (s *Store) InitiateMultipart(ctx context.Context, targetPath string) (string, error) {
	out, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(targetPath)),
	})
	if err != nil {
		return "", mapError("CreateMultipartUpload", err)
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return "", storage.StatusError("CreateMultipartUpload", 502, "response carried no upload id")
	}
	return *out.UploadId, nil
}

func (s *Store) UploadPart(ctx context.Context, sessionID, targetPath string, index int, body io.ReadSeeker, size int64) (string, error) {
	op := fmt.Sprintf("UploadPart %d", index)
	ctx = TraceContext(ctx, s.log, op)
	out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(targetPath)),
		PartNumber:    aws.Int32(int32(index)),
		UploadId:      aws.String(sessionID),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", mapError(op, err)
	}
	if out.ETag == nil {
		return "", nil
	}
	return *out.ETag, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sessionID, targetPath string, parts []storage.CompletedPart) (string, error) {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.Token),
			PartNumber: aws.Int32(int32(p.Index)),
		}
	}
	key := objectKey(targetPath)
	out, err := s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(sessionID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", mapError("CompleteMultipartUpload", err)
	}
	if out.Location != nil && *out.Location != "" {
		return *out.Location, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *Store) AbortMultipart(ctx context.Context, sessionID, targetPath string) error {
	_, err := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectKey(targetPath)),
		UploadId: aws.String(sessionID),
	})
	return mapError("AbortMultipartUpload", err)
}

// PutObject implements storage.DirectUploader.
func (s *Store) PutObject(ctx context.Context, targetPath string, body io.ReadSeeker, size int64) (string, error) {
	key := objectKey(targetPath)
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", mapError("PutObject", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
