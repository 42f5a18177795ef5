package s3

import (
	"errors"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
)

// mapError converts an SDK error into a *storage.RemoteError carrying the
// HTTP status and the S3 error code, so the retry controller can classify it.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}

	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) || code == "NoSuchUpload" {
		return &storage.RemoteError{Op: op, StatusCode: status, Code: "NoSuchUpload", Err: errors.Join(storage.ErrNoSuchUpload, err)}
	}

	return &storage.RemoteError{Op: op, StatusCode: status, Code: code, Err: err}
}
