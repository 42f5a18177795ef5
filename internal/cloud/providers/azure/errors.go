package azure

import (
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
)

// mapError converts an SDK error into a *storage.RemoteError.
//
// Uncommitted blocks expire after seven days; a commit that names blocks the
// service no longer has is reported as ErrNoSuchUpload, same as S3.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	status, code := 0, ""
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.StatusCode
		code = respErr.ErrorCode
	}

	if op == opCommit && bloberror.HasCode(err, bloberror.InvalidBlockList) {
		return &storage.RemoteError{Op: op, StatusCode: status, Code: code, Err: errors.Join(storage.ErrNoSuchUpload, err)}
	}
	return &storage.RemoteError{Op: op, StatusCode: status, Code: code, Err: err}
}
