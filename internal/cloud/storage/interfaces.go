// Package storage defines the contract between the upload engine and a remote
// object store with multipart upload semantics, along with the error taxonomy
// shared by every store implementation.
package storage

import (
	"context"
	"io"
	"sort"
)

// SessionHandle identifies one multipart transfer attempt at the remote store.
// Immutable for the lifetime of a transfer session.
type SessionHandle struct {
	RemoteSessionID string `json:"remote_session_id"`
	TargetPath      string `json:"target_path"`
	ChunkSize       int64  `json:"chunk_size"`
	TotalChunks     int    `json:"total_chunks"`
}

// CompletedPart is a remote acknowledgement of one uploaded chunk.
// Token is opaque and must be passed back verbatim at finalize time.
type CompletedPart struct {
	Index int    `json:"index"`
	Token string `json:"token"`
}

// SortParts orders parts by index ascending in place and returns them.
func SortParts(parts []CompletedPart) []CompletedPart {
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].Index < parts[j].Index
	})
	return parts
}

// RemoteStore is the minimal set of multipart operations the engine needs.
// Implementations must be safe for concurrent UploadPart calls.
//
// Errors returned by implementations should be (or wrap) *RemoteError so the
// retry controller can classify them by status code.
type RemoteStore interface {
	// InitiateMultipart starts a new multipart upload and returns its id.
	InitiateMultipart(ctx context.Context, targetPath string) (string, error)

	// UploadPart uploads one part. body may be read more than once by SDK-level
	// retries, so it is an io.ReadSeeker positioned at 0.
	UploadPart(ctx context.Context, sessionID, targetPath string, index int, body io.ReadSeeker, size int64) (string, error)

	// CompleteMultipart stitches the parts together. parts are sorted by index.
	CompleteMultipart(ctx context.Context, sessionID, targetPath string, parts []CompletedPart) (string, error)

	// AbortMultipart discards a multipart upload. Best effort.
	AbortMultipart(ctx context.Context, sessionID, targetPath string) error
}

// DirectUploader is implemented by stores that can write a small object in a
// single request. Used for zero-length files.
type DirectUploader interface {
	PutObject(ctx context.Context, targetPath string, body io.ReadSeeker, size int64) (string, error)
}

// Limits describes the part constraints of a store.
// Zero values mean "no limit".
type Limits struct {
	MinPartSize int64
	MaxPartSize int64
	MaxParts    int
}

// LimitedStore is implemented by stores that publish part limits.
type LimitedStore interface {
	Limits() Limits
}

// StoreLimits returns the limits of store, or the zero Limits if it publishes none.
func StoreLimits(store RemoteStore) Limits {
	if ls, ok := store.(LimitedStore); ok {
		return ls.Limits()
	}
	return Limits{}
}
