package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	azContainer "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/google/uuid"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/logging"
)

const (
	opStage  = "StageBlock"
	opCommit = "CommitBlockList"
	opUpload = "Upload"
)

// Store is a multipart store over one blob container.
//
// Azure has no server-side multipart session: InitiateMultipart only mints a
// session id, and the id is folded into every block id so that two sessions
// staging blocks on the same blob never collide.
type Store struct {
	container *azContainer.Client
	log       *logging.Logger
}

// NewStore wraps a container client.
func NewStore(container *azContainer.Client, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{container: container, log: log}
}

// Open builds the container client from opts and wraps it in a Store.
func Open(opts Options) (*Store, error) {
	client, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(client, opts.Logger), nil
}

// Limits implements storage.LimitedStore.
func (s *Store) Limits() storage.Limits {
	return storage.Limits{
		MaxPartSize: constants.MaxAzureBlockSize,
		MaxParts:    constants.MaxAzureBlocks,
	}
}

func blobName(targetPath string) string {
	return strings.TrimPrefix(targetPath, "/")
}

// BlockID returns the base64 block id of part index in session sessionID.
// All ids of a blob must have the same length, hence the fixed-width index.
func BlockID(sessionID string, index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s-%06d", sessionID, index)))
}

func (s *Store) InitiateMultipart(ctx context.Context, targetPath string) (string, error) {
	if blobName(targetPath) == "" {
		return "", fmt.Errorf("%w: empty blob name", storage.ErrInvalidConfiguration)
	}
	return uuid.NewString(), nil
}

func (s *Store) UploadPart(ctx context.Context, sessionID, targetPath string, index int, body io.ReadSeeker, size int64) (string, error) {
	id := BlockID(sessionID, index)
	bb := s.container.NewBlockBlobClient(blobName(targetPath))
	if _, err := bb.StageBlock(ctx, id, streaming.NopCloser(body), nil); err != nil {
		return "", mapError(fmt.Sprintf("%s %d", opStage, index), err)
	}
	return id, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sessionID, targetPath string, parts []storage.CompletedPart) (string, error) {
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = p.Token
		if ids[i] == "" {
			ids[i] = BlockID(sessionID, p.Index)
		}
	}
	bb := s.container.NewBlockBlobClient(blobName(targetPath))
	if _, err := bb.CommitBlockList(ctx, ids, &blockblob.CommitBlockListOptions{}); err != nil {
		return "", mapError(opCommit, err)
	}
	return stripQuery(bb.URL()), nil
}

// AbortMultipart has nothing to call: Azure garbage-collects uncommitted
// blocks after seven days.
func (s *Store) AbortMultipart(ctx context.Context, sessionID, targetPath string) error {
	s.log.Debug().Str("session", sessionID).Str("blob", blobName(targetPath)).
		Msg("Azure has no abort; uncommitted blocks expire on their own")
	return nil
}

// PutObject implements storage.DirectUploader.
func (s *Store) PutObject(ctx context.Context, targetPath string, body io.ReadSeeker, size int64) (string, error) {
	if body == nil {
		body = bytes.NewReader(nil)
	}
	bb := s.container.NewBlockBlobClient(blobName(targetPath))
	if _, err := bb.Upload(ctx, streaming.NopCloser(body), nil); err != nil {
		return "", mapError(opUpload, err)
	}
	return stripQuery(bb.URL()), nil
}
