// Package azure implements storage.RemoteStore on Azure block blobs.
//
// A multipart session maps onto the uncommitted block list of one blob:
// parts are staged with StageBlock and stitched together by CommitBlockList.
package azure

import (
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azContainer "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/rescale/rescale-upload/internal/logging"
)

// Options configures the container client.
type Options struct {
	Container string

	// AccountName and AccountKey authenticate with a shared key.
	AccountName string
	AccountKey  string

	// SASURL is a container URL carrying a SAS token. When set it wins over
	// the shared key and Container is ignored.
	SASURL string

	// Endpoint overrides https://<account>.blob.core.windows.net, e.g. for Azurite.
	Endpoint string

	// HTTPClient carries proxy settings and the bandwidth cap.
	HTTPClient *nethttp.Client

	Logger *logging.Logger
}

// containerURL builds the container URL for shared key access.
func containerURL(opts Options) (string, error) {
	if opts.Container == "" {
		return "", fmt.Errorf("container is required")
	}
	if opts.Endpoint != "" {
		return strings.TrimSuffix(opts.Endpoint, "/") + "/" + opts.Container, nil
	}
	if opts.AccountName == "" {
		return "", fmt.Errorf("azure storage account name is required")
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/%s", opts.AccountName, opts.Container), nil
}

// NewClient builds a container client from opts.
//
// SDK-level retries are disabled: the engine's retry controller owns the
// attempt count of every call.
func NewClient(opts Options) (*azContainer.Client, error) {
	clientOpts := &azContainer.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}
	if opts.HTTPClient != nil {
		// Shared across sessions to keep the connection pool warm
		clientOpts.Transport = opts.HTTPClient
	}

	if opts.SASURL != "" {
		if _, err := url.Parse(opts.SASURL); err != nil {
			return nil, fmt.Errorf("invalid SAS URL: %w", err)
		}
		client, err := azContainer.NewClientWithNoCredential(opts.SASURL, clientOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client: %w", err)
		}
		return client, nil
	}

	u, err := containerURL(opts)
	if err != nil {
		return nil, err
	}
	cred, err := azblob.NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid Azure shared key: %w", err)
	}
	client, err := azContainer.NewClientWithSharedKeyCredential(u, cred, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return client, nil
}

// stripQuery drops the SAS token from a blob URL before it is reported.
func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
