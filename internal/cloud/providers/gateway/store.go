// Package gateway implements storage.RemoteStore as a client of the local
// multipart gateway (see internal/gateway).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
	gw "github.com/rescale/rescale-upload/internal/gateway"
	"github.com/rescale/rescale-upload/internal/http"
	"github.com/rescale/rescale-upload/internal/logging"
	"github.com/rescale/rescale-upload/internal/ratelimit"
	"github.com/rescale/rescale-upload/internal/version"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 * 1024

// Options configures the gateway client.
type Options struct {
	// Endpoint is the gateway base URL, e.g. http://127.0.0.1:8480.
	Endpoint string

	// HTTPClient carries proxy settings and the bandwidth cap. Used as is for
	// part uploads and wrapped with connection retries for control calls.
	HTTPClient *nethttp.Client

	// Retry configures connection-level retries of control calls.
	// Zero value means http.DefaultRetryOptions.
	Retry http.RetryOptions

	Logger *logging.Logger
}

// Store talks to one gateway.
//
// Part bodies go straight through the shared client so the engine's retry
// controller sees every failure. Control calls (create, complete, abort,
// direct put) are paced by a token bucket and retried on connection failures.
type Store struct {
	base    *url.URL
	parts   *nethttp.Client
	control *retryablehttp.Client
	limiter *ratelimit.RateLimiter
	log     *logging.Logger
}

// Open validates opts and builds a Store.
func Open(opts Options) (*Store, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("gateway endpoint is required")
	}
	base, err := url.Parse(strings.TrimSuffix(opts.Endpoint, "/"))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid gateway endpoint %q", opts.Endpoint)
	}

	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &nethttp.Client{}
	}
	retryOpts := opts.Retry
	if retryOpts == (http.RetryOptions{}) {
		retryOpts = http.DefaultRetryOptions()
	}

	return &Store{
		base:    base,
		parts:   client,
		control: http.NewRetryableClient(client, retryOpts, log),
		limiter: ratelimit.NewControlCallLimiter(log),
		log:     log,
	}, nil
}

func (s *Store) endpoint(query url.Values, elem ...string) string {
	u := s.base.JoinPath(elem...)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// readError turns a non-2xx gateway answer into a *storage.RemoteError.
func readError(op string, resp *nethttp.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var er gw.ErrorResponse
	if json.Unmarshal(body, &er) != nil || er.Message == "" {
		er.Message = strings.TrimSpace(string(body))
	}
	if er.Message == "" {
		er.Message = nethttp.StatusText(resp.StatusCode)
	}

	err := errors.New(er.Message)
	if er.Code == gw.CodeNoSuchUpload {
		err = errors.Join(storage.ErrNoSuchUpload, err)
	}
	return &storage.RemoteError{Op: op, StatusCode: resp.StatusCode, Code: er.Code, Err: err}
}

// call performs one control call and decodes a JSON answer into out.
func (s *Store) call(ctx context.Context, op, method, target string, body io.ReadSeeker, size int64, want int, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, rawBody)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.ContentLength = size
		if method == nethttp.MethodPost {
			req.Header.Set("Content-Type", "application/json")
		}
	}

	resp, err := s.control.Do(req)
	if err != nil {
		return storage.NewRemoteError(op, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return readError(op, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return storage.StatusError(op, nethttp.StatusBadGateway, "malformed gateway response: "+err.Error())
	}
	return nil
}

func (s *Store) InitiateMultipart(ctx context.Context, targetPath string) (string, error) {
	var cr gw.CreateResponse
	q := url.Values{"path": {targetPath}}
	if err := s.call(ctx, "CreateUpload", nethttp.MethodPost, s.endpoint(q, "uploads"), nil, 0, nethttp.StatusCreated, &cr); err != nil {
		return "", err
	}
	if cr.SessionID == "" {
		return "", storage.StatusError("CreateUpload", nethttp.StatusBadGateway, "response carried no session id")
	}
	return cr.SessionID, nil
}

func (s *Store) UploadPart(ctx context.Context, sessionID, targetPath string, index int, body io.ReadSeeker, size int64) (string, error) {
	op := fmt.Sprintf("UploadPart %d", index)
	target := s.endpoint(nil, "uploads", sessionID, "parts", strconv.Itoa(index))

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPut, target, io.NopCloser(body))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = nethttp.NoBody
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.parts.Do(req)
	if err != nil {
		return "", storage.NewRemoteError(op, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		return "", readError(op, resp)
	}
	io.Copy(io.Discard, resp.Body)

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", storage.StatusError(op, nethttp.StatusBadGateway, "response carried no ETag")
	}
	return etag, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sessionID, targetPath string, parts []storage.CompletedPart) (string, error) {
	req := gw.CompleteRequest{Parts: make([]gw.CompletePart, len(parts))}
	for i, p := range parts {
		req.Parts[i] = gw.CompletePart{Index: p.Index, Token: p.Token}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	var lr gw.LocationResponse
	target := s.endpoint(nil, "uploads", sessionID, "complete")
	if err := s.call(ctx, "CompleteUpload", nethttp.MethodPost, target, bytes.NewReader(body), int64(len(body)), nethttp.StatusOK, &lr); err != nil {
		return "", err
	}
	return lr.Location, nil
}

func (s *Store) AbortMultipart(ctx context.Context, sessionID, targetPath string) error {
	return s.call(ctx, "AbortUpload", nethttp.MethodDelete, s.endpoint(nil, "uploads", sessionID), nil, 0, nethttp.StatusNoContent, nil)
}

// PutObject implements storage.DirectUploader.
func (s *Store) PutObject(ctx context.Context, targetPath string, body io.ReadSeeker, size int64) (string, error) {
	if body == nil {
		body = bytes.NewReader(nil)
	}
	var lr gw.LocationResponse
	q := url.Values{"path": {targetPath}}
	if err := s.call(ctx, "PutObject", nethttp.MethodPut, s.endpoint(q, "objects"), body, size, nethttp.StatusOK, &lr); err != nil {
		return "", err
	}
	return lr.Location, nil
}
