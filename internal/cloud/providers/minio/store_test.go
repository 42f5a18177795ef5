package minio

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rescale/rescale-upload/internal/cloud/retry"
	"github.com/rescale/rescale-upload/internal/cloud/state"
	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/cloud/storage/s3fake"
	"github.com/rescale/rescale-upload/internal/cloud/transfer"
)

func newTestStore(t *testing.T, fake *s3fake.Server) *Store {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := Open(Options{
		Endpoint:        srv.URL,
		Bucket:          "bucket",
		Region:          "us-east-1",
		PathStyle:       true,
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		HTTPClient:      srv.Client(),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return store
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		host   string
		secure bool
		ok     bool
	}{
		{"play.min.io", "play.min.io", true, true},
		{"http://127.0.0.1:9000", "127.0.0.1:9000", false, true},
		{"https://minio.internal:9000/", "minio.internal:9000", true, true},
		{"ftp://host", "", false, false},
		{"", "", false, false},
	}
	for _, tt := range tests {
		host, secure, err := parseEndpoint(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("parseEndpoint(%q) error = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && (host != tt.host || secure != tt.secure) {
			t.Errorf("parseEndpoint(%q) = %q, %v; want %q, %v", tt.in, host, secure, tt.host, tt.secure)
		}
	}
}

func TestStore_MultipartRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := s3fake.New()
	store := newTestStore(t, fake)

	id, err := store.InitiateMultipart(ctx, "/sim/run.tar")
	if err != nil {
		t.Fatalf("InitiateMultipart() error = %v", err)
	}

	var parts []storage.CompletedPart
	for i, chunk := range []string{"hello ", "minio"} {
		tok, err := store.UploadPart(ctx, id, "/sim/run.tar", i+1, strings.NewReader(chunk), int64(len(chunk)))
		if err != nil {
			t.Fatalf("UploadPart(%d) error = %v", i+1, err)
		}
		parts = append(parts, storage.CompletedPart{Index: i + 1, Token: tok})
	}

	if _, err := store.CompleteMultipart(ctx, id, "/sim/run.tar", parts); err != nil {
		t.Fatalf("CompleteMultipart() error = %v", err)
	}
	if got, _ := fake.Object("sim/run.tar"); string(got) != "hello minio" {
		t.Errorf("unexpected object %q", got)
	}
}

func TestStore_ErrorMapping(t *testing.T) {
	ctx := context.Background()
	fake := s3fake.New()
	fake.FailPart(2, http.StatusServiceUnavailable)
	fake.FailPart(3, http.StatusForbidden)
	store := newTestStore(t, fake)

	id, err := store.InitiateMultipart(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.UploadPart(ctx, id, "k", 2, strings.NewReader("x"), 1)
	if retry.Classify(err) != retry.Retryable {
		t.Errorf("503 should be retryable, got %v (%v)", retry.Classify(err), err)
	}
	_, err = store.UploadPart(ctx, id, "k", 3, strings.NewReader("x"), 1)
	if retry.Classify(err) != retry.Fatal {
		t.Errorf("403 should be fatal, got %v (%v)", retry.Classify(err), err)
	}

	if err := store.AbortMultipart(ctx, id, "k"); err != nil {
		t.Errorf("AbortMultipart() error = %v", err)
	}
	if err := store.AbortMultipart(ctx, id, "k"); !errors.Is(err, storage.ErrNoSuchUpload) {
		t.Errorf("second abort should report ErrNoSuchUpload, got %v", err)
	}
	if fake.Pending() != 0 {
		t.Errorf("expected no pending uploads, got %d", fake.Pending())
	}
}

func TestStore_PutObject(t *testing.T) {
	fake := s3fake.New()
	store := newTestStore(t, fake)

	loc, err := store.PutObject(context.Background(), "empty.txt", bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if loc != "s3://bucket/empty.txt" {
		t.Errorf("unexpected location %q", loc)
	}
	if data, ok := fake.Object("empty.txt"); !ok || len(data) != 0 {
		t.Errorf("empty object not stored: %v %v", data, ok)
	}
}

func TestStore_SessionEndToEnd(t *testing.T) {
	fake := s3fake.New()
	store := newTestStore(t, fake)

	dir := t.TempDir()
	local := filepath.Join(dir, "input.bin")
	data := bytes.Repeat([]byte("rescale-"), (10*1024*1024+17)/8)
	if err := os.WriteFile(local, data, 0644); err != nil {
		t.Fatal(err)
	}
	ledger, err := state.NewFileLedger(filepath.Join(dir, "ledger"))
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()

	sess, err := transfer.New(store, ledger, transfer.Options{
		LocalPath:   local,
		TargetPath:  "input.bin",
		ChunkSize:   5 * 1024 * 1024,
		Concurrency: 2,
		StorageType: "minio",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := sess.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res.State != transfer.StateCompleted {
		t.Errorf("unexpected result %+v", res)
	}
	if got, _ := fake.Object("input.bin"); !bytes.Equal(got, data) {
		t.Errorf("object differs from input: got %d bytes, want %d", len(got), len(data))
	}
}
