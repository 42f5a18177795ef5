package s3

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
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

	store, err := Open(context.Background(), Options{
		Bucket:          "bucket",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		PathStyle:       true,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		HTTPClient:      srv.Client(),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return store
}

func TestStore_MultipartRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := s3fake.New()
	store := newTestStore(t, fake)

	id, err := store.InitiateMultipart(ctx, "/data/out.bin")
	if err != nil {
		t.Fatalf("InitiateMultipart() error = %v", err)
	}

	var parts []storage.CompletedPart
	for i, chunk := range []string{"hello ", "world"} {
		tok, err := store.UploadPart(ctx, id, "/data/out.bin", i+1, strings.NewReader(chunk), int64(len(chunk)))
		if err != nil {
			t.Fatalf("UploadPart(%d) error = %v", i+1, err)
		}
		parts = append(parts, storage.CompletedPart{Index: i + 1, Token: tok})
	}

	loc, err := store.CompleteMultipart(ctx, id, "/data/out.bin", parts)
	if err != nil {
		t.Fatalf("CompleteMultipart() error = %v", err)
	}
	if loc != "http://fake/bucket/data/out.bin" {
		t.Errorf("unexpected location %q", loc)
	}
	if got, _ := fake.Object("data/out.bin"); string(got) != "hello world" {
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
	if storage.StatusCode(err) != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %v", err)
	}
	if retry.Classify(err) != retry.Retryable {
		t.Errorf("503 should be retryable, got %v", retry.Classify(err))
	}

	_, err = store.UploadPart(ctx, id, "k", 3, strings.NewReader("x"), 1)
	if retry.Classify(err) != retry.Fatal {
		t.Errorf("403 should be fatal, got %v", retry.Classify(err))
	}

	_, err = store.UploadPart(ctx, "no-such-id", "k", 1, strings.NewReader("x"), 1)
	if !errors.Is(err, storage.ErrNoSuchUpload) {
		t.Errorf("expected ErrNoSuchUpload, got %v", err)
	}

	if err := store.AbortMultipart(ctx, id, "k"); err != nil {
		t.Errorf("AbortMultipart() error = %v", err)
	}
	if err := store.AbortMultipart(ctx, id, "k"); !errors.Is(err, storage.ErrNoSuchUpload) {
		t.Errorf("second abort should report ErrNoSuchUpload, got %v", err)
	}
}

func TestStore_PutObject(t *testing.T) {
	fake := s3fake.New()
	store := newTestStore(t, fake)

	loc, err := store.PutObject(context.Background(), "empty.txt", strings.NewReader(""), 0)
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

func TestStore_Limits(t *testing.T) {
	var s storage.RemoteStore = NewStore(nil, "b", nil)
	limits := storage.StoreLimits(s)
	if limits.MaxParts != 10000 || limits.MinPartSize != 5*1024*1024 {
		t.Errorf("unexpected limits %+v", limits)
	}
}

func TestStore_SessionEndToEnd(t *testing.T) {
	fake := s3fake.New()
	store := newTestStore(t, fake)

	dir := t.TempDir()
	local := filepath.Join(dir, "input.bin")
	data := make([]byte, 11*1024*1024+3)
	for i := range data {
		data[i] = byte(i % 253)
	}
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
		TargetPath:  "uploads/input.bin",
		ChunkSize:   5 * 1024 * 1024,
		Concurrency: 2,
		StorageType: "s3",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := sess.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res.State != transfer.StateCompleted || res.PartsUploaded != 3 {
		t.Errorf("unexpected result %+v", res)
	}
	if got, _ := fake.Object("uploads/input.bin"); len(got) != len(data) || string(got) != string(data) {
		t.Errorf("object differs from input: got %d bytes", len(got))
	}

	recs, _ := ledger.List(context.Background())
	if len(recs) != 0 {
		ids := make([]string, 0, len(recs))
		for _, r := range recs {
			ids = append(ids, r.Handle.RemoteSessionID)
		}
		sort.Strings(ids)
		t.Errorf("ledger not cleared: %v", ids)
	}
}
