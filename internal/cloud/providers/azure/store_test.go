package azure

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rescale/rescale-upload/internal/cloud/retry"
	"github.com/rescale/rescale-upload/internal/cloud/state"
	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/cloud/transfer"
)

// fakeBlob speaks the block blob subset the store uses, Azurite style:
// /<account>/<container>/<blob>.
type fakeBlob struct {
	mu        sync.Mutex
	staged    map[string]map[string][]byte // blob -> block id -> data
	blobs     map[string][]byte
	failStage int // HTTP status for every StageBlock, 0 = succeed
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{
		staged: make(map[string]map[string][]byte),
		blobs:  make(map[string][]byte),
	}
}

func azError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("x-ms-error-code", code)
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?><Error><Code>`+code+`</Code><Message>`+code+`</Message></Error>`)
}

func (f *fakeBlob) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 3)
	if len(parts) != 3 || r.Method != http.MethodPut {
		azError(w, http.StatusBadRequest, "InvalidUri")
		return
	}
	name := parts[2]
	q := r.URL.Query()

	switch q.Get("comp") {
	case "block":
		if f.failStage != 0 {
			azError(w, f.failStage, "ServerBusy")
			return
		}
		data, _ := io.ReadAll(r.Body)
		if f.staged[name] == nil {
			f.staged[name] = make(map[string][]byte)
		}
		f.staged[name][q.Get("blockid")] = data
		w.WriteHeader(http.StatusCreated)

	case "blocklist":
		var list struct {
			Latest []string `xml:"Latest"`
		}
		if err := xml.NewDecoder(r.Body).Decode(&list); err != nil {
			azError(w, http.StatusBadRequest, "InvalidXmlDocument")
			return
		}
		var blob []byte
		for _, id := range list.Latest {
			data, ok := f.staged[name][id]
			if !ok {
				azError(w, http.StatusBadRequest, "InvalidBlockList")
				return
			}
			blob = append(blob, data...)
		}
		f.blobs[name] = blob
		delete(f.staged, name)
		w.WriteHeader(http.StatusCreated)

	case "":
		data, _ := io.ReadAll(r.Body)
		f.blobs[name] = data
		w.WriteHeader(http.StatusCreated)

	default:
		azError(w, http.StatusBadRequest, "UnsupportedQueryParameter")
	}
}

func (f *fakeBlob) blob(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[name]
	return data, ok
}

func newTestStore(t *testing.T, fake *fakeBlob) *Store {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := Open(Options{
		Container:   "uploads",
		AccountName: "devacct",
		AccountKey:  base64.StdEncoding.EncodeToString([]byte("test-key")),
		Endpoint:    srv.URL + "/devacct",
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return store
}

func TestBlockID_FixedWidthAndUnique(t *testing.T) {
	a := BlockID("6ba7b810-9dad-11d1-80b4-00c04fd430c8", 1)
	b := BlockID("6ba7b810-9dad-11d1-80b4-00c04fd430c8", 49999)
	c := BlockID("7ba7b810-9dad-11d1-80b4-00c04fd430c8", 1)
	if len(a) != len(b) {
		t.Errorf("block ids differ in length: %d vs %d", len(a), len(b))
	}
	if a == c {
		t.Error("block ids of different sessions must differ")
	}
	raw, err := base64.StdEncoding.DecodeString(a)
	if err != nil || len(raw) > 64 {
		t.Errorf("block id must be base64 of at most 64 bytes, got %d bytes, err %v", len(raw), err)
	}
}

func TestContainerURL(t *testing.T) {
	u, err := containerURL(Options{AccountName: "acct", Container: "c"})
	if err != nil || u != "https://acct.blob.core.windows.net/c" {
		t.Errorf("containerURL() = %q, %v", u, err)
	}
	u, err = containerURL(Options{Endpoint: "http://127.0.0.1:10000/devstoreaccount1/", Container: "c"})
	if err != nil || u != "http://127.0.0.1:10000/devstoreaccount1/c" {
		t.Errorf("containerURL() with endpoint = %q, %v", u, err)
	}
	if _, err := containerURL(Options{AccountName: "acct"}); err == nil {
		t.Error("missing container should be an error")
	}
	if _, err := containerURL(Options{Container: "c"}); err == nil {
		t.Error("missing account should be an error")
	}
}

func TestStripQuery(t *testing.T) {
	got := stripQuery("https://acct.blob.core.windows.net/c/file.bin?sv=2021&sig=secret")
	if got != "https://acct.blob.core.windows.net/c/file.bin" {
		t.Errorf("stripQuery() = %q", got)
	}
}

func TestStore_MultipartRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeBlob()
	store := newTestStore(t, fake)

	id, err := store.InitiateMultipart(ctx, "/results/out.bin")
	if err != nil {
		t.Fatalf("InitiateMultipart() error = %v", err)
	}

	var parts []storage.CompletedPart
	for i, chunk := range []string{"hello ", "azure"} {
		tok, err := store.UploadPart(ctx, id, "/results/out.bin", i+1, strings.NewReader(chunk), int64(len(chunk)))
		if err != nil {
			t.Fatalf("UploadPart(%d) error = %v", i+1, err)
		}
		if tok != BlockID(id, i+1) {
			t.Errorf("token %q is not the block id", tok)
		}
		parts = append(parts, storage.CompletedPart{Index: i + 1, Token: tok})
	}

	loc, err := store.CompleteMultipart(ctx, id, "/results/out.bin", parts)
	if err != nil {
		t.Fatalf("CompleteMultipart() error = %v", err)
	}
	if !strings.HasSuffix(loc, "/devacct/uploads/results/out.bin") || strings.Contains(loc, "?") {
		t.Errorf("unexpected location %q", loc)
	}
	if got, _ := fake.blob("results/out.bin"); string(got) != "hello azure" {
		t.Errorf("unexpected blob %q", got)
	}

	if err := store.AbortMultipart(ctx, id, "results/out.bin"); err != nil {
		t.Errorf("AbortMultipart() should be a no-op, got %v", err)
	}
}

func TestStore_ErrorMapping(t *testing.T) {
	ctx := context.Background()
	fake := newFakeBlob()
	store := newTestStore(t, fake)

	fake.mu.Lock()
	fake.failStage = http.StatusServiceUnavailable
	fake.mu.Unlock()

	_, err := store.UploadPart(ctx, "s", "k", 1, strings.NewReader("x"), 1)
	if storage.StatusCode(err) != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %v", err)
	}
	if retry.Classify(err) != retry.Retryable {
		t.Errorf("503 should be retryable, got %v", retry.Classify(err))
	}

	_, err = store.CompleteMultipart(ctx, "s", "k", []storage.CompletedPart{{Index: 1, Token: BlockID("s", 1)}})
	if !errors.Is(err, storage.ErrNoSuchUpload) {
		t.Errorf("commit of unknown blocks should map to ErrNoSuchUpload, got %v", err)
	}
	if retry.Classify(err) != retry.Fatal {
		t.Errorf("InvalidBlockList should be fatal, got %v", retry.Classify(err))
	}
}

func TestStore_PutObject(t *testing.T) {
	fake := newFakeBlob()
	store := newTestStore(t, fake)

	if _, err := store.PutObject(context.Background(), "empty.txt", strings.NewReader(""), 0); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if data, ok := fake.blob("empty.txt"); !ok || len(data) != 0 {
		t.Errorf("empty blob not stored: %v %v", data, ok)
	}
}

func TestStore_Limits(t *testing.T) {
	var s storage.RemoteStore = NewStore(nil, nil)
	limits := storage.StoreLimits(s)
	if limits.MaxParts != 50000 || limits.MinPartSize != 0 {
		t.Errorf("unexpected limits %+v", limits)
	}
}

func TestStore_SessionEndToEnd(t *testing.T) {
	fake := newFakeBlob()
	store := newTestStore(t, fake)

	dir := t.TempDir()
	local := filepath.Join(dir, "input.bin")
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 251)
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
		TargetPath:  "input.bin",
		ChunkSize:   1024,
		Concurrency: 3,
		StorageType: "azure",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := sess.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res.State != transfer.StateCompleted || res.PartsUploaded != 5 {
		t.Errorf("unexpected result %+v", res)
	}
	if got, _ := fake.blob("input.bin"); string(got) != string(data) {
		t.Errorf("blob differs from input: got %d bytes", len(got))
	}
}
