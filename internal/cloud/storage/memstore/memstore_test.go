package memstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
)

func TestStore_MultipartRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(storage.Limits{})

	id, err := s.InitiateMultipart(ctx, "bucket/key")
	if err != nil {
		t.Fatal(err)
	}
	var parts []storage.CompletedPart
	for i, chunk := range []string{"hello ", "world"} {
		tok, err := s.UploadPart(ctx, id, "bucket/key", i+1, bytes.NewReader([]byte(chunk)), int64(len(chunk)))
		if err != nil {
			t.Fatalf("UploadPart failed: %v", err)
		}
		parts = append(parts, storage.CompletedPart{Index: i + 1, Token: tok})
	}
	loc, err := s.CompleteMultipart(ctx, id, "bucket/key", parts)
	if err != nil {
		t.Fatalf("CompleteMultipart failed: %v", err)
	}
	if loc != "mem://bucket/key" {
		t.Errorf("unexpected location %q", loc)
	}
	if got, _ := s.Object("bucket/key"); string(got) != "hello world" {
		t.Errorf("unexpected object %q", got)
	}
	if s.OpenUploads() != 0 {
		t.Error("completed upload still open")
	}
}

func TestStore_CompleteRejectsBadPartLists(t *testing.T) {
	ctx := context.Background()
	s := New(storage.Limits{})
	id, _ := s.InitiateMultipart(ctx, "k")
	t1, _ := s.UploadPart(ctx, id, "k", 1, bytes.NewReader([]byte("a")), 1)
	t2, _ := s.UploadPart(ctx, id, "k", 2, bytes.NewReader([]byte("b")), 1)

	tests := [][]storage.CompletedPart{
		{{Index: 2, Token: t2}, {Index: 1, Token: t1}},
		{{Index: 1, Token: "bogus"}, {Index: 2, Token: t2}},
		{{Index: 1, Token: t1}, {Index: 3, Token: t2}},
		nil,
	}
	for _, parts := range tests {
		_, err := s.CompleteMultipart(ctx, id, "k", parts)
		if storage.StatusCode(err) != 400 {
			t.Errorf("parts %+v: expected 400, got %v", parts, err)
		}
	}
}

func TestStore_FaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New(storage.Limits{})
	id, _ := s.InitiateMultipart(ctx, "k")

	boom := storage.StatusError("UploadPart", 503, "")
	s.FailPart(1, Fault{Times: 2, Err: boom})

	for i := 0; i < 2; i++ {
		if _, err := s.UploadPart(ctx, id, "k", 1, bytes.NewReader([]byte("a")), 1); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected injected fault, got %v", i+1, err)
		}
	}
	if _, err := s.UploadPart(ctx, id, "k", 1, bytes.NewReader([]byte("a")), 1); err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if s.Attempts(1) != 3 {
		t.Errorf("expected 3 attempts, got %d", s.Attempts(1))
	}
}

func TestStore_AbortAndMultipartOnly(t *testing.T) {
	ctx := context.Background()
	s := New(storage.Limits{})
	id, _ := s.InitiateMultipart(ctx, "k")
	if err := s.AbortMultipart(ctx, id, "k"); err != nil {
		t.Fatal(err)
	}
	if err := s.AbortMultipart(ctx, id, "k"); !errors.Is(err, storage.ErrNoSuchUpload) {
		t.Errorf("second abort should report NoSuchUpload, got %v", err)
	}

	if _, ok := s.MultipartOnly().(storage.DirectUploader); ok {
		t.Error("MultipartOnly should hide PutObject")
	}
	var store storage.RemoteStore = s
	if _, ok := store.(storage.DirectUploader); !ok {
		t.Error("Store should implement DirectUploader")
	}
}
