// Package memstore is an in-memory multipart store. It backs dry runs of the
// CLI and lets tests inject failures and observe exactly which calls the
// engine made.
package memstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
)

// Fault is a scripted failure for one operation.
type Fault struct {
	// Times is how many calls fail before the operation starts succeeding.
	// Negative means every call fails.
	Times int
	Err   error
}

type upload struct {
	target string
	parts  map[int][]byte
}

// Store implements storage.RemoteStore and storage.DirectUploader in memory.
type Store struct {
	limits storage.Limits

	// PartDelay is slept inside UploadPart, to let concurrent uploads overlap.
	PartDelay time.Duration
	// BeforeUpload, when set, runs at the start of every UploadPart call.
	// A non-nil return fails the call.
	BeforeUpload func(ctx context.Context, index int) error

	mu        sync.Mutex
	uploads   map[string]*upload
	objects   map[string][]byte
	partFault map[int]*Fault
	completeF *Fault
	initF     *Fault

	attempts  map[int]int
	completes [][]storage.CompletedPart
	initiated int
	aborted   []string

	inFlight     atomic.Int32
	peakInFlight atomic.Int32
}

// New creates an empty store publishing limits.
func New(limits storage.Limits) *Store {
	return &Store{
		limits:    limits,
		uploads:   make(map[string]*upload),
		objects:   make(map[string][]byte),
		partFault: make(map[int]*Fault),
		attempts:  make(map[int]int),
	}
}

// Limits implements storage.LimitedStore.
func (s *Store) Limits() storage.Limits {
	return s.limits
}

// FailPart makes the next f.Times uploads of index fail with f.Err.
func (s *Store) FailPart(index int, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partFault[index] = &f
}

// FailComplete makes the next f.Times completions fail with f.Err.
func (s *Store) FailComplete(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeF = &f
}

// FailInitiate makes the next f.Times initiations fail with f.Err.
func (s *Store) FailInitiate(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initF = &f
}

func trip(f *Fault) error {
	if f == nil || f.Times == 0 {
		return nil
	}
	if f.Times > 0 {
		f.Times--
	}
	return f.Err
}

func (s *Store) InitiateMultipart(ctx context.Context, targetPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := trip(s.initF); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.uploads[id] = &upload{target: targetPath, parts: make(map[int][]byte)}
	s.initiated++
	return id, nil
}

func (s *Store) UploadPart(ctx context.Context, sessionID, targetPath string, index int, body io.ReadSeeker, size int64) (string, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peakInFlight.Load()
		if n <= peak || s.peakInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	s.mu.Lock()
	s.attempts[index]++
	fault := trip(s.partFault[index])
	s.mu.Unlock()

	if s.BeforeUpload != nil {
		if err := s.BeforeUpload(ctx, index); err != nil {
			return "", err
		}
	}
	if s.PartDelay > 0 {
		select {
		case <-time.After(s.PartDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fault != nil {
		return "", fault
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", storage.NewRemoteError("UploadPart", 0, "", err)
	}
	if int64(len(data)) != size {
		return "", storage.StatusError("UploadPart", http.StatusBadRequest,
			fmt.Sprintf("IncompleteBody: got %d bytes, expected %d", len(data), size))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[sessionID]
	if !ok || up.target != targetPath {
		return "", &storage.RemoteError{Op: "UploadPart", StatusCode: http.StatusNotFound, Code: "NoSuchUpload", Err: storage.ErrNoSuchUpload}
	}
	up.parts[index] = data
	return token(data), nil
}

func (s *Store) CompleteMultipart(ctx context.Context, sessionID, targetPath string, parts []storage.CompletedPart) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recorded := append([]storage.CompletedPart(nil), parts...)
	s.completes = append(s.completes, recorded)

	if err := trip(s.completeF); err != nil {
		return "", err
	}

	up, ok := s.uploads[sessionID]
	if !ok || up.target != targetPath {
		return "", &storage.RemoteError{Op: "CompleteMultipart", StatusCode: http.StatusNotFound, Code: "NoSuchUpload", Err: storage.ErrNoSuchUpload}
	}
	if len(parts) == 0 {
		return "", storage.StatusError("CompleteMultipart", http.StatusBadRequest, "MalformedXML: no parts")
	}

	var object []byte
	for i, p := range parts {
		if i > 0 && parts[i-1].Index >= p.Index {
			return "", storage.StatusError("CompleteMultipart", http.StatusBadRequest, "InvalidPartOrder")
		}
		data, ok := up.parts[p.Index]
		if !ok || token(data) != p.Token {
			return "", storage.StatusError("CompleteMultipart", http.StatusBadRequest,
				fmt.Sprintf("InvalidPart: part %d", p.Index))
		}
		object = append(object, data...)
	}

	delete(s.uploads, sessionID)
	s.objects[targetPath] = object
	return "mem://" + targetPath, nil
}

func (s *Store) AbortMultipart(ctx context.Context, sessionID, targetPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aborted = append(s.aborted, sessionID)
	if _, ok := s.uploads[sessionID]; !ok {
		return &storage.RemoteError{Op: "AbortMultipart", StatusCode: http.StatusNotFound, Code: "NoSuchUpload", Err: storage.ErrNoSuchUpload}
	}
	delete(s.uploads, sessionID)
	return nil
}

// PutObject implements storage.DirectUploader.
func (s *Store) PutObject(ctx context.Context, targetPath string, body io.ReadSeeker, size int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", storage.NewRemoteError("PutObject", 0, "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[targetPath] = data
	return "mem://" + targetPath, nil
}

// MultipartOnly hides PutObject, for exercising stores without direct uploads.
func (s *Store) MultipartOnly() storage.RemoteStore {
	return struct{ storage.RemoteStore }{s}
}

// Object returns the finalized content of targetPath.
func (s *Store) Object(targetPath string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[targetPath]
	return data, ok
}

// Attempts returns how many times index was uploaded, across all sessions.
func (s *Store) Attempts(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[index]
}

// UploadedIndices returns every index with at least one upload attempt, sorted.
func (s *Store) UploadedIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.attempts))
	for idx := range s.attempts {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Completes returns the part lists of every CompleteMultipart call.
func (s *Store) Completes() [][]storage.CompletedPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]storage.CompletedPart(nil), s.completes...)
}

// Initiated returns the number of sessions started.
func (s *Store) Initiated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initiated
}

// Aborted returns the session ids passed to AbortMultipart.
func (s *Store) Aborted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

// PeakConcurrency returns the highest number of overlapping UploadPart calls.
func (s *Store) PeakConcurrency() int {
	return int(s.peakInFlight.Load())
}

// OpenUploads returns the number of sessions neither completed nor aborted.
func (s *Store) OpenUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Token returns the part token the store issues for data.
func Token(data []byte) string {
	return token(data)
}

func token(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
