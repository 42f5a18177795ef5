// Package state persists multipart upload progress so a transfer can resume
// after the process dies.
//
// A ledger holds one slot per (local file, target path) pair. Each slot stores
// the remote session handle with the fingerprint of the file it was planned
// against, followed by one entry per acknowledged part.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rescale/rescale-upload/internal/cloud/source"
	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/constants"
)

// MaxResumeAge is the maximum age of a resume state before it's considered expired.
// Aligned with AWS multipart upload expiry (7 days) and Azure uncommitted block expiry (7 days).
const MaxResumeAge = constants.MaxResumeAge

// LockStaleTimeout is how long a lock can be held before it's considered stale.
const LockStaleTimeout = constants.LockStaleTimeout

// SessionRecord is the persisted header of a ledger slot.
type SessionRecord struct {
	Handle      storage.SessionHandle `json:"handle"`
	LocalPath   string                `json:"local_path"`
	StorageType string                `json:"storage_type"`
	Fingerprint source.Fingerprint    `json:"fingerprint"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`

	// Completed is the number of recorded parts. Filled in by Lookup and List.
	Completed int `json:"-"`
}

// Slot returns the ledger slot key of the record.
func (r *SessionRecord) Slot() string {
	return SlotKey(r.LocalPath, r.Handle.TargetPath)
}

// Expired reports whether the record is older than maxAge.
func (r *SessionRecord) Expired(maxAge time.Duration) bool {
	return time.Since(r.CreatedAt) > maxAge
}

// Validate checks that the record can resume a transfer of a file with
// fingerprint fp using chunkSize.
func (r *SessionRecord) Validate(fp source.Fingerprint, chunkSize int64, totalChunks int) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if r.Handle.RemoteSessionID == "" {
		return fmt.Errorf("record has no remote session")
	}
	if r.Expired(MaxResumeAge) {
		return fmt.Errorf("resume state expired (created %s)", r.CreatedAt.Format(time.RFC3339))
	}
	if !r.Fingerprint.Matches(fp) {
		return fmt.Errorf("source file changed (was %d bytes at %s, now %d bytes at %s)",
			r.Fingerprint.Size, r.Fingerprint.ModTime.Format(time.RFC3339),
			fp.Size, fp.ModTime.Format(time.RFC3339))
	}
	if r.Handle.ChunkSize != chunkSize || r.Handle.TotalChunks != totalChunks {
		return fmt.Errorf("chunk layout changed (was %d x %d, now %d x %d)",
			r.Handle.TotalChunks, r.Handle.ChunkSize, totalChunks, chunkSize)
	}
	return nil
}

// SlotKey derives the slot key of a (local file, target path) pair.
func SlotKey(localPath, targetPath string) string {
	h := xxhash.New()
	_, _ = h.WriteString(localPath)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(targetPath)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Ledger is durable storage for in-progress multipart sessions.
//
// Record must not return until the part is durable, and must be safe for
// concurrent calls. Load returns parts sorted by index; when an index was
// recorded twice the later record wins.
type Ledger interface {
	// Begin stores the header of a new session, replacing any previous
	// session in the same slot.
	Begin(ctx context.Context, rec SessionRecord) error
	// Lookup returns the session recorded for the pair, or nil if none.
	Lookup(ctx context.Context, localPath, targetPath string) (*SessionRecord, error)
	// Record durably appends one acknowledged part.
	Record(ctx context.Context, handle storage.SessionHandle, part storage.CompletedPart) error
	// Load returns the acknowledged parts of a session.
	Load(ctx context.Context, handle storage.SessionHandle) ([]storage.CompletedPart, error)
	// Clear removes the session and its parts.
	Clear(ctx context.Context, handle storage.SessionHandle) error
	// List returns every recorded session.
	List(ctx context.Context) ([]SessionRecord, error)
	Close() error
}

// Locker is implemented by ledgers that need an explicit inter-process lock
// on a slot while a session drives it.
type Locker interface {
	Lock(localPath, targetPath string) (unlock func(), err error)
}

// CleanupExpired removes every session older than maxAge and returns the
// removed records.
func CleanupExpired(ctx context.Context, l Ledger, maxAge time.Duration) ([]SessionRecord, error) {
	records, err := l.List(ctx)
	if err != nil {
		return nil, err
	}

	var removed []SessionRecord
	for _, rec := range records {
		if !rec.Expired(maxAge) {
			continue
		}
		if err := l.Clear(ctx, rec.Handle); err != nil {
			return removed, fmt.Errorf("failed to clear expired session %s: %w", rec.Handle.RemoteSessionID, err)
		}
		removed = append(removed, rec)
	}
	return removed, nil
}

func sortDedup(parts []storage.CompletedPart) []storage.CompletedPart {
	byIndex := make(map[int]string, len(parts))
	for _, p := range parts {
		byIndex[p.Index] = p.Token
	}
	out := make([]storage.CompletedPart, 0, len(byIndex))
	for idx, token := range byIndex {
		out = append(out, storage.CompletedPart{Index: idx, Token: token})
	}
	return storage.SortParts(out)
}

func ledgerWriteError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", storage.ErrLedgerWrite, op, err)
}

func handleKey(h storage.SessionHandle) string {
	return h.RemoteSessionID + "\x00" + h.TargetPath
}
