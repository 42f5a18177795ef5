package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
	"github.com/rescale/rescale-upload/internal/constants"
)

// FileLedger keeps one journal file per slot in a directory.
//
// Journal layout: the first line is the JSON SessionRecord, each following
// line is one JSON CompletedPart. Parts are appended and fsynced before Record
// returns. A trailing line cut short by a crash is ignored on load.
type FileLedger struct {
	dir string

	mu    sync.Mutex
	open  map[string]*os.File // slot path -> journal opened for append
	slots map[string]string   // handle key -> slot path
}

// NewFileLedger creates the directory if needed and returns a ledger over it.
func NewFileLedger(dir string) (*FileLedger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create resume directory: %w", err)
	}
	return &FileLedger{
		dir:   dir,
		open:  make(map[string]*os.File),
		slots: make(map[string]string),
	}, nil
}

// Dir returns the journal directory.
func (l *FileLedger) Dir() string {
	return l.dir
}

func (l *FileLedger) slotPath(localPath, targetPath string) string {
	return filepath.Join(l.dir, SlotKey(localPath, targetPath)+constants.ResumeFileSuffix)
}

// Begin atomically replaces the slot journal with a fresh header.
func (l *FileLedger) Begin(ctx context.Context, rec SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	header, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal upload state: %w", err)
	}
	header = append(header, '\n')

	path := l.slotPath(rec.LocalPath, rec.Handle.TargetPath)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.closeSlotLocked(path)
	if err := writeFileAtomic(path, header); err != nil {
		return ledgerWriteError("begin", err)
	}
	for key, p := range l.slots {
		if p == path {
			delete(l.slots, key)
		}
	}
	l.slots[handleKey(rec.Handle)] = path
	return nil
}

// Lookup reads the header of the slot for the pair.
func (l *FileLedger) Lookup(ctx context.Context, localPath, targetPath string) (*SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := l.slotPath(localPath, targetPath)
	rec, parts, err := readJournal(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	rec.Completed = len(sortDedup(parts))

	l.mu.Lock()
	l.slots[handleKey(rec.Handle)] = path
	l.mu.Unlock()
	return rec, nil
}

// Record appends part to the session journal and fsyncs it.
func (l *FileLedger) Record(ctx context.Context, handle storage.SessionHandle, part storage.CompletedPart) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(part)
	if err != nil {
		return ledgerWriteError("record", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	path, err := l.findSlotLocked(handle)
	if err != nil {
		return ledgerWriteError("record", err)
	}
	f, ok := l.open[path]
	if !ok {
		if err := trimTornTail(path); err != nil {
			return ledgerWriteError("record", err)
		}
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return ledgerWriteError("record", err)
		}
		l.open[path] = f
	}
	if _, err := f.Write(line); err != nil {
		return ledgerWriteError("record", err)
	}
	if err := f.Sync(); err != nil {
		return ledgerWriteError("record", err)
	}
	return nil
}

// Load reads every part recorded for handle.
func (l *FileLedger) Load(ctx context.Context, handle storage.SessionHandle) ([]storage.CompletedPart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	path, err := l.findSlotLocked(handle)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	_, parts, err := readJournal(path)
	if err != nil {
		return nil, err
	}
	return sortDedup(parts), nil
}

// Clear deletes the session journal. Clearing an unknown session is not an error.
func (l *FileLedger) Clear(ctx context.Context, handle storage.SessionHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	path, err := l.findSlotLocked(handle)
	if err != nil {
		return nil
	}
	l.closeSlotLocked(path)
	delete(l.slots, handleKey(handle))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

// List reads the header of every journal in the directory. Unreadable
// journals are skipped.
func (l *FileLedger) List(ctx context.Context) ([]SessionRecord, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read resume directory: %w", err)
	}

	var records []SessionRecord
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), constants.ResumeFileSuffix) {
			continue
		}
		rec, parts, err := readJournal(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			continue
		}
		rec.Completed = len(sortDedup(parts))
		records = append(records, *rec)
	}
	return records, nil
}

// Lock takes the inter-process lock of the slot for the pair.
func (l *FileLedger) Lock(localPath, targetPath string) (func(), error) {
	lockPath := filepath.Join(l.dir, SlotKey(localPath, targetPath)+".lock")
	lock, err := AcquireLock(lockPath, localPath)
	if err != nil {
		return nil, err
	}
	return func() { ReleaseLock(lock) }, nil
}

// Close closes every journal opened for append.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for path, f := range l.open {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(l.open, path)
	}
	return errors.Join(errs...)
}

func (l *FileLedger) closeSlotLocked(path string) {
	if f, ok := l.open[path]; ok {
		f.Close()
		delete(l.open, path)
	}
}

// findSlotLocked resolves the journal of handle, scanning the directory for
// sessions this process has not seen yet.
func (l *FileLedger) findSlotLocked(handle storage.SessionHandle) (string, error) {
	if path, ok := l.slots[handleKey(handle)]; ok {
		return path, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), constants.ResumeFileSuffix) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		rec, err := readHeader(path)
		if err != nil {
			continue
		}
		if rec.Handle.RemoteSessionID == handle.RemoteSessionID && rec.Handle.TargetPath == handle.TargetPath {
			l.slots[handleKey(handle)] = path
			return path, nil
		}
	}
	return "", fmt.Errorf("no resume state for session %s", handle.RemoteSessionID)
}

func readHeader(path string) (*SessionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read state header: %w", err)
	}
	var rec SessionRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state header: %w", err)
	}
	return &rec, nil
}

// readJournal parses a journal. Only the final line may be malformed, and
// only when it lacks a trailing newline.
func readJournal(path string) (*SessionRecord, []storage.CompletedPart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	lines := bytes.Split(data, []byte{'\n'})
	if len(lines) < 2 {
		return nil, nil, fmt.Errorf("state file %s has no complete header", path)
	}

	var rec SessionRecord
	if err := json.Unmarshal(lines[0], &rec); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal state header: %w", err)
	}

	var parts []storage.CompletedPart
	for i, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		var part storage.CompletedPart
		if err := json.Unmarshal(line, &part); err != nil {
			if i == len(lines)-2 {
				// Torn trailing write.
				break
			}
			return nil, nil, fmt.Errorf("corrupt state file %s line %d: %w", path, i+2, err)
		}
		parts = append(parts, part)
	}
	return &rec, parts, nil
}

// trimTornTail cuts a partial trailing line left by a crash, so the next
// append starts on a line of its own.
func trimTornTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	return os.Truncate(path, int64(bytes.LastIndexByte(data, '\n')+1))
}

// writeFileAtomic replaces path with data using temp file + fsync + rename,
// then fsyncs the directory so the rename itself is durable.
func writeFileAtomic(path string, data []byte) error {
	tmpFilePath := path + ".tmp"

	f, err := os.OpenFile(tmpFilePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpFilePath)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpFilePath)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpFilePath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpFilePath, path); err != nil {
		os.Remove(tmpFilePath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Directories cannot be fsynced on every platform; the rename is still atomic.
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) && !errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("failed to sync resume directory: %w", err)
	}
	return nil
}
