package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rescale/rescale-upload/internal/cloud/source"
	"github.com/rescale/rescale-upload/internal/cloud/storage"
)

// ledgerFactories runs the shared contract tests against every implementation.
var ledgerFactories = map[string]func(t *testing.T, dir string) Ledger{
	"file": func(t *testing.T, dir string) Ledger {
		l, err := NewFileLedger(dir)
		if err != nil {
			t.Fatalf("NewFileLedger failed: %v", err)
		}
		return l
	},
	"bolt": func(t *testing.T, dir string) Ledger {
		l, err := OpenBoltLedger(filepath.Join(dir, "resume.db"))
		if err != nil {
			t.Fatalf("OpenBoltLedger failed: %v", err)
		}
		return l
	},
}

func testRecord(sessionID string) SessionRecord {
	return SessionRecord{
		Handle: storage.SessionHandle{
			RemoteSessionID: sessionID,
			TargetPath:      "bucket/data/input.bin",
			ChunkSize:       5,
			TotalChunks:     3,
		},
		LocalPath:   "/data/input.bin",
		StorageType: "mem",
		Fingerprint: source.Fingerprint{Size: 12, ModTime: time.Unix(1700000000, 0).UTC()},
	}
}

func forEachLedger(t *testing.T, fn func(t *testing.T, dir string, l Ledger)) {
	for name, factory := range ledgerFactories {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			l := factory(t, dir)
			defer l.Close()
			fn(t, dir, l)
		})
	}
}

func TestLedger_BeginLookupRecordLoad(t *testing.T) {
	forEachLedger(t, func(t *testing.T, dir string, l Ledger) {
		ctx := context.Background()
		rec := testRecord("upload-1")

		if got, err := l.Lookup(ctx, rec.LocalPath, rec.Handle.TargetPath); err != nil || got != nil {
			t.Fatalf("expected empty lookup, got %+v, %v", got, err)
		}
		if err := l.Begin(ctx, rec); err != nil {
			t.Fatalf("Begin failed: %v", err)
		}

		for _, p := range []storage.CompletedPart{{Index: 3, Token: "c"}, {Index: 1, Token: "a"}} {
			if err := l.Record(ctx, rec.Handle, p); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}

		got, err := l.Lookup(ctx, rec.LocalPath, rec.Handle.TargetPath)
		if err != nil || got == nil {
			t.Fatalf("Lookup failed: %+v, %v", got, err)
		}
		if diff := cmp.Diff(rec.Handle, got.Handle); diff != "" {
			t.Errorf("handle mismatch (-want +got):\n%s", diff)
		}
		if !got.Fingerprint.Matches(rec.Fingerprint) {
			t.Errorf("fingerprint mismatch: %+v", got.Fingerprint)
		}
		if got.Completed != 2 {
			t.Errorf("expected 2 completed parts, got %d", got.Completed)
		}

		parts, err := l.Load(ctx, rec.Handle)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		want := []storage.CompletedPart{{Index: 1, Token: "a"}, {Index: 3, Token: "c"}}
		if diff := cmp.Diff(want, parts); diff != "" {
			t.Errorf("parts mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestLedger_DuplicateIndexLastWins(t *testing.T) {
	forEachLedger(t, func(t *testing.T, dir string, l Ledger) {
		ctx := context.Background()
		rec := testRecord("upload-1")
		if err := l.Begin(ctx, rec); err != nil {
			t.Fatal(err)
		}
		_ = l.Record(ctx, rec.Handle, storage.CompletedPart{Index: 2, Token: "old"})
		_ = l.Record(ctx, rec.Handle, storage.CompletedPart{Index: 2, Token: "new"})

		parts, err := l.Load(ctx, rec.Handle)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]storage.CompletedPart{{Index: 2, Token: "new"}}, parts); diff != "" {
			t.Errorf("parts mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestLedger_BeginReplacesPreviousSession(t *testing.T) {
	forEachLedger(t, func(t *testing.T, dir string, l Ledger) {
		ctx := context.Background()
		old := testRecord("upload-old")
		if err := l.Begin(ctx, old); err != nil {
			t.Fatal(err)
		}
		_ = l.Record(ctx, old.Handle, storage.CompletedPart{Index: 1, Token: "a"})

		fresh := testRecord("upload-new")
		if err := l.Begin(ctx, fresh); err != nil {
			t.Fatal(err)
		}

		parts, err := l.Load(ctx, fresh.Handle)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(parts) != 0 {
			t.Errorf("new session inherited parts: %+v", parts)
		}
		if err := l.Record(ctx, old.Handle, storage.CompletedPart{Index: 2, Token: "b"}); err == nil {
			t.Error("recording into a replaced session should fail")
		}
	})
}

func TestLedger_ClearAndList(t *testing.T) {
	forEachLedger(t, func(t *testing.T, dir string, l Ledger) {
		ctx := context.Background()
		a := testRecord("upload-a")
		b := testRecord("upload-b")
		b.Handle.TargetPath = "bucket/other.bin"
		for _, rec := range []SessionRecord{a, b} {
			if err := l.Begin(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}

		records, err := l.List(ctx)
		if err != nil || len(records) != 2 {
			t.Fatalf("expected 2 records, got %d (%v)", len(records), err)
		}

		if err := l.Clear(ctx, a.Handle); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		if err := l.Clear(ctx, a.Handle); err != nil {
			t.Errorf("second Clear should be a no-op, got %v", err)
		}
		if got, _ := l.Lookup(ctx, a.LocalPath, a.Handle.TargetPath); got != nil {
			t.Errorf("cleared record still present: %+v", got)
		}
		records, _ = l.List(ctx)
		if len(records) != 1 || records[0].Handle.RemoteSessionID != "upload-b" {
			t.Errorf("unexpected records after clear: %+v", records)
		}
	})
}

func TestLedger_ConcurrentRecord(t *testing.T) {
	forEachLedger(t, func(t *testing.T, dir string, l Ledger) {
		ctx := context.Background()
		rec := testRecord("upload-1")
		rec.Handle.TotalChunks = 50
		if err := l.Begin(ctx, rec); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		for i := 1; i <= 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := l.Record(ctx, rec.Handle, storage.CompletedPart{Index: i, Token: fmt.Sprintf("t%d", i)}); err != nil {
					t.Errorf("Record(%d) failed: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		parts, err := l.Load(ctx, rec.Handle)
		if err != nil {
			t.Fatal(err)
		}
		if len(parts) != 50 {
			t.Fatalf("expected 50 parts, got %d", len(parts))
		}
		for i, p := range parts {
			if p.Index != i+1 || p.Token != fmt.Sprintf("t%d", i+1) {
				t.Fatalf("unexpected part at %d: %+v", i, p)
			}
		}
	})
}

func TestLedger_SurvivesReopen(t *testing.T) {
	for name, factory := range ledgerFactories {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			rec := testRecord("upload-1")

			first := factory(t, dir)
			if err := first.Begin(ctx, rec); err != nil {
				t.Fatal(err)
			}
			_ = first.Record(ctx, rec.Handle, storage.CompletedPart{Index: 2, Token: "b"})
			first.Close()

			second := factory(t, dir)
			defer second.Close()
			parts, err := second.Load(ctx, rec.Handle)
			if err != nil {
				t.Fatalf("Load after reopen failed: %v", err)
			}
			if diff := cmp.Diff([]storage.CompletedPart{{Index: 2, Token: "b"}}, parts); diff != "" {
				t.Errorf("parts mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCleanupExpired(t *testing.T) {
	forEachLedger(t, func(t *testing.T, dir string, l Ledger) {
		ctx := context.Background()
		stale := testRecord("upload-stale")
		stale.CreatedAt = time.Now().Add(-8 * 24 * time.Hour)
		fresh := testRecord("upload-fresh")
		fresh.Handle.TargetPath = "bucket/fresh.bin"
		for _, rec := range []SessionRecord{stale, fresh} {
			if err := l.Begin(ctx, rec); err != nil {
				t.Fatal(err)
			}
		}

		removed, err := CleanupExpired(ctx, l, MaxResumeAge)
		if err != nil {
			t.Fatalf("CleanupExpired failed: %v", err)
		}
		if len(removed) != 1 || removed[0].Handle.RemoteSessionID != "upload-stale" {
			t.Errorf("unexpected removals: %+v", removed)
		}
		records, _ := l.List(ctx)
		if len(records) != 1 || records[0].Handle.RemoteSessionID != "upload-fresh" {
			t.Errorf("unexpected remaining records: %+v", records)
		}
	})
}

// TestFileLedger_FilePermissions verifies that journals are owner-readable only.
func TestFileLedger_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	l, _ := NewFileLedger(dir)
	defer l.Close()
	rec := testRecord("upload-1")
	if err := l.Begin(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, rec.Slot()+".upload.resume"))
	if err != nil {
		t.Fatalf("Failed to stat state file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("state file permissions should be 600, got %o", perm)
	}
}

func TestFileLedger_TornTrailingLine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rec := testRecord("upload-1")

	l, _ := NewFileLedger(dir)
	if err := l.Begin(ctx, rec); err != nil {
		t.Fatal(err)
	}
	_ = l.Record(ctx, rec.Handle, storage.CompletedPart{Index: 1, Token: "a"})
	l.Close()

	// Simulate a crash halfway through the second append.
	path := filepath.Join(dir, rec.Slot()+".upload.resume")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"index":2,"tok`)
	f.Close()

	reopened, _ := NewFileLedger(dir)
	defer reopened.Close()
	parts, err := reopened.Load(ctx, rec.Handle)
	if err != nil {
		t.Fatalf("Load with torn tail failed: %v", err)
	}
	if diff := cmp.Diff([]storage.CompletedPart{{Index: 1, Token: "a"}}, parts); diff != "" {
		t.Errorf("parts mismatch (-want +got):\n%s", diff)
	}

	// The next append must start on a clean line.
	if err := reopened.Record(ctx, rec.Handle, storage.CompletedPart{Index: 2, Token: "b"}); err != nil {
		t.Fatal(err)
	}
	parts, err = reopened.Load(ctx, rec.Handle)
	if err != nil {
		t.Fatalf("Load after repair failed: %v", err)
	}
	if len(parts) != 2 {
		t.Errorf("expected 2 parts after repair, got %+v", parts)
	}
}

func TestFileLedger_Lock(t *testing.T) {
	l, _ := NewFileLedger(t.TempDir())
	defer l.Close()

	unlock, err := l.Lock("/data/input.bin", "bucket/key")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	// Same process may re-acquire its own lock.
	again, err := l.Lock("/data/input.bin", "bucket/key")
	if err != nil {
		t.Fatalf("re-Lock by same process failed: %v", err)
	}
	again()
	unlock()
}

func TestSessionRecord_Validate(t *testing.T) {
	rec := testRecord("upload-1")
	rec.CreatedAt = time.Now()
	fp := rec.Fingerprint

	if err := rec.Validate(fp, 5, 3); err != nil {
		t.Errorf("expected valid record, got %v", err)
	}
	changed := fp
	changed.Size = 13
	if err := rec.Validate(changed, 5, 3); err == nil {
		t.Error("expected error for changed file")
	}
	if err := rec.Validate(fp, 6, 2); err == nil {
		t.Error("expected error for changed chunk layout")
	}
	rec.CreatedAt = time.Now().Add(-MaxResumeAge - time.Hour)
	if err := rec.Validate(fp, 5, 3); err == nil {
		t.Error("expected error for expired record")
	}
}
