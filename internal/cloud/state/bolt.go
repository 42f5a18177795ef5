package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rescale/rescale-upload/internal/cloud/storage"
)

var (
	sessionsBucket = []byte("sessions") // slot key -> SessionRecord JSON
	handlesBucket  = []byte("handles")  // handle key -> slot key
	partsBucket    = []byte("parts")    // slot key -> nested bucket of index -> token
)

// BoltLedger keeps every slot in a single bbolt database.
// bbolt holds an exclusive file lock, so one process owns the ledger at a time.
type BoltLedger struct {
	db *bolt.DB
}

// OpenBoltLedger opens (or creates) the database at path.
func OpenBoltLedger(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open resume database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, handlesBucket, partsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize resume database: %w", err)
	}

	return &BoltLedger{db: db}, nil
}

// Begin replaces the slot with rec and an empty part set.
func (l *BoltLedger) Begin(ctx context.Context, rec SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal upload state: %w", err)
	}
	slot := []byte(rec.Slot())

	err = l.db.Update(func(tx *bolt.Tx) error {
		if err := dropSlot(tx, slot); err != nil {
			return err
		}
		if err := tx.Bucket(sessionsBucket).Put(slot, encoded); err != nil {
			return err
		}
		if err := tx.Bucket(handlesBucket).Put([]byte(handleKey(rec.Handle)), slot); err != nil {
			return err
		}
		_, err := tx.Bucket(partsBucket).CreateBucket(slot)
		return err
	})
	if err != nil {
		return ledgerWriteError("begin", err)
	}
	return nil
}

// Lookup returns the record stored for the pair, or nil.
func (l *BoltLedger) Lookup(ctx context.Context, localPath, targetPath string) (*SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slot := []byte(SlotKey(localPath, targetPath))

	var rec *SessionRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get(slot)
		if data == nil {
			return nil
		}
		rec = &SessionRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("failed to unmarshal upload state: %w", err)
		}
		if parts := tx.Bucket(partsBucket).Bucket(slot); parts != nil {
			rec.Completed = parts.Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Record stores one part. The bbolt commit fsyncs before Update returns.
func (l *BoltLedger) Record(ctx context.Context, handle storage.SessionHandle, part storage.CompletedPart) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		parts, err := sessionParts(tx, handle)
		if err != nil {
			return err
		}
		return parts.Put(indexKey(part.Index), []byte(part.Token))
	})
	if err != nil {
		return ledgerWriteError("record", err)
	}
	return nil
}

// Load returns the parts of handle in index order.
func (l *BoltLedger) Load(ctx context.Context, handle storage.SessionHandle) ([]storage.CompletedPart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []storage.CompletedPart
	err := l.db.View(func(tx *bolt.Tx) error {
		parts, err := sessionParts(tx, handle)
		if err != nil {
			return err
		}
		// Big-endian keys iterate in index order.
		return parts.ForEach(func(k, v []byte) error {
			out = append(out, storage.CompletedPart{
				Index: int(binary.BigEndian.Uint32(k)),
				Token: string(v),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear drops the slot owned by handle.
func (l *BoltLedger) Clear(ctx context.Context, handle storage.SessionHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		slot := tx.Bucket(handlesBucket).Get([]byte(handleKey(handle)))
		if slot == nil {
			return nil
		}
		return dropSlot(tx, append([]byte(nil), slot...))
	})
}

// List returns every stored record.
func (l *BoltLedger) List(ctx context.Context) ([]SessionRecord, error) {
	var records []SessionRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		parts := tx.Bucket(partsBucket)
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if b := parts.Bucket(k); b != nil {
				rec.Completed = b.Stats().KeyN
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the database.
func (l *BoltLedger) Close() error {
	return l.db.Close()
}

func sessionParts(tx *bolt.Tx, handle storage.SessionHandle) (*bolt.Bucket, error) {
	slot := tx.Bucket(handlesBucket).Get([]byte(handleKey(handle)))
	if slot == nil {
		return nil, fmt.Errorf("no resume state for session %s", handle.RemoteSessionID)
	}
	parts := tx.Bucket(partsBucket).Bucket(slot)
	if parts == nil {
		return nil, fmt.Errorf("resume state for session %s has no part bucket", handle.RemoteSessionID)
	}
	return parts, nil
}

// dropSlot removes the record, its handle mapping and its parts.
func dropSlot(tx *bolt.Tx, slot []byte) error {
	sessions := tx.Bucket(sessionsBucket)
	if data := sessions.Get(slot); data != nil {
		var old SessionRecord
		if json.Unmarshal(data, &old) == nil {
			if err := tx.Bucket(handlesBucket).Delete([]byte(handleKey(old.Handle))); err != nil {
				return err
			}
		}
		if err := sessions.Delete(slot); err != nil {
			return err
		}
	}
	if tx.Bucket(partsBucket).Bucket(slot) != nil {
		if err := tx.Bucket(partsBucket).DeleteBucket(slot); err != nil {
			return err
		}
	}
	return nil
}

func indexKey(index int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(index))
	return k
}
