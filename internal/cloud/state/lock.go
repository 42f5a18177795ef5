package state

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// SlotLock represents an acquired ledger slot lock.
type SlotLock struct {
	LockFilePath string
	ProcessID    int
	AcquiredAt   time.Time
}

type slotLockState struct {
	ProcessID  int       `json:"process_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	LocalPath  string    `json:"local_path"`
}

// AcquireLock attempts to acquire an exclusive lock file at lockFilePath.
// A lock held by a dead process, or older than LockStaleTimeout, is taken over.
func AcquireLock(lockFilePath, localPath string) (*SlotLock, error) {
	currentPID := os.Getpid()

	// Check existing lock
	if data, err := os.ReadFile(lockFilePath); err == nil {
		var existingLock slotLockState
		if json.Unmarshal(data, &existingLock) == nil {
			lockAge := time.Since(existingLock.AcquiredAt)
			if lockAge < LockStaleTimeout && isProcessRunning(existingLock.ProcessID) && existingLock.ProcessID != currentPID {
				return nil, fmt.Errorf("upload of %s locked by another process (PID %d)", localPath, existingLock.ProcessID)
			}
		}
		os.Remove(lockFilePath)
	}

	newLock := slotLockState{
		ProcessID:  currentPID,
		AcquiredAt: time.Now(),
		LocalPath:  localPath,
	}

	data, _ := json.MarshalIndent(newLock, "", "  ")
	tmpFilePath := lockFilePath + ".tmp"
	if err := os.WriteFile(tmpFilePath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	if err := os.Rename(tmpFilePath, lockFilePath); err != nil {
		os.Remove(tmpFilePath)
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	return &SlotLock{
		LockFilePath: lockFilePath,
		ProcessID:    currentPID,
		AcquiredAt:   newLock.AcquiredAt,
	}, nil
}

// ReleaseLock releases a slot lock unless another process has taken it over.
func ReleaseLock(lock *SlotLock) {
	if lock == nil {
		return
	}
	if data, err := os.ReadFile(lock.LockFilePath); err == nil {
		var currentLock slotLockState
		if json.Unmarshal(data, &currentLock) == nil && currentLock.ProcessID != lock.ProcessID {
			return // Lock taken by another process
		}
	}
	if err := os.Remove(lock.LockFilePath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("lock", lock.LockFilePath).Msg("Failed to release upload lock")
	}
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
