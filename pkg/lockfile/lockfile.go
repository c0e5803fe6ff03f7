// Package lockfile guarantees that at most one mirror process writes into a replica
// root at a time.
//
// The lock is a JSON file created with O_EXCL in the locked directory. The holder
// refreshes its timestamp periodically; a lock whose timestamp is older than the stale
// timeout belongs to a crashed process and is taken over with an atomic rename. A
// random nonce written with the takeover decides the winner when two processes race.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// LockFileName is the name of the lock file created in the locked directory.
// The '~' prefix marks it as temporary.
const LockFileName = ".~pgl-mirror.lock"

// Owner is the content of the lock file.
type Owner struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AppID      string    `json:"appID"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce"`
}

// ErrLockActive is returned when the lock is held by a live process.
type ErrLockActive struct {
	Owner     Owner
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s), last updated %s ago",
		e.Owner.PID, e.Owner.Hostname, e.Owner.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when another process won a stale lock takeover.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates a lock file that stays empty or unparsable.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
	retryDelay        = 100 * time.Millisecond
)

const maxAttempts = 3

// Lock is a held lock. Release it when done.
type Lock struct {
	path  string
	owner Owner

	mu       sync.Mutex
	stop     chan struct{}
	stopped  sync.WaitGroup
	released bool
}

// Acquire takes the lock in dirPath for appID. It returns *ErrLockActive if a live
// process holds it. ctx bounds the acquisition only, not the lifetime of the lock.
func Acquire(ctx context.Context, dirPath string, appID string) (*Lock, error) {
	absLockFilePath := filepath.Join(dirPath, LockFileName)

	for n := 0; n < maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		owner, err := newOwner(appID)
		if err != nil {
			return nil, err
		}

		err = createExclusive(absLockFilePath, owner)
		if err == nil {
			return start(absLockFilePath, owner), nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		current, readErr := readOwner(absLockFilePath)
		switch {
		case errors.Is(readErr, os.ErrNotExist):
			// Released in the meantime.
			continue
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", absLockFilePath, "error", readErr)
		case readErr != nil:
			plog.Debug("Could not read lock file, retrying", "path", absLockFilePath, "error", readErr)
			time.Sleep(retryDelay)
			continue
		default:
			age := time.Since(current.LastUpdate)
			if age < staleTimeout {
				return nil, &ErrLockActive{Owner: current, TimeSince: age}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", current.PID, "host", current.Hostname, "age", age.Truncate(time.Second))
		}

		if err := takeOver(absLockFilePath, owner); err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to take over lock, retrying", "error", err)
			}
			time.Sleep(retryDelay)
			continue
		}
		return start(absLockFilePath, owner), nil
	}
	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

func newOwner(appID string) (Owner, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Owner{}, fmt.Errorf("failed to get hostname: %w", err)
	}
	return Owner{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AppID:      appID,
		LastUpdate: time.Now().UTC(),
		Nonce:      uuid.NewString(),
	}, nil
}

// createExclusive creates the lock file only if it does not exist yet.
func createExclusive(absLockFilePath string, owner Owner) error {
	f, err := os.OpenFile(absLockFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(owner, "", "  ")
	if err == nil {
		_, err = f.Write(data)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		// Never leave an empty lock behind.
		os.Remove(absLockFilePath)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// takeOver replaces a stale lock and verifies by reading it back that this process won.
func takeOver(absLockFilePath string, owner Owner) error {
	if err := writeAtomic(absLockFilePath, owner); err != nil {
		return err
	}
	current, err := readOwner(absLockFilePath)
	if err != nil {
		return fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if current.PID != owner.PID || current.Nonce != owner.Nonce {
		return ErrLostRace
	}
	plog.Debug("Took over stale lock", "path", absLockFilePath)
	return nil
}

func start(absLockFilePath string, owner Owner) *Lock {
	removeLeftoverTempFiles(absLockFilePath)
	l := &Lock{
		path:  absLockFilePath,
		owner: owner,
		stop:  make(chan struct{}),
	}
	l.stopped.Add(1)
	go l.heartbeat()
	return l
}

// Owner returns the content this process wrote to the lock file.
func (l *Lock) Owner() Owner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Release stops the heartbeat and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	close(l.stop)
	l.mu.Unlock()

	// A heartbeat in flight must not recreate the file after it is removed.
	l.stopped.Wait()

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat() {
	defer l.stopped.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.owner.LastUpdate = time.Now().UTC()
			owner := l.owner
			l.mu.Unlock()
			if err := writeAtomic(l.path, owner); err != nil {
				// Retried on the next tick.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

// writeAtomic writes owner to a temporary file in the lock directory and renames it
// over the lock file, so readers never observe a partial file.
func writeAtomic(absLockFilePath string, owner Owner) error {
	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(absLockFilePath), filepath.Base(absLockFilePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmpPath, "error", err)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp lock file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp lock file: %w", err)
	}
	// Windows refuses to rename an open file.
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmpPath, absLockFilePath); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// readOwner reads the lock file. Empty or unparsable content is retried a few times
// before it is reported as ErrCorruptLockFile.
func readOwner(absLockFilePath string) (Owner, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		data, err := os.ReadFile(absLockFilePath)
		if err != nil {
			return Owner{}, err
		}
		if len(data) == 0 {
			lastErr = errors.New("lock file is empty")
			continue
		}
		var owner Owner
		if lastErr = json.Unmarshal(data, &owner); lastErr == nil {
			return owner, nil
		}
	}
	return Owner{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastErr)
}

// removeLeftoverTempFiles deletes temporary lock files of crashed processes. Only files
// older than the stale timeout are removed; younger ones may belong to a live writer.
func removeLeftoverTempFiles(absLockFilePath string) {
	pattern := filepath.Join(filepath.Dir(absLockFilePath), filepath.Base(absLockFilePath)+".*.tmp")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		plog.Debug("Removing old temporary lock file", "path", match)
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
		}
	}
}
