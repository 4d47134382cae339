// Package store implements persistence for the aide daemon: atomic-write
// JSON files for hot state (crons, goals, workflows) and an embedded
// SQLite store for append-heavy data (costs, reply outcomes, errors,
// message log). In-memory state is authoritative; a failed save is logged
// and retried on the next write.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WriteFileAtomic writes data to path via a temp file + rename so readers
// never observe a partial file. The parent directory is created if needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpName)
		if werr != nil {
			return fmt.Errorf("writing temp file: %w", werr)
		}
		return fmt.Errorf("closing temp file: %w", cerr)
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// SaveJSON marshals v with indentation and writes it atomically.
func SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return WriteFileAtomic(path, data, 0o644)
}

// LoadJSON reads path into v. A missing file is not an error; the caller
// keeps its zero value.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Debouncer coalesces bursts of Save calls into one write after a quiet
// period, with a hard max lag so state is never more than maxLag behind.
type Debouncer struct {
	delay  time.Duration
	maxLag time.Duration
	save   func() error

	mu        sync.Mutex
	timer     *time.Timer
	dirtyAt   time.Time
	onError   func(error)
	lastError error
}

// NewDebouncer creates a debouncer that calls save after delay of
// inactivity, or maxLag after the first unsaved change, whichever is
// sooner. onError may be nil.
func NewDebouncer(delay, maxLag time.Duration, save func() error, onError func(error)) *Debouncer {
	if delay <= 0 {
		delay = time.Second
	}
	if maxLag <= 0 {
		maxLag = 5 * time.Second
	}
	return &Debouncer{delay: delay, maxLag: maxLag, save: save, onError: onError}
}

// Mark notes a pending change and (re)arms the flush timer.
func (d *Debouncer) Mark() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if d.dirtyAt.IsZero() {
		d.dirtyAt = now
	}

	wait := d.delay
	if deadline := d.dirtyAt.Add(d.maxLag); now.Add(wait).After(deadline) {
		wait = time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(wait, d.flush)
}

// Flush writes immediately if there is a pending change. Used on shutdown.
func (d *Debouncer) Flush() error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	dirty := !d.dirtyAt.IsZero()
	d.dirtyAt = time.Time{}
	d.mu.Unlock()

	if !dirty {
		return nil
	}
	return d.save()
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	d.timer = nil
	d.dirtyAt = time.Time{}
	d.mu.Unlock()

	if err := d.save(); err != nil {
		d.mu.Lock()
		d.lastError = err
		d.mu.Unlock()
		if d.onError != nil {
			d.onError(err)
		}
	}
}
