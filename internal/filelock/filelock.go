// Package filelock implements advisory locks represented by the existence of a
// sentinel file.
//
// Mutual exclusion relies solely on atomic create-if-absent (O_CREATE|O_EXCL).
// Nothing stops a process that does not call Acquire from touching the guarded
// resource. The sentinel holds JSON metadata (owner token, pid, host, creation
// time) used to refuse releasing a lock through the wrong handle and, when
// opted in, to reclaim a lock whose holder presumably crashed.
//
// By default locks never expire: a lock left behind by a crashed process must
// be removed by hand, see Break.
package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/ksid"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyLocked is returned by a fail-fast Acquire on contention.
	ErrAlreadyLocked = errors.New("already locked")
	// ErrNotOwner is returned by Release when the sentinel on disk belongs to
	// another holder, e.g. after it was reclaimed as stale or broken by hand.
	ErrNotOwner = errors.New("lock is held by another owner")
)

// DefaultRetryInterval is used when Options.RetryInterval is zero.
const DefaultRetryInterval = 500 * time.Millisecond

// waitLogInterval throttles the informational "still waiting" message.
const waitLogInterval = 10 * time.Second

// Options configures Acquire.
type Options struct {
	// RetryInterval is the maximum time between two attempts on contention.
	// The wait ends early when the sentinel is observed to be removed.
	RetryInterval time.Duration
	// FailFast makes Acquire return ErrAlreadyLocked instead of waiting.
	FailFast bool
	// StaleAfter, when positive, lets Acquire reclaim a sentinel older than
	// this. Zero means locks never expire.
	StaleAfter time.Duration
	// Logger receives retry and reclaim messages. Defaults to discarding.
	Logger *slog.Logger
}

func (o *Options) retryInterval() time.Duration {
	if o == nil || o.RetryInterval <= 0 {
		return DefaultRetryInterval
	}
	return o.RetryInterval
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

// Info is the metadata stored in a sentinel file.
type Info struct {
	Owner     ksid.ID   `json:"owner"`
	PID       int       `json:"pid"`
	Host      string    `json:"host,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Lock is a held lock. It can only be released through the handle returned
// by Acquire.
type Lock struct {
	path  string
	owner ksid.ID

	mu       sync.Mutex
	released bool
}

// Path returns the sentinel file path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the sentinel. It is a no-op after the first successful call.
// If the sentinel was replaced by another holder it is left in place and
// ErrNotOwner is returned.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	info, err := Inspect(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.released = true
			return fmt.Errorf("%w: %s disappeared", ErrNotOwner, l.path)
		}
		return err
	}
	if info.Owner != l.owner {
		l.released = true
		return fmt.Errorf("%w: %s", ErrNotOwner, l.path)
	}
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("failed to remove lock %s: %w", l.path, err)
	}
	l.released = true
	return nil
}

// Acquire takes the lock at path.
//
// On contention it returns ErrAlreadyLocked when opts.FailFast is set, or
// retries without bound otherwise, until ctx is canceled.
func Acquire(ctx context.Context, path string, opts *Options) (*Lock, error) {
	logger := opts.logger()
	interval := opts.retryInterval()
	var w *waiter
	defer func() {
		if w != nil {
			w.close()
		}
	}()
	waiting := rate.Sometimes{Interval: waitLogInterval}
	for attempt := 1; ; attempt++ {
		l, err := tryCreate(path)
		if err == nil {
			if attempt > 1 {
				logger.DebugContext(ctx, "Lock acquired", "path", path, "attempts", attempt)
			}
			return l, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		if opts != nil && opts.StaleAfter > 0 {
			reclaimed, err := reclaimStale(path, opts.StaleAfter)
			if err != nil {
				logger.WarnContext(ctx, "Failed to reclaim stale lock", "path", path, "err", err)
			} else if reclaimed != nil {
				logger.WarnContext(ctx, "Reclaimed stale lock", "path", path, "owner", reclaimed.Owner, "pid", reclaimed.PID, "host", reclaimed.Host, "created_at", reclaimed.CreatedAt)
				continue
			}
		}
		if opts != nil && opts.FailFast {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyLocked, path)
		}
		logger.DebugContext(ctx, "Lock busy, retrying", "path", path, "attempt", attempt, "interval", interval)
		waiting.Do(func() {
			logger.InfoContext(ctx, "Waiting for lock", "path", path, "attempt", attempt)
		})
		if w == nil {
			w = newWaiter(path, logger)
		}
		if err := w.wait(ctx, interval); err != nil {
			return nil, err
		}
	}
}

func tryCreate(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // G304: lock paths are derived from record paths
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create lock %s: %w", path, err)
	}
	host, _ := os.Hostname()
	info := Info{Owner: ksid.NewID(), PID: os.Getpid(), Host: host, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(&info)
	if err == nil {
		_, err = f.Write(append(data, '\n'))
	}
	if err = errors.Join(err, f.Close()); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to write lock %s: %w", path, err), os.Remove(path))
	}
	return &Lock{path: path, owner: info.Owner}, nil
}

// IsHeld reports whether the sentinel at path exists.
func IsHeld(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Inspect returns the metadata of the sentinel at path.
//
// A sentinel that exists but holds no parsable metadata (being written, or
// created by another tool) yields an Info with only CreatedAt set from the
// file modification time.
func Inspect(path string) (*Info, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: lock paths are derived from record paths
	if err != nil {
		return nil, err
	}
	info := &Info{}
	if err := json.Unmarshal(data, info); err != nil || info.CreatedAt.IsZero() {
		st, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		return &Info{CreatedAt: st.ModTime().UTC()}, nil
	}
	return info, nil
}

// Break removes the sentinel at path regardless of its owner. It is meant for
// manual cleanup after a crash.
func Break(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to break lock: %w", err)
	}
	return nil
}

// reclaimStale removes the sentinel if it is older than staleAfter. It returns
// the metadata of the removed sentinel, or nil if it was not stale.
//
// The sentinel is first renamed aside and checked again so that a fresh lock
// created between the check and the rename is put back.
func reclaimStale(path string, staleAfter time.Duration) (*Info, error) {
	info, err := Inspect(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if time.Since(info.CreatedAt) < staleAfter {
		return nil, nil
	}
	aside := fmt.Sprintf("%s.stale.%s", path, ksid.NewID())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	moved, err := Inspect(aside)
	if err == nil && (moved.Owner != info.Owner || !moved.CreatedAt.Equal(info.CreatedAt)) {
		// Not the sentinel we judged stale. Link fails if yet another holder
		// got in meanwhile; that holder keeps the lock.
		_ = os.Link(aside, path)
		return nil, os.Remove(aside)
	}
	if err := os.Remove(aside); err != nil {
		return nil, err
	}
	return info, nil
}

// waiter sleeps between attempts, waking early when the sentinel is removed.
type waiter struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

func newWaiter(path string, logger *slog.Logger) *waiter {
	w := &waiter{path: filepath.Clean(path), logger: logger}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("File notifications unavailable, polling", "err", err)
		return w
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		logger.Debug("File notifications unavailable, polling", "err", err)
		return w
	}
	w.watcher = watcher
	return w
}

func (w *waiter) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == w.path && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.DebugContext(ctx, "File notification error", "path", w.path, "err", err)
		}
	}
}

func (w *waiter) close() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
