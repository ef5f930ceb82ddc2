// Implements exclusive processing of a record.

package record

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/maruel/samplebase/internal/filelock"
)

// Session is the exclusive right to process one record, from Begin to Close.
type Session struct {
	record *Record
	lock   *filelock.Lock
	closed bool
}

// Begin acquires the work-in-progress lock of name and loads a fresh Record.
//
// With failFast, contention returns ErrAlreadyBeingProcessed; otherwise Begin
// waits until the lock is free or ctx is canceled. If loading fails the lock
// is released.
func (s *Store) Begin(ctx context.Context, name string, failFast bool) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	l, err := filelock.Acquire(ctx, s.ProcessLockPath(name), s.lockOptions(failFast))
	if err != nil {
		if errors.Is(err, filelock.ErrAlreadyLocked) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyBeingProcessed, name)
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	r, err := s.Load(ctx, name)
	if err != nil {
		return nil, errors.Join(err, l.Release())
	}
	s.logger.DebugContext(ctx, "Began processing", "name", name)
	return &Session{record: r, lock: l}, nil
}

// Record returns the record owned by the session.
func (s *Session) Record() *Record {
	return s.record
}

// Close persists the record then releases the lock. The lock is released even
// if persisting fails. Cancellation of ctx is ignored so that an aborted task
// still saves its state. Calls after the first are no-ops.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	ctx = context.WithoutCancel(ctx)
	err := s.record.Write(ctx)
	if err != nil {
		err = fmt.Errorf("failed to persist %s: %w", s.record.name, err)
	}
	if err2 := s.lock.Release(); err2 != nil {
		err = errors.Join(err, fmt.Errorf("failed to release %s: %w", s.record.name, err2))
	}
	s.record.store.logger.DebugContext(ctx, "Ended processing", "name", s.record.name, "done", s.record.done)
	return err
}

// Process runs fn on record name within a Session. The session is closed on
// every exit path of fn, including a panic, which is then propagated.
func (s *Store) Process(ctx context.Context, name string, failFast bool, fn func(*Record) error) (err error) {
	sess, err := s.Begin(ctx, name, failFast)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, sess.Close(ctx))
	}()
	return fn(sess.Record())
}
