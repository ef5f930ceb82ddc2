// Defines Record, the in-memory view of one record document.

package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/maruel/samplebase/internal/codec"
	"github.com/maruel/samplebase/internal/filelock"
)

// Record is a cached copy of a record document.
//
// Read and Write synchronize with other Records of the same name through the
// read/write lock, but only a Session gives exclusive ownership across a
// read-modify-write cycle. A Record is not safe for concurrent use.
type Record struct {
	store  *Store
	name   string
	prefix string

	args    codec.Fields
	result  codec.Fields
	done    bool
	stale   bool
	modTime time.Time
	err     error
}

// Name returns the record name.
func (r *Record) Name() string {
	return r.name
}

// Prefix returns the record directory.
func (r *Record) Prefix() string {
	return r.prefix
}

// Args returns the arguments. The map is live: changes are persisted by the
// next Write.
func (r *Record) Args() codec.Fields {
	r.refresh()
	return r.args
}

// Result returns the result, empty until done.
func (r *Record) Result() codec.Fields {
	r.refresh()
	return r.result
}

// Done reports whether a result has been set.
func (r *Record) Done() bool {
	r.refresh()
	return r.done
}

// SetResult sets the result and marks the record done. It is persisted by the
// next Write.
func (r *Record) SetResult(result codec.Fields) {
	if result == nil {
		result = codec.Fields{}
	}
	r.result = result
	r.done = true
}

// Invalidate marks the cache stale. With eager loading the next accessor call
// reloads the document, dropping unsaved changes.
func (r *Record) Invalidate() {
	r.stale = true
}

// Err returns the last error from an eager reload, if any.
func (r *Record) Err() error {
	return r.err
}

// IsBeingProcessed reports whether some Session currently holds the record.
func (r *Record) IsBeingProcessed() (bool, error) {
	return filelock.IsHeld(r.store.ProcessLockPath(r.name))
}

// Read replaces the cache with the document on disk.
func (r *Record) Read(ctx context.Context) error {
	l, err := filelock.Acquire(ctx, r.readWriteLockPath(), r.store.lockOptions(false))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, r.name)
		}
		return fmt.Errorf("failed to lock %s for reading: %w", r.name, err)
	}
	args, result, done, modTime, err := r.load()
	if err = errors.Join(err, l.Release()); err != nil {
		return err
	}
	r.args = args
	r.result = result
	r.done = done
	r.modTime = modTime
	r.stale = false
	r.err = nil
	r.store.logger.DebugContext(ctx, "Read record", "name", r.name, "done", done)
	return nil
}

// Write persists the cache. The document is replaced atomically; sidecars of
// previous writes are left in place.
func (r *Record) Write(ctx context.Context) error {
	l, err := filelock.Acquire(ctx, r.readWriteLockPath(), r.store.lockOptions(false))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, r.name)
		}
		return fmt.Errorf("failed to lock %s for writing: %w", r.name, err)
	}
	modTime, err := r.save()
	if err = errors.Join(err, l.Release()); err != nil {
		return err
	}
	r.modTime = modTime
	r.stale = false
	r.store.logger.DebugContext(ctx, "Wrote record", "name", r.name, "done", r.done)
	return nil
}

func (r *Record) docPath() string {
	return filepath.Join(r.prefix, r.name+docExt)
}

func (r *Record) readWriteLockPath() string {
	return r.docPath() + readWriteSuffix
}

// refresh reloads the document when eager loading is enabled and the cache is
// invalidated or older than the document on disk.
func (r *Record) refresh() {
	if !r.store.opts.EagerLoad {
		return
	}
	if !r.stale {
		st, err := os.Stat(r.docPath())
		if err == nil && st.ModTime().Equal(r.modTime) {
			return
		}
	}
	if err := r.Read(context.Background()); err != nil {
		r.err = err
		r.store.logger.Warn("Failed to reload record", "name", r.name, "err", err)
	}
}

func (r *Record) load() (args, result codec.Fields, done bool, modTime time.Time, err error) {
	p := r.docPath()
	f, err := os.Open(p) //nolint:gosec // G304: path is built from a validated record name
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrNotFound, r.name)
		}
		return nil, nil, false, time.Time{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, nil, false, time.Time{}, err
	}
	var doc codec.Document
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, nil, false, time.Time{}, fmt.Errorf("failed to decode %s: %w", p, err)
	}
	if args, err = codec.Decode(doc.Args, r.prefix); err != nil {
		return nil, nil, false, time.Time{}, fmt.Errorf("failed to decode args of %s: %w", r.name, err)
	}
	if result, err = codec.Decode(doc.Result, r.prefix); err != nil {
		return nil, nil, false, time.Time{}, fmt.Errorf("failed to decode result of %s: %w", r.name, err)
	}
	return args, result, doc.Done, st.ModTime(), nil
}

func (r *Record) save() (time.Time, error) {
	doc := codec.Document{Name: r.name, Done: r.done}
	var err error
	if doc.Args, err = codec.Encode(r.args, r.prefix); err != nil {
		return time.Time{}, fmt.Errorf("failed to encode args of %s: %w", r.name, err)
	}
	if doc.Result, err = codec.Encode(r.result, r.prefix); err != nil {
		return time.Time{}, fmt.Errorf("failed to encode result of %s: %w", r.name, err)
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to marshal %s: %w", r.name, err)
	}
	f, err := os.CreateTemp(r.prefix, r.name+docExt+".*.tmp")
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	_, err = f.Write(append(data, '\n'))
	if err == nil {
		err = f.Sync()
	}
	if err = errors.Join(err, f.Close()); err == nil {
		err = os.Rename(tmp, r.docPath())
	}
	if err != nil {
		return time.Time{}, errors.Join(fmt.Errorf("failed to write %s: %w", r.name, err), os.Remove(tmp))
	}
	st, err := os.Stat(r.docPath())
	if err != nil {
		return time.Time{}, err
	}
	return st.ModTime(), nil
}
