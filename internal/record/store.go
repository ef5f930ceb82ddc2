// Package record stores named records on the filesystem, one directory per
// record, and coordinates exclusive processing of a record across goroutines
// and processes.
//
// A record named N lives in <dir>/N/. Its document is N/N.json, array and
// pickled fields live in sidecar files next to it, N/N.processlock marks a
// record being processed and N/N.json.readwritelock guards each document read
// or write.
package record

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/maruel/samplebase/internal/codec"
	"github.com/maruel/samplebase/internal/filelock"
	"github.com/maruel/samplebase/internal/stamp"
)

var (
	// ErrAlreadyExists is returned by Create when the record directory exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrNotFound is returned when the record document is absent.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyBeingProcessed is returned by a fail-fast Begin on contention.
	ErrAlreadyBeingProcessed = errors.New("record is already being processed")
	// ErrInvalidName is returned for names that are not a single path element.
	ErrInvalidName = errors.New("invalid record name")
)

const (
	docExt          = ".json"
	processLockExt  = ".processlock"
	readWriteSuffix = ".readwritelock"
)

// Options configures a Store.
type Options struct {
	// Lock configures both the work-in-progress and the read/write locks.
	// FailFast is ignored; Begin takes it as an argument and document
	// reads and writes always wait.
	Lock filelock.Options
	// EagerLoad makes the Record accessors reload the document when it is
	// stale.
	EagerLoad bool
	// Logger defaults to discarding.
	Logger *slog.Logger
}

// Store is a directory of records.
type Store struct {
	dir    string
	opts   Options
	logger *slog.Logger
}

// New returns a Store rooted at dir. The directory is created on the first
// Create.
func New(dir string, opts *Options) *Store {
	s := &Store{dir: dir}
	if opts != nil {
		s.opts = *opts
	}
	s.logger = s.opts.Logger
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Dir returns the directory holding the records.
func (s *Store) Dir() string {
	return s.dir
}

// ValidateName returns an error if name cannot be used as a record name.
func ValidateName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) ||
		!filepath.IsLocal(name) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Create makes a new record holding a copy of args, not done, with an empty
// result. An empty name is replaced with a generated stamp. If the document
// cannot be written the record directory is removed.
func (s *Store) Create(ctx context.Context, name string, args codec.Fields) (*Record, error) {
	if name == "" {
		name = stamp.New()
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	r := s.newRecord(name)
	if err := os.Mkdir(r.prefix, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return nil, fmt.Errorf("failed to create record %s: %w", name, err)
	}
	r.args = args.Clone()
	if r.args == nil {
		r.args = codec.Fields{}
	}
	r.result = codec.Fields{}
	if err := r.Write(ctx); err != nil {
		// The directory was created by this call; free the name.
		return nil, errors.Join(err, os.RemoveAll(r.prefix))
	}
	// Reload so the cache holds the same types as a later Load.
	if err := r.Read(ctx); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "Created record", "name", name)
	return r, nil
}

// Load reads the record name from disk.
func (s *Store) Load(ctx context.Context, name string) (*Record, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	r := s.newRecord(name)
	if err := r.Read(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Names returns the sorted names of the records in the store. A missing store
// directory holds no records.
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		if st, err := os.Stat(filepath.Join(s.dir, e.Name(), e.Name()+docExt)); err == nil && st.Mode().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// List loads every record in the store, in name order. Records deleted while
// listing are skipped.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	names, err := s.Names()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(names))
	for _, name := range names {
		r, err := s.Load(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ProcessLockPath returns the path of the work-in-progress sentinel of name.
func (s *Store) ProcessLockPath(name string) string {
	return filepath.Join(s.dir, name, name+processLockExt)
}

// Unlock removes the work-in-progress sentinel of name regardless of its
// holder. It is meant to clean up after a crashed process.
func (s *Store) Unlock(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	path := s.ProcessLockPath(name)
	info, err := filelock.Inspect(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s is not locked: %w", name, err)
		}
		return err
	}
	if err := filelock.Break(path); err != nil {
		return err
	}
	s.logger.WarnContext(ctx, "Broke processing lock", "name", name, "pid", info.PID, "host", info.Host, "created_at", info.CreatedAt)
	return nil
}

func (s *Store) newRecord(name string) *Record {
	return &Record{store: s, name: name, prefix: filepath.Join(s.dir, name), stale: true}
}

// lockOptions returns the options for one lock acquisition.
func (s *Store) lockOptions(failFast bool) *filelock.Options {
	o := s.opts.Lock
	o.FailFast = failFast
	if o.Logger == nil {
		o.Logger = s.logger
	}
	return &o
}
