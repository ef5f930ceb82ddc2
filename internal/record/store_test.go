package record

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/maruel/samplebase/internal/codec"
	"github.com/maruel/samplebase/internal/filelock"
)

// Environment variables used to run the test binary as a helper process.
const (
	helperDirEnv  = "SAMPLEBASE_RECORD_HELPER_DIR"
	helperNameEnv = "SAMPLEBASE_RECORD_HELPER_NAME"
)

func TestMain(m *testing.M) {
	if dir := os.Getenv(helperDirEnv); dir != "" {
		if err := doubleX(context.Background(), newTestStore(dir), os.Getenv(helperNameEnv)); err != nil {
			fmt.Fprintf(os.Stderr, "helper: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newTestStore(dir string) *Store {
	return New(dir, &Options{Lock: filelock.Options{RetryInterval: 5 * time.Millisecond}})
}

// doubleX doubles args["x"] under a Session, slowly enough to overlap with
// concurrent callers.
func doubleX(ctx context.Context, s *Store, name string) error {
	return s.Process(ctx, name, false, func(r *Record) error {
		x, ok := r.Args()["x"].(int64)
		if !ok {
			return fmt.Errorf("unexpected x %#v", r.Args()["x"])
		}
		time.Sleep(10 * time.Millisecond)
		r.Args()["x"] = x * 2
		return nil
	})
}

func TestStore(t *testing.T) {
	t.Run("CreateLoad", func(t *testing.T) {
		s := newTestStore(filepath.Join(t.TempDir(), "samples"))
		args := codec.Fields{"x": 2, "y": "ypsilon", "a": codec.NewArray(2, 3)}
		r, err := s.Create(t.Context(), "foo", args)
		if err != nil {
			t.Fatal(err)
		}
		if r.Name() != "foo" || r.Prefix() != filepath.Join(s.Dir(), "foo") {
			t.Fatalf("Name()=%q Prefix()=%q", r.Name(), r.Prefix())
		}
		args["x"] = 3
		if r.Args()["x"] != int64(2) {
			t.Fatalf("Args()[x] = %#v, want int64(2)", r.Args()["x"])
		}
		if diff := cmp.Diff(codec.Fields{"x": int64(2), "y": "ypsilon", "a": codec.NewArray(2, 3)}, r.Args()); diff != "" {
			t.Fatalf("created args mismatch (-want +got):\n%s", diff)
		}
		r2, err := s.Load(t.Context(), "foo")
		if err != nil {
			t.Fatal(err)
		}
		want := codec.Fields{"x": int64(2), "y": "ypsilon", "a": codec.NewArray(2, 3)}
		if diff := cmp.Diff(want, r2.Args()); diff != "" {
			t.Fatalf("args mismatch (-want +got):\n%s", diff)
		}
		if r2.Done() || len(r2.Result()) != 0 {
			t.Fatalf("Done()=%v Result()=%v", r2.Done(), r2.Result())
		}
	})
	t.Run("GeneratedName", func(t *testing.T) {
		s := newTestStore(t.TempDir())
		r, err := s.Create(t.Context(), "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if r.Name() == "" || len(r.Args()) != 0 {
			t.Fatalf("Name()=%q Args()=%v", r.Name(), r.Args())
		}
		if _, err := os.Stat(filepath.Join(s.Dir(), r.Name(), r.Name()+".json")); err != nil {
			t.Fatal(err)
		}
	})
	t.Run("AlreadyExists", func(t *testing.T) {
		s := newTestStore(t.TempDir())
		if _, err := s.Create(t.Context(), "foo", nil); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Create(t.Context(), "foo", nil); !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("got %v, want ErrAlreadyExists", err)
		}
	})
	t.Run("FailedCreateFreesName", func(t *testing.T) {
		s := newTestStore(t.TempDir())
		_, err := s.Create(t.Context(), "foo", codec.Fields{"a": codec.NewArray(1), "z": math.NaN()})
		if !errors.Is(err, codec.ErrNonFiniteFloat) {
			t.Fatalf("got %v, want ErrNonFiniteFloat", err)
		}
		if _, err := os.Stat(filepath.Join(s.Dir(), "foo")); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("record directory left behind: %v", err)
		}
		if _, err := s.Load(t.Context(), "foo"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Load: got %v", err)
		}
		if _, err := s.Create(t.Context(), "foo", codec.Fields{"x": 1}); err != nil {
			t.Fatal(err)
		}
		r, err := s.Load(t.Context(), "foo")
		if err != nil {
			t.Fatal(err)
		}
		if got := r.Args()["x"]; got != int64(1) {
			t.Fatalf("x = %v", got)
		}
	})
	t.Run("NotFound", func(t *testing.T) {
		s := newTestStore(t.TempDir())
		if _, err := s.Load(t.Context(), "foo"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Load: got %v", err)
		}
		if _, err := s.Begin(t.Context(), "foo", true); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Begin: got %v", err)
		}
		// Directory without a document.
		if err := os.Mkdir(filepath.Join(s.Dir(), "bar"), 0o755); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Load(t.Context(), "bar"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Load: got %v", err)
		}
		if err := s.Process(t.Context(), "bar", false, func(*Record) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Process: got %v", err)
		}
		if held, _ := filelock.IsHeld(s.ProcessLockPath("bar")); held {
			t.Fatal("lock leaked after failed load")
		}
	})
	t.Run("InvalidName", func(t *testing.T) {
		s := newTestStore(t.TempDir())
		for _, name := range []string{".", "..", ".hidden", "a/b", `a\b`, "/abs"} {
			if _, err := s.Create(t.Context(), name, nil); !errors.Is(err, ErrInvalidName) {
				t.Errorf("Create(%q): got %v", name, err)
			}
		}
	})
	t.Run("NamesList", func(t *testing.T) {
		s := newTestStore(filepath.Join(t.TempDir(), "samples"))
		names, err := s.Names()
		if err != nil || len(names) != 0 {
			t.Fatalf("Names() = %v, %v", names, err)
		}
		for _, n := range []string{"c", "a", "b"} {
			if _, err := s.Create(t.Context(), n, codec.Fields{"n": n}); err != nil {
				t.Fatal(err)
			}
		}
		if err := os.Mkdir(filepath.Join(s.Dir(), "empty"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(s.Dir(), "file.json"), nil, 0o644); err != nil {
			t.Fatal(err)
		}
		names, err = s.Names()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
			t.Fatalf("Names() mismatch (-want +got):\n%s", diff)
		}
		records, err := s.List(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		var got []string
		for _, r := range records {
			got = append(got, r.Args()["n"].(string))
		}
		if diff := cmp.Diff(names, got); diff != "" {
			t.Fatalf("List() mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("CorruptedDocument", func(t *testing.T) {
		s := newTestStore(t.TempDir())
		r, err := s.Create(t.Context(), "foo", nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(r.docPath(), []byte(`{"args":{"x":{"bogus":1}}}`), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Load(t.Context(), "foo"); !errors.Is(err, codec.ErrUnknownFieldShape) {
			t.Fatalf("got %v", err)
		}
		if _, err := s.Begin(t.Context(), "foo", true); !errors.Is(err, codec.ErrUnknownFieldShape) {
			t.Fatalf("got %v", err)
		}
		if held, _ := r.IsBeingProcessed(); held {
			t.Fatal("lock leaked after failed load")
		}
	})
}

func TestSession(t *testing.T) {
	t.Run("PersistsAndReleases", func(t *testing.T) {
		s := newTestStore(t.TempDir())
		if _, err := s.Create(t.Context(), "foo", codec.Fields{"x": 2, "y": "ypsilon"}); err != nil {
			t.Fatal(err)
		}
		sess, err := s.Begin(t.Context(), "foo", true)
		if err != nil {
			t.Fatal(err)
		}
		r := sess.Record()
		if held, err := r.IsBeingProcessed(); err != nil || !held {
			t.Fatalf("IsBeingProcessed() = %v, %v", held, err)
		}
		if _, err := s.Begin(t.Context(), "foo", true); !errors.Is(err, ErrAlreadyBeingProcessed) {
			t.Fatalf("got %v, want ErrAlreadyBeingProcessed", err)
		}
		y := r.Args()["y"].(string)
		r.SetResult(codec.Fields{"z": strings.Repeat(y, int(r.Args()["x"].(int64)))})
		if err := sess.Close(t.Context()); err != nil {
			t.Fatal(err)
		}
		if err := sess.Close(t.Context()); err != nil {
			t.Fatalf("second Close: %v", err)
		}
		if held, err := r.IsBeingProcessed(); err != nil || held {
			t.Fatalf("IsBeingProcessed() = %v, %v", held, err)
		}
		got, err := s.Load(t.Context(), "foo")
		if err != nil {
			t.Fatal(err)
		}
		if !got.Done() || got.Result()["z"] != "ypsilonypsilon" {
			t.Fatalf("Done()=%v Result()=%v", got.Done(), got.Result())
		}
	})
	t.Run("CanceledContext", func(t *testing.T) {
		s := newTestStore(t.TempDir())
		if _, err := s.Create(t.Context(), "foo", nil); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(t.Context())
		sess, err := s.Begin(ctx, "foo", false)
		if err != nil {
			t.Fatal(err)
		}
		sess.Record().Args()["partial"] = true
		cancel()
		if err := sess.Close(ctx); err != nil {
			t.Fatal(err)
		}
		got, err := s.Load(t.Context(), "foo")
		if err != nil {
			t.Fatal(err)
		}
		if got.Args()["partial"] != true {
			t.Fatalf("Args() = %v", got.Args())
		}
	})
	t.Run("ProcessError", func(t *testing.T) {
		s := newTestStore(t.TempDir())
		if _, err := s.Create(t.Context(), "foo", codec.Fields{"x": 1}); err != nil {
			t.Fatal(err)
		}
		errBoom := errors.New("boom")
		err := s.Process(t.Context(), "foo", true, func(r *Record) error {
			r.Args()["x"] = 5
			return errBoom
		})
		if !errors.Is(err, errBoom) {
			t.Fatalf("got %v", err)
		}
		got, err := s.Load(t.Context(), "foo")
		if err != nil {
			t.Fatal(err)
		}
		if got.Args()["x"] != int64(5) || got.Done() {
			t.Fatalf("Args()=%v Done()=%v", got.Args(), got.Done())
		}
	})
	t.Run("ProcessPanic", func(t *testing.T) {
		s := newTestStore(t.TempDir())
		if _, err := s.Create(t.Context(), "foo", nil); err != nil {
			t.Fatal(err)
		}
		func() {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			_ = s.Process(t.Context(), "foo", true, func(r *Record) error {
				r.Args()["before"] = "panic"
				panic("boom")
			})
		}()
		got, err := s.Load(t.Context(), "foo")
		if err != nil {
			t.Fatal(err)
		}
		if got.Args()["before"] != "panic" {
			t.Fatalf("Args() = %v", got.Args())
		}
		if held, _ := got.IsBeingProcessed(); held {
			t.Fatal("lock leaked after panic")
		}
	})
	t.Run("Unlock", func(t *testing.T) {
		s := newTestStore(t.TempDir())
		if _, err := s.Create(t.Context(), "foo", nil); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Begin(t.Context(), "foo", true); err != nil {
			t.Fatal(err)
		}
		if err := s.Unlock(t.Context(), "foo"); err != nil {
			t.Fatal(err)
		}
		if err := s.Unlock(t.Context(), "foo"); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("got %v", err)
		}
		sess, err := s.Begin(t.Context(), "foo", true)
		if err != nil {
			t.Fatal(err)
		}
		if err := sess.Close(t.Context()); err != nil {
			t.Fatal(err)
		}
	})
}

func TestRecord_eagerLoad(t *testing.T) {
	dir := t.TempDir()
	eager := New(dir, &Options{EagerLoad: true})
	lazy := newTestStore(dir)
	if _, err := lazy.Create(t.Context(), "foo", codec.Fields{"x": 1}); err != nil {
		t.Fatal(err)
	}
	re, err := eager.Load(t.Context(), "foo")
	if err != nil {
		t.Fatal(err)
	}
	rl, err := lazy.Load(t.Context(), "foo")
	if err != nil {
		t.Fatal(err)
	}
	w, err := lazy.Load(t.Context(), "foo")
	if err != nil {
		t.Fatal(err)
	}
	w.Args()["x"] = 2
	if err := w.Write(t.Context()); err != nil {
		t.Fatal(err)
	}
	// Ensure a distinct modification time on coarse filesystems.
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(w.docPath(), now, now); err != nil {
		t.Fatal(err)
	}
	if got := re.Args()["x"]; got != int64(2) {
		t.Errorf("eager Args()[x] = %v", got)
	}
	if got := rl.Args()["x"]; got != int64(1) {
		t.Errorf("lazy Args()[x] = %v", got)
	}
	rl.Invalidate()
	if got := rl.Args()["x"]; got != int64(1) {
		t.Errorf("lazy Args()[x] after Invalidate = %v", got)
	}
	if err := rl.Read(t.Context()); err != nil {
		t.Fatal(err)
	}
	if got := rl.Args()["x"]; got != int64(2) {
		t.Errorf("lazy Args()[x] after Read = %v", got)
	}

	re.Args()["x"] = 7
	re.Invalidate()
	if got := re.Args()["x"]; got != int64(2) {
		t.Errorf("eager Args()[x] after Invalidate = %v", got)
	}
	if err := os.RemoveAll(filepath.Join(dir, "foo")); err != nil {
		t.Fatal(err)
	}
	re.Invalidate()
	_ = re.Done()
	if !errors.Is(re.Err(), ErrNotFound) {
		t.Errorf("Err() = %v", re.Err())
	}
}

func TestMutualExclusion(t *testing.T) {
	s := newTestStore(t.TempDir())
	if _, err := s.Create(t.Context(), "foo", codec.Fields{"x": 3}); err != nil {
		t.Fatal(err)
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	// 3 helper processes and 2 goroutines double x concurrently.
	var wg sync.WaitGroup
	for range 3 {
		wg.Go(func() {
			cmd := exec.CommandContext(t.Context(), exe, "-test.run=^$")
			cmd.Env = append(os.Environ(), helperDirEnv+"="+s.Dir(), helperNameEnv+"=foo")
			if out, err := cmd.CombinedOutput(); err != nil {
				t.Errorf("helper failed: %v\n%s", err, out)
			}
		})
	}
	for range 2 {
		wg.Go(func() {
			if err := doubleX(t.Context(), s, "foo"); err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()
	r, err := s.Load(t.Context(), "foo")
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Args()["x"]; got != int64(3*32) {
		t.Fatalf("x = %v, want %d", got, 3*32)
	}
}
