// Package runner processes many records concurrently, each under its own
// record.Session.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/maruel/samplebase/internal/codec"
	"github.com/maruel/samplebase/internal/record"
	"golang.org/x/sync/errgroup"
)

// Func computes the result of a record from its arguments.
type Func func(ctx context.Context, args codec.Fields) (codec.Fields, error)

// ProcessFunc processes a record with full access to it.
type ProcessFunc func(ctx context.Context, r *record.Record) error

// Status is the outcome of one task.
type Status int

const (
	// Completed means the function ran and returned no error.
	Completed Status = iota + 1
	// Skipped means the record was already done.
	Skipped
	// Busy means the record was being processed elsewhere and FailFast was set.
	Busy
	// Failed means the task returned an error or panicked.
	Failed
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Skipped:
		return "skipped"
	case Busy:
		return "busy"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Options configures RunParallel and ProcessParallel.
type Options struct {
	// Concurrency is the number of concurrent tasks. Defaults to GOMAXPROCS.
	Concurrency int
	// FailFast skips records already being processed instead of waiting.
	FailFast bool
	// TaskTimeout bounds each task when positive.
	TaskTimeout time.Duration
	// Logger defaults to discarding.
	Logger *slog.Logger
}

// Outcome is the result of one task.
type Outcome struct {
	Name     string
	Status   Status
	Err      error
	Duration time.Duration
}

// Report lists task outcomes in completion order.
type Report struct {
	Outcomes []Outcome
}

// Count returns the number of outcomes with status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// PanicError wraps a value recovered from a task.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// RunParallel runs fn on the arguments of every named record that is not done
// yet and stores its return value as the result.
//
// Names may repeat; the processing lock serializes duplicates so that later
// ones are skipped. The returned error joins the errors of failed tasks. Busy
// records are not errors.
func RunParallel(ctx context.Context, store *record.Store, fn Func, names []string, opts *Options) (*Report, error) {
	return run(ctx, store, names, opts, func(ctx context.Context, r *record.Record) (Status, error) {
		if r.Done() {
			return Skipped, nil
		}
		result, err := fn(ctx, r.Args())
		if err != nil {
			return Failed, err
		}
		r.SetResult(result)
		return Completed, nil
	})
}

// ProcessParallel runs fn on every named record under its Session.
func ProcessParallel(ctx context.Context, store *record.Store, fn ProcessFunc, names []string, opts *Options) (*Report, error) {
	return run(ctx, store, names, opts, func(ctx context.Context, r *record.Record) (Status, error) {
		if err := fn(ctx, r); err != nil {
			return Failed, err
		}
		return Completed, nil
	})
}

type task func(ctx context.Context, r *record.Record) (Status, error)

func run(ctx context.Context, store *record.Store, names []string, opts *Options, t task) (*Report, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.GOMAXPROCS(0)
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	start := time.Now()
	report := &Report{Outcomes: make([]Outcome, 0, len(names))}
	var mu sync.Mutex
	var errs []error
	eg := errgroup.Group{}
	eg.SetLimit(o.Concurrency)
	for _, name := range names {
		eg.Go(func() error {
			out := runOne(ctx, store, name, &o, t)
			switch out.Status {
			case Failed:
				logger.ErrorContext(ctx, "Task failed", "name", name, "err", out.Err, "duration", out.Duration)
			case Busy:
				logger.InfoContext(ctx, "Record busy", "name", name)
			default:
				logger.DebugContext(ctx, "Task ended", "name", name, "status", out.Status, "duration", out.Duration)
			}
			mu.Lock()
			report.Outcomes = append(report.Outcomes, out)
			if out.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, out.Err))
			}
			mu.Unlock()
			// Sibling tasks keep running.
			return nil
		})
	}
	_ = eg.Wait()
	logger.InfoContext(ctx, "Processed records",
		"total", len(names),
		"completed", report.Count(Completed),
		"skipped", report.Count(Skipped),
		"busy", report.Count(Busy),
		"failed", report.Count(Failed),
		"duration", time.Since(start).Round(time.Millisecond))
	return report, errors.Join(errs...)
}

func runOne(ctx context.Context, store *record.Store, name string, o *Options, t task) (out Outcome) {
	start := time.Now()
	out.Name = name
	defer func() {
		out.Duration = time.Since(start)
	}()
	if err := ctx.Err(); err != nil {
		out.Status, out.Err = Failed, err
		return out
	}
	if o.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.TaskTimeout)
		defer cancel()
	}
	err := store.Process(ctx, name, o.FailFast, func(r *record.Record) (err error) {
		defer func() {
			if v := recover(); v != nil {
				out.Status, err = Failed, &PanicError{Value: v}
			}
		}()
		out.Status, err = t(ctx, r)
		return err
	})
	switch {
	case errors.Is(err, record.ErrAlreadyBeingProcessed):
		out.Status = Busy
	case err != nil:
		out.Status, out.Err = Failed, err
	}
	return out
}
