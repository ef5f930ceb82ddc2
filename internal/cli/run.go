// Implements the run subcommand.

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/maruel/samplebase/internal/codec"
	"github.com/maruel/samplebase/internal/runner"
	"github.com/spf13/cobra"
)

func newRunCommand(e *env) *cobra.Command {
	var names []string
	var concurrency int
	var failFast bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run [flags] -- PROGRAM [ARGS...]",
		Short: "Run a program on every record not done yet",
		Long: `Run PROGRAM once per record that is not done yet.

The record arguments are written to the program's standard input as a JSON
object. The program must print the result as a JSON object on its standard
output; its standard error is passed through. A non-zero exit code fails the
record, which stays not done.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := e.cfg.RunnerOptions(e.logger)
			if cmd.Flags().Changed("jobs") {
				opts.Concurrency = concurrency
			}
			if cmd.Flags().Changed("fail-fast") {
				opts.FailFast = failFast
			}
			if cmd.Flags().Changed("timeout") {
				opts.TaskTimeout = timeout
			}
			s := e.store()
			if len(names) == 0 {
				var err error
				if names, err = s.Names(); err != nil {
					return err
				}
			}
			report, err := runner.RunParallel(cmd.Context(), s, e.execFunc(args[0], args[1:]), names, opts)
			for _, o := range report.Outcomes {
				e.printf("%s\t%s\n", o.Name, o.Status)
			}
			return err
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringArrayVar(&names, "name", nil, "record to process, repeatable; all records when omitted")
	cmd.Flags().IntVarP(&concurrency, "jobs", "j", 0, "number of concurrent programs (overrides the configuration)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "skip records being processed elsewhere instead of waiting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum duration of each program, e.g. 30s")
	return cmd
}

// execFunc returns a runner.Func that runs an external program.
func (e *env) execFunc(prog string, progArgs []string) runner.Func {
	stderr := &lockedWriter{w: e.stderr}
	return func(ctx context.Context, args codec.Fields) (codec.Fields, error) {
		in, err := codec.MarshalValue(args)
		if err != nil {
			return nil, err
		}
		var out bytes.Buffer
		c := exec.CommandContext(ctx, prog, progArgs...) //nolint:gosec // G204: running the user's program is the point
		c.Stdin = bytes.NewReader(in)
		c.Stdout = &out
		c.Stderr = stderr
		if err := c.Run(); err != nil {
			return nil, fmt.Errorf("%s failed: %w", prog, err)
		}
		v, err := codec.UnmarshalValue(out.Bytes())
		if err != nil {
			return nil, fmt.Errorf("failed to parse output of %s: %w", prog, err)
		}
		result, ok := v.(codec.Fields)
		if !ok {
			return nil, fmt.Errorf("output of %s must be a JSON object, got %T", prog, v)
		}
		return result, nil
	}
}

// lockedWriter serializes writes from concurrent programs.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
