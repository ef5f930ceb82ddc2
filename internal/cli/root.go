// Package cli implements the samplebase command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/maruel/samplebase/internal/config"
	"github.com/maruel/samplebase/internal/record"
	"github.com/spf13/cobra"
)

// env is the state shared by all subcommands.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	level  *slog.LevelVar

	configPath string
	dir        string
	logLevel   string

	cfg *config.Config
}

// NewRootCommand returns the samplebase command.
//
// level, when not nil, is adjusted to the configured log level of the
// handler behind logger.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer, logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &env{stdin: stdin, stdout: stdout, stderr: stderr, logger: logger, level: level}
	rc := &cobra.Command{
		Use:   "samplebase",
		Short: "Store named records on disk and process them in parallel.",
		Long: `samplebase stores named records, each an argument mapping and a result mapping,
as JSON documents with array sidecars in a directory. Records can be processed
concurrently by many goroutines or processes; a lock file per record ensures
each is processed by one worker at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.loadConfig(cmd)
		},
	}
	rc.PersistentFlags().StringVarP(&e.configPath, "config", "c", "", "YAML configuration file")
	rc.PersistentFlags().StringVarP(&e.dir, "dir", "d", "", "directory holding the records (overrides the configuration)")
	rc.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "log level: debug, info, warn or error")

	rc.AddCommand(newCreateCommand(e))
	rc.AddCommand(newShowCommand(e))
	rc.AddCommand(newListCommand(e))
	rc.AddCommand(newRunCommand(e))
	rc.AddCommand(newUnlockCommand(e))
	rc.AddCommand(newSchemaCommand(e))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func (e *env) loadConfig(cmd *cobra.Command) error {
	cfg := config.Default()
	if e.configPath != "" {
		var err error
		if cfg, err = config.Load(e.configPath); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("dir") {
		cfg.Dir = e.dir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = e.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	lvl, err := cfg.Level()
	if err != nil {
		return err
	}
	if e.level != nil {
		e.level.Set(lvl)
	}
	e.cfg = cfg
	e.logger.DebugContext(cmd.Context(), "Configuration", "dir", cfg.Dir, "concurrency", cfg.Concurrency, "eager_load", cfg.EagerLoad)
	return nil
}

func (e *env) store() *record.Store {
	return record.New(e.cfg.Dir, e.cfg.RecordOptions(e.logger))
}

var errNotLocked = errors.New("record is not being processed")

func (e *env) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(e.stdout, format, args...)
}
