package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    *Config
		wantErr string
	}{
		{
			name:    "empty",
			content: "",
			want:    Default(),
		},
		{
			name: "full",
			content: `dir: /data/samples
concurrency: 8
fail_fast: true
eager_load: true
task_timeout: 1m30s
log_level: debug
lock:
  retry_interval: 50ms
  stale_after: 1h
`,
			want: &Config{
				Dir:         "/data/samples",
				Concurrency: 8,
				FailFast:    true,
				EagerLoad:   true,
				TaskTimeout: 90 * time.Second,
				LogLevel:    "debug",
				Lock:        Lock{RetryInterval: 50 * time.Millisecond, StaleAfter: time.Hour},
			},
		},
		{
			name:    "partial keeps defaults",
			content: "concurrency: 2\n",
			want: &Config{
				Dir:         "samples",
				Concurrency: 2,
				LogLevel:    "info",
				Lock:        Lock{RetryInterval: 500 * time.Millisecond},
			},
		},
		{name: "unknown field", content: "dirr: x\n", wantErr: "field dirr not found"},
		{name: "negative", content: "concurrency: -1\n", wantErr: "concurrency must be non-negative"},
		{name: "bad level", content: "log_level: loud\n", wantErr: "invalid log_level"},
		{name: "bad duration", content: "task_timeout: soon\n", wantErr: "failed to parse config"},
		{name: "empty dir", content: "dir: \"\"\n", wantErr: "dir is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			got, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
	t.Run("missing", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestOptions(t *testing.T) {
	c := Default()
	c.Concurrency = 3
	c.FailFast = true
	c.EagerLoad = true
	c.TaskTimeout = time.Second
	c.Lock.StaleAfter = time.Minute
	logger := slog.New(slog.DiscardHandler)
	ro := c.RecordOptions(logger)
	if !ro.EagerLoad || ro.Lock.StaleAfter != time.Minute || ro.Lock.RetryInterval != 500*time.Millisecond || ro.Logger != logger {
		t.Errorf("RecordOptions() = %+v", ro)
	}
	rn := c.RunnerOptions(logger)
	if rn.Concurrency != 3 || !rn.FailFast || rn.TaskTimeout != time.Second {
		t.Errorf("RunnerOptions() = %+v", rn)
	}
	lvl, err := c.Level()
	if err != nil || lvl != slog.LevelInfo {
		t.Errorf("Level() = %v, %v", lvl, err)
	}
}
