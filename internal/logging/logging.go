// Package logging sets up the per-run zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Options configures Setup.
type Options struct {
	Level    string
	Dir      string // per-run log files; empty disables the file
	ToStdout bool   // also log to stderr
	RunName  string // file name prefix, "run" when empty
}

// Run is an open per-run logger.
type Run struct {
	Logger zerolog.Logger
	ID     string
	Path   string // "" when no file is written

	file *os.File
}

// Close flushes and closes the run's log file.
func (r *Run) Close() error {
	if r.file == nil {
		return nil
	}
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Setup creates <Dir>/<RunName>_<timestamp>_<id>.log and returns a logger
// writing JSON lines to it and, when ToStdout is set, to stderr. stderr
// gets a console writer when it is a terminal.
func Setup(opts Options) (*Run, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	run := &Run{ID: uuid.NewString()[:8]}
	var writers []io.Writer

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		name := opts.RunName
		if name == "" {
			name = "run"
		}
		run.Path = filepath.Join(opts.Dir, fmt.Sprintf("%s_%s_%s.log", name, time.Now().Format("20060102_150405"), run.ID))
		f, err := os.OpenFile(run.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		run.file = f
		writers = append(writers, f)
	}

	if opts.ToStdout {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		} else {
			writers = append(writers, os.Stderr)
		}
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	run.Logger = zerolog.New(out).Level(level).With().Timestamp().Str("run", run.ID).Logger()
	return run, nil
}

func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
