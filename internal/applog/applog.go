// Package applog configures the process-wide slog logger and the
// date-stamped files it writes to.
package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultPrefix  = "agent-relay-"
	defaultMaxDays = 7
	dayLayout      = "2006-01-02"
)

// RotatorOptions configures a Rotator. Zero values fall back to the
// agent-relay file prefix, a week of retention and the wall clock.
type RotatorOptions struct {
	Dir     string
	Prefix  string
	MaxDays int
	Now     func() time.Time
}

// Rotator is an io.Writer backed by one file per calendar day, named
// <prefix><yyyy-mm-dd>.log. Opening a new day's file deletes files dated
// more than MaxDays days before it.
type Rotator struct {
	opts RotatorOptions

	mu   sync.Mutex
	day  string
	file *os.File
}

func NewRotator(opts RotatorOptions) *Rotator {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.MaxDays <= 0 {
		opts.MaxDays = defaultMaxDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Rotator{opts: opts}
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.openFor(r.opts.Now()); err != nil {
		return 0, err
	}
	return r.file.Write(p)
}

// Current is the path of the file being written, or "" before the first write.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Name()
}

func (r *Rotator) pathFor(day string) string {
	return filepath.Join(r.opts.Dir, r.opts.Prefix+day+".log")
}

func (r *Rotator) openFor(now time.Time) error {
	day := now.Format(dayLayout)
	if day == r.day && r.file != nil {
		return nil
	}
	f, err := os.OpenFile(r.pathFor(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if r.file != nil {
		r.file.Close()
	}
	r.file, r.day = f, day
	r.removeExpired(now)
	return nil
}

// removeExpired deletes this rotator's files dated before the retention
// window. Files whose names do not parse as a date are left alone.
func (r *Rotator) removeExpired(now time.Time) {
	cutoff := now.AddDate(0, 0, -(r.opts.MaxDays - 1)).Format(dayLayout)
	matches, err := filepath.Glob(filepath.Join(r.opts.Dir, r.opts.Prefix+"*.log"))
	if err != nil {
		return
	}
	for _, path := range matches {
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), r.opts.Prefix), ".log")
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		if day < cutoff {
			os.Remove(path)
		}
	}
}

func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.day = nil, ""
	return err
}

type InitConfig struct {
	LogDir   string
	LogLevel string
	// Format is "text" (default) or "json".
	Format  string
	MaxDays int
	// Console also receives every record when set.
	Console io.Writer
}

// Init installs a logger writing to a Rotator in cfg.LogDir as slog's default
// and points the standard log package at the same output. Callers close the
// returned io.Closer on exit.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rot := NewRotator(RotatorOptions{Dir: cfg.LogDir, MaxDays: cfg.MaxDays})
	var out io.Writer = rot
	if cfg.Console != nil {
		out = io.MultiWriter(rot, cfg.Console)
	}
	logger := slog.New(NewHandler(out, cfg.Format, ParseLevel(cfg.LogLevel)))
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, rot, nil
}

// NewHandler returns a JSON handler for format "json" and a text handler
// otherwise.
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel accepts slog level names, with offsets such as "debug+2", and
// "warning". Anything else is info.
func ParseLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
