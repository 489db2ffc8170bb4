// Package reaper periodically stops sessions that have sat idle too long.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Target is the set of sessions being reaped.
type Target interface {
	ReapIdle(ctx context.Context, maxIdle time.Duration) []string
}

// Reaper runs Target.ReapIdle on a cron schedule.
type Reaper struct {
	target  Target
	maxIdle time.Duration
	logger  *slog.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	running bool
}

// New validates schedule and returns a stopped Reaper.
func New(target Target, schedule string, maxIdle time.Duration, logger *slog.Logger) (*Reaper, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Reaper{
		target:  target,
		maxIdle: maxIdle,
		logger:  logger,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
	if _, err := r.cron.AddFunc(schedule, r.tick); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reaper) tick() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()
	r.Sweep(context.Background())
}

// Sweep reaps once, immediately.
func (r *Reaper) Sweep(ctx context.Context) []string {
	stopped := r.target.ReapIdle(ctx, r.maxIdle)
	if len(stopped) > 0 {
		r.logger.Info("reaper: stopped idle sessions", "sessions", stopped, "maxIdle", r.maxIdle)
	}
	return stopped
}

func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}
