// Package retention prunes old traces on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/decisiontrace/pkg/xray"
)

// DefaultSchedule runs the purge once a day at midnight.
const DefaultSchedule = "@daily"

// scheduleParser accepts standard 5-field expressions and descriptors such
// as @daily or @every 6h.
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ErrNotSupported is returned when the storage cannot delete by age.
var ErrNotSupported = errors.New("storage does not support retention purges")

type Config struct {
	Storage xray.Storage
	Logger  *slog.Logger
	// Days is the retention window. Zero or less disables pruning.
	Days     int
	Schedule string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler deletes traces older than the retention window each time its
// schedule fires.
type Scheduler struct {
	purger   xray.Purger
	logger   *slog.Logger
	days     int
	schedule cronlib.Schedule
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	lastN   int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and storage. It returns
// ErrNotSupported when the storage has no PurgeBefore.
func NewScheduler(cfg Config) (*Scheduler, error) {
	purger, ok := cfg.Storage.(xray.Purger)
	if !ok {
		return nil, ErrNotSupported
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		purger:   purger,
		logger:   logger.With("component", "retention"),
		days:     cfg.Days,
		schedule: sched,
		now:      now,
	}, nil
}

// ParseSchedule parses a cron expression or descriptor.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Cutoff is the oldest start_time kept for a window of days ending at now.
func Cutoff(now time.Time, days int) time.Time {
	return now.UTC().AddDate(0, 0, -days)
}

// Prune deletes traces that started more than days before now.
func Prune(ctx context.Context, storage xray.Storage, days int, now time.Time) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	purger, ok := storage.(xray.Purger)
	if !ok {
		return 0, ErrNotSupported
	}
	n, err := purger.PurgeBefore(ctx, Cutoff(now, days))
	if err != nil {
		return 0, fmt.Errorf("purge traces: %w", err)
	}
	return n, nil
}

// Start runs the schedule in a background goroutine until ctx is done or
// Stop is called. With Days <= 0 it only logs and returns.
func (s *Scheduler) Start(ctx context.Context) {
	if s.days <= 0 {
		s.logger.Info("retention disabled", "days", s.days)
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "days", s.days, "next_run_at", s.schedule.Next(s.now()))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// LastRun reports when the last purge ran and how many traces it removed.
func (s *Scheduler) LastRun() (time.Time, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastN
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		now := s.now()
		wait := s.schedule.Next(now).Sub(now)
		timer := time.NewTimer(max(wait, 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single purge immediately.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now()
	cutoff := Cutoff(now, s.days)
	n, err := s.purger.PurgeBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention purge failed", "cutoff", cutoff, "error", err)
		return
	}
	s.mu.Lock()
	s.lastRun, s.lastN = now, n
	s.mu.Unlock()
	s.logger.Info("retention purge complete",
		"cutoff", cutoff,
		"purged_traces", n,
		"next_run_at", s.schedule.Next(now),
	)
}
