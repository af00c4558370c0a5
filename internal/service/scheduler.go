package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ─────────────────────────────────────────────────────────────
// Scheduler: periodic maintenance jobs
// ─────────────────────────────────────────────────────────────

// SchedulerOptions holds the maintenance schedules. An empty expression
// disables the job.
type SchedulerOptions struct {
	ReapCron         string        // idle handle reaper
	IdleTimeout      time.Duration // handles idle this long are closed
	SchemaCron       string        // refresh every open handle's schema
	PruneCron        string        // history retention
	HistoryRetention time.Duration // 0 keeps history forever
}

// Scheduler runs connection and history maintenance on cron schedules.
type Scheduler struct {
	conns   *ConnectionManager
	history *HistoryService
	opts    SchedulerOptions
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewScheduler validates the schedules and registers the jobs. Call Start
// to begin running them.
func NewScheduler(conns *ConnectionManager, history *HistoryService, opts SchedulerOptions, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Scheduler{
		conns:   conns,
		history: history,
		opts:    opts,
		logger:  logger.With(slog.String("component", "scheduler")),
		cron:    cron.New(),
	}

	if opts.ReapCron != "" && opts.IdleTimeout > 0 {
		if _, err := s.cron.AddFunc(opts.ReapCron, s.reap); err != nil {
			return nil, fmt.Errorf("reap schedule %q: %w", opts.ReapCron, err)
		}
	}
	if opts.SchemaCron != "" {
		if _, err := s.cron.AddFunc(opts.SchemaCron, s.refreshSchemas); err != nil {
			return nil, fmt.Errorf("schema schedule %q: %w", opts.SchemaCron, err)
		}
	}
	if opts.PruneCron != "" && opts.HistoryRetention > 0 && history != nil {
		if _, err := s.cron.AddFunc(opts.PruneCron, s.prune); err != nil {
			return nil, fmt.Errorf("prune schedule %q: %w", opts.PruneCron, err)
		}
	}
	return s, nil
}

// Jobs returns how many jobs are scheduled.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", s.Jobs()))
}

// Stop stops scheduling and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) reap() {
	if n := s.conns.ReapIdle(s.opts.IdleTimeout); n > 0 {
		s.logger.Info("idle connections reaped", slog.Int("count", n))
	}
}

func (s *Scheduler) refreshSchemas() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	s.conns.RefreshAll(ctx)
}

func (s *Scheduler) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.history.PruneOlderThan(ctx, s.opts.HistoryRetention)
	if err != nil {
		s.logger.Warn("history prune failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("history pruned", slog.Int64("deleted", n))
	}
}
