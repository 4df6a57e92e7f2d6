package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/pkg/logger"
)

// Scheduler re-runs the orchestrator on a cron expression ("@every 6h",
// "0 */4 * * *"). Overlapping ticks are skipped, not queued.
type Scheduler struct {
	orch *Orchestrator

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	spec    string
	baseCtx context.Context
}

func NewScheduler(orch *Orchestrator) *Scheduler {
	return &Scheduler{orch: orch}
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debugw(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Errorw(msg, append(kv, "error", err)...)
}

// Start schedules runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	cl := cronLogger{log: logger.Named("cron").Sugar()}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	s.baseCtx = ctx
	if err := s.schedule(spec); err != nil {
		s.cron = nil
		return err
	}
	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	logger.Info("Scheduler started", zap.String("schedule", spec))
	return nil
}

func (s *Scheduler) schedule(spec string) error {
	id, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.entry = id
	s.spec = spec
	return nil
}

func (s *Scheduler) tick() {
	report, err := s.orch.Run(s.baseCtx, RunOptions{})
	if err != nil {
		logger.Warn("Scheduled run did not complete", zap.Error(err))
		return
	}
	logger.Info("Scheduled run complete", zap.String("run_id", report.ID), zap.Bool("degraded", report.Degraded))
}

// Reschedule swaps the cron expression, e.g. after a config reload. The old
// entry is kept when the new expression does not parse.
func (s *Scheduler) Reschedule(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return fmt.Errorf("scheduler not started")
	}
	if spec == s.spec {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	old := s.entry
	if err := s.schedule(spec); err != nil {
		return err
	}
	s.cron.Remove(old)
	logger.Info("Schedule changed", zap.String("schedule", spec))
	return nil
}

// Next reports when the next run is due.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// Stop waits up to five seconds for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		logger.Warn("Scheduler stop timed out waiting for the running job")
	}
	logger.Info("Scheduler stopped")
}
