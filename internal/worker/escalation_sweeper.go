package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper runs one escalation pass; implemented by the workflow engine
type Sweeper interface {
	RunEscalationSweep(ctx context.Context, now time.Time) (int, error)
}

// EscalationSweeper periodically escalates steps whose timeout elapsed.
// It runs on its own schedule, decoupled from request handling; each pass
// touches one request's consistency boundary at a time, so a sweep never
// contends with more than one live approval at once.
type EscalationSweeper struct {
	sweeper  Sweeper
	schedule string // cron spec, e.g. "@every 2m"
	logger   *zap.Logger

	mu        sync.Mutex
	isRunning bool
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewEscalationSweeper creates a sweeper worker on the given cron schedule
func NewEscalationSweeper(sweeper Sweeper, schedule string, logger *zap.Logger) *EscalationSweeper {
	return &EscalationSweeper{
		sweeper:  sweeper,
		schedule: schedule,
		logger:   logger,
	}
}

// Start schedules the periodic sweep
func (s *EscalationSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("escalation sweeper is already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()

	if _, err := s.cron.AddFunc(s.schedule, s.runOnce); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.isRunning = true

	s.logger.Info("EscalationSweeper started", zap.String("schedule", s.schedule))
	return nil
}

// Stop cancels the schedule and waits for an in-flight pass to finish
func (s *EscalationSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false
	s.cancel()

	// cron.Stop returns a context that is done once running jobs exit.
	<-s.cron.Stop().Done()
	s.logger.Info("EscalationSweeper stopped")
}

// Name returns the worker name for identification
func (s *EscalationSweeper) Name() string {
	return "EscalationSweeper"
}

func (s *EscalationSweeper) runOnce() {
	if err := s.ctx.Err(); err != nil {
		return
	}

	escalated, err := s.sweeper.RunEscalationSweep(s.ctx, time.Now())
	if err != nil {
		s.logger.Error("Escalation sweep failed", zap.Error(err))
		return
	}
	if escalated > 0 {
		s.logger.Info("Escalation sweep escalated steps", zap.Int("count", escalated))
	}
}
