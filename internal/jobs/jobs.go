// Package jobs runs the wallet's periodic maintenance on cron schedules.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/degentalk/dgt-wallet/internal/ledger"
	"github.com/degentalk/dgt-wallet/internal/metrics"
	"github.com/degentalk/dgt-wallet/internal/wallet"
)

const defaultTimeout = 5 * time.Minute

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on their schedules. A run still in progress when its
// next tick arrives is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds an idle scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job. Schedules use the standard five-field syntax or
// descriptors such as "@every 15m".
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil || job.Name == "" {
		return errors.New("jobs: name and run are required")
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	_, err := s.cron.AddFunc(job.Schedule, func() { s.run(job, timeout) })
	if err != nil {
		return fmt.Errorf("jobs: schedule %s: %w", job.Name, err)
	}
	return nil
}

func (s *Scheduler) run(job Job, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Error("job failed", slog.String("job", job.Name), slog.Any("error", err))
	} else {
		s.logger.Debug("job finished", slog.String("job", job.Name), slog.Duration("duration", time.Since(start)))
	}
	metrics.ObserveJobRun(job.Name, outcome, time.Since(start))
}

// Start begins dispatching in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts new runs and waits for running ones until ctx expires, at which
// point their contexts are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Reconcile checks every materialized balance against the entry log.
func Reconcile(r *ledger.Reconciler, schedule string) Job {
	return Job{
		Name:     "reconcile",
		Schedule: schedule,
		Timeout:  30 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := r.Run(ctx)
			return err
		},
	}
}

// ExpireWithdrawals fails withdrawals that outlived the settlement timeout.
func ExpireWithdrawals(svc *wallet.Service, schedule string) Job {
	return Job{
		Name:     "expire_withdrawals",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := svc.ExpireStaleWithdrawals(ctx)
			return err
		},
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
