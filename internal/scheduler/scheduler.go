package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one unit of scheduled work. Errors are logged and the job runs
// again on its next tick.
type Job func(ctx context.Context) error

type intervalJob struct {
	name     string
	interval time.Duration
	fn       Job
}

// Scheduler runs interval jobs on tickers and cron jobs on a robfig/cron
// instance. A job never overlaps with itself.
type Scheduler struct {
	mu        sync.RWMutex
	cron      *cron.Cron
	intervals []intervalJob
	ctx       context.Context
	logger    *slog.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	s := &Scheduler{logger: logger, ctx: context.Background()}
	s.cron = cron.New(
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	)
	return s
}

// Every registers fn to run every interval, starting one interval after Start.
func (s *Scheduler) Every(name string, interval time.Duration, fn Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals = append(s.intervals, intervalJob{name: name, interval: interval, fn: fn})
}

// Cron registers fn on a standard five-field cron spec.
func (s *Scheduler) Cron(name, spec string, fn Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		s.run(ctx, name, fn)
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.logger.Info("cron job registered", "job", name, "spec", spec)
	return nil
}

// Start launches every registered job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.ctx = ctx
	jobs := append([]intervalJob(nil), s.intervals...)
	s.mu.Unlock()

	for _, j := range jobs {
		s.wg.Add(1)
		go func(j intervalJob) {
			defer s.wg.Done()
			ticker := time.NewTicker(j.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.run(ctx, j.name, j.fn)
				}
			}
		}(j)
	}
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) run(ctx context.Context, name string, fn Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Error("job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("job finished", "job", name, "duration", time.Since(start))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
