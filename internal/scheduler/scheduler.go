// Package scheduler drives the background jobs: basket expiry, payment
// timeout, abandoned-hold release, payment recovery, the chain scan, and
// the price refresh. Each job owns one goroutine, runs never overlap, and
// a job failing or panicking affects nothing but its own tick.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/metrics"
)

// Job is one periodic task. Run receives the context the scheduler was
// started with; an error return is logged and counted, and the schedule
// keeps going.
type Job struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Run          func(ctx context.Context) error
}

// Scheduler owns a fixed set of jobs, one goroutine each.
type Scheduler struct {
	jobs    []Job
	metrics *metrics.Metrics
	now     func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the time source used for run durations.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler over the given jobs. m may be nil.
func New(jobs []Job, m *metrics.Metrics, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:    jobs,
		metrics: m,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches one goroutine per job. Jobs without an interval or a
// body are skipped with a warning rather than spinning.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		started := 0
		for _, job := range s.jobs {
			if job.Interval <= 0 || job.Run == nil {
				log.Warn().Str("job", job.Name).Msg("scheduler.job_disabled")
				continue
			}
			s.wg.Add(1)
			go s.runLoop(ctx, job)
			started++
		}
		log.Info().Int("jobs", started).Msg("scheduler.started")
	})
}

// Stop ends every job loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		log.Info().Msg("scheduler.stopped")
	})
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	defer s.wg.Done()

	// The initial delay staggers the jobs so the process finishes booting
	// before background work hits the store.
	delay := time.NewTimer(job.InitialDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return
	case <-s.stopCh:
		return
	case <-delay.C:
	}
	s.runOnce(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
			s.dropPendingTick(ctx, job, ticker)
		}
	}
}

// dropPendingTick discards a tick that fired while the previous run was
// still executing. An overrunning job resumes its cadence instead of
// double-running to catch up.
func (s *Scheduler) dropPendingTick(ctx context.Context, job Job, ticker *time.Ticker) {
	select {
	case <-ticker.C:
		if s.metrics != nil {
			s.metrics.ObserveJobSkip(job.Name)
		}
		clog := logger.FromContext(ctx)
		clog.Warn().Str("job", job.Name).Msg("scheduler.tick_skipped")
	default:
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	start := s.now()
	err := s.safeRun(ctx, job)
	elapsed := s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.ObserveJobRun(job.Name, elapsed, err)
	}
	if err != nil {
		clog := logger.FromContext(ctx)
		clog.Error().
			Err(err).
			Str("job", job.Name).
			Dur("elapsed", elapsed).
			Msg("scheduler.job_failed")
		return
	}
	clog := logger.FromContext(ctx)
	clog.Debug().
		Str("job", job.Name).
		Dur("elapsed", elapsed).
		Msg("scheduler.job_tick")
}

// safeRun confines a panic to the tick that raised it.
func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return job.Run(ctx)
}
