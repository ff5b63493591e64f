package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	rolloverdomain "github.com/smallbiznis/creditledger/internal/rollover/domain"
	"github.com/smallbiznis/creditledger/internal/scheduler/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobCreditExpirySweep = "credit_expiry_sweep"
	JobReservationExpiry = "reservation_expiry"
	JobRollover          = "rollover"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	CreditSvc   creditdomain.Service
	RolloverSvc rolloverdomain.Service
	Config      Config `optional:"true"`
}

// Scheduler drives the ledger's periodic maintenance: batch expiry,
// reservation expiry and monthly rollover.
type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	creditSvc   creditdomain.Service
	rolloverSvc rolloverdomain.Service
	jobs        []job

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// job is one maintenance task. every > 0 throttles it to one start per
// interval regardless of how often the loop ticks.
type job struct {
	name    string
	timeout time.Duration
	every   time.Duration
	run     func(ctx context.Context) error
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.CreditSvc == nil || p.RolloverSvc == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		creditSvc:   p.CreditSvc,
		rolloverSvc: p.RolloverSvc,
		lastRun:     make(map[string]time.Time),
	}
	// expiry runs before rollover so rolled credit never lands in a period
	// whose batches are still unswept
	s.jobs = []job{
		{name: JobCreditExpirySweep, timeout: s.cfg.JobTimeout, run: s.CreditExpirySweepJob},
		{name: JobReservationExpiry, timeout: s.cfg.JobTimeout, run: s.ReservationExpiryJob},
		{name: JobRollover, timeout: s.cfg.RolloverTimeout, every: s.cfg.RolloverInterval, run: s.RolloverJob},
	}
	return s, nil
}

// runJob executes fn under timeout. Running out of time is not a failure:
// whatever the job did not reach is picked up by the next tick.
func (s *Scheduler) runJob(ctx context.Context, j job) error {
	m := obsmetrics.Scheduler()
	m.IncJobRun(j.name)

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	ctx, run, outermost := s.startJobRun(ctx, j.name, s.cfg.BatchSize)

	err := j.run(ctx)
	m.ObserveJobDuration(j.name, time.Since(run.startedAt))
	if outermost {
		if err != nil && run.failed == 0 {
			run.record(0, 1, 0)
		}
		s.finishJobRun(ctx, run)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		m.IncJobTimeout(j.name)
		m.IncJobError(j.name, err)
		s.logger(ctx).Warn("scheduler.job.timeout",
			zap.String("job", j.name),
			zap.Duration("timeout", j.timeout),
			zap.Error(err),
		)
		return nil
	default:
		m.IncJobError(j.name, err)
		s.logJobError(ctx, j.name, err)
		return fmt.Errorf("%s: %w", j.name, err)
	}
}

// RunOnce gives every enabled, due job one run. A failed job does not stop
// the ones after it; the failures are joined.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, j := range s.jobs {
		if !s.isJobEnabled(j.name) || (j.every > 0 && !s.isDue(j.name, j.every)) {
			continue
		}
		if err := s.runJob(ctx, j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunForever calls RunOnce immediately and then every RunInterval until ctx
// is cancelled. Ticks that start late are recorded as run loop lag.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	planned := time.Now()
	for {
		obsmetrics.Scheduler().ObserveRunLoopLag(time.Since(planned))
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler.run.failed", zap.Error(err))
		}
		planned = planned.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			s.log.Info("scheduler.stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs in this process.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// isDue reports whether the job may start now and, if so, records the
// start so the next tick inside the interval is skipped.
func (s *Scheduler) isDue(name string, every time.Duration) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := guard.EnsureJobDue(s.lastRun[name], every, now); err != nil {
		return false
	}
	s.lastRun[name] = now
	return true
}

func (s *Scheduler) CreditExpirySweepJob(ctx context.Context) error {
	res, err := s.creditSvc.Sweep(ctx)
	if run := jobRunFromContext(ctx); run != nil && res != nil {
		run.record(res.OwnersProcessed, res.OwnersFailed, res.CreditsForfeited)
	}
	return err
}

func (s *Scheduler) ReservationExpiryJob(ctx context.Context) error {
	res, err := s.creditSvc.ExpireReservations(ctx)
	if run := jobRunFromContext(ctx); run != nil && res != nil {
		run.record(res.Expired, res.OwnersFailed, res.CreditsReleased)
	}
	return err
}

func (s *Scheduler) RolloverJob(ctx context.Context) error {
	res, err := s.rolloverSvc.RunRollover(ctx, s.clock.Now())
	if run := jobRunFromContext(ctx); run != nil && res != nil {
		run.record(res.OwnersProcessed, res.OwnersFailed, res.CreditsRolled)
	}
	return err
}
