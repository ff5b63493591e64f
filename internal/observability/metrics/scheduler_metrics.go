package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

// Error types for scheduler logs.
const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

// Reasons for creditledger_scheduler_job_errors_total.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonDeadlock             = "deadlock"
	SchedulerJobReasonDBBusy               = "db_busy"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonUnknown              = "unknown"
)

// Lock resources for creditledger_lock_wait_seconds.
const (
	LockResourceCreditBalance = "credit_balance"
	LockResourceOwner         = "owner"
)

// SchedulerMetrics is the Prometheus side of the maintenance jobs: how often
// they run, how long they take, what they touched and how much credit they
// moved. Lock waits of the ledger engine are recorded here as well.
type SchedulerMetrics struct {
	jobRuns      *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobTimeouts  *prometheus.CounterVec
	jobErrors    *prometheus.CounterVec
	processed    *prometheus.CounterVec
	ownerFailed  *prometheus.CounterVec
	creditsMoved *prometheus.CounterVec
	runLoopLag   prometheus.Histogram
	lockWait     *prometheus.HistogramVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide instance, registering it on first use.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig is Scheduler with service and env labels taken from
// cfg. Only the first call's labels take effect.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest forgets the instance so a test can register a
// fresh one against its own registry.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

var (
	jobDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600}
	lagBuckets         = []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300}
	lockWaitBuckets    = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{
		"service": valueOr(cfg.ServiceName, "creditledger"),
		"env":     valueOr(cfg.Environment, "unknown"),
	}
	counter := func(name, help string, keys ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditledger_" + name, Help: help, ConstLabels: labels,
		}, keys)
	}
	histogram := func(name, help string, buckets []float64, keys ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "creditledger_" + name, Help: help, Buckets: buckets, ConstLabels: labels,
		}, keys)
	}

	m := &SchedulerMetrics{
		jobRuns:      counter("scheduler_job_runs_total", "Scheduler job runs.", "job"),
		jobDuration:  histogram("scheduler_job_duration_seconds", "Scheduler job latency.", jobDurationBuckets, "job"),
		jobTimeouts:  counter("scheduler_job_timeouts_total", "Scheduler job runs that hit their deadline.", "job"),
		jobErrors:    counter("scheduler_job_errors_total", "Scheduler job errors by reason.", "job", "reason"),
		processed:    counter("scheduler_items_processed_total", "Rows handled by scheduler jobs.", "job", "resource"),
		ownerFailed:  counter("scheduler_owner_failures_total", "Owners a job skipped after an error; retried next run.", "job"),
		creditsMoved: counter("scheduler_credits_total", "Credits forfeited, released or rolled over by scheduler jobs.", "job"),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "creditledger_scheduler_runloop_lag_seconds",
			Help:        "Delay of a scheduler tick past its planned start.",
			Buckets:     lagBuckets,
			ConstLabels: labels,
		}),
		lockWait: histogram("lock_wait_seconds", "Time spent waiting for owner and balance locks.", lockWaitBuckets, "resource"),
	}
	registerer.MustRegister(
		m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobErrors,
		m.processed, m.ownerFailed, m.creditsMoved, m.runLoopLag, m.lockWait,
	)
	return m
}

func valueOr(value, def string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return def
}

// All recorders are no-ops on a nil receiver so services can run without
// metrics in tests.

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

// AddProcessed counts rows of resource that a job finished with.
func (m *SchedulerMetrics) AddProcessed(job, resource string, n int) {
	if m != nil && n > 0 {
		m.processed.WithLabelValues(job, resource).Add(float64(n))
	}
}

func (m *SchedulerMetrics) IncOwnerFailed(job string) {
	if m != nil {
		m.ownerFailed.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) AddCredits(job string, credits int64) {
	if m != nil && credits > 0 {
		m.creditsMoved.WithLabelValues(job).Add(float64(credits))
	}
}

func (m *SchedulerMetrics) ObserveRunLoopLag(d time.Duration) {
	if m != nil {
		m.runLoopLag.Observe(max(d, 0).Seconds())
	}
}

func (m *SchedulerMetrics) ObserveLockWait(resource string, d time.Duration) {
	if m != nil {
		m.lockWait.WithLabelValues(resource).Observe(d.Seconds())
	}
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// ClassifySchedulerJobReason maps a job error onto a bounded label value.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case isDeadline(err):
		return SchedulerJobReasonDeadlineExceeded
	case db.IsLockTimeout(err):
		return SchedulerJobReasonDBLockTimeout
	case db.IsSerializationFailure(err):
		return SchedulerJobReasonSerializationFailure
	case db.IsDeadlock(err):
		return SchedulerJobReasonDeadlock
	case db.IsBusy(err):
		return SchedulerJobReasonDBBusy
	case db.IsDuplicateKeyErr(err):
		return SchedulerJobReasonUniqueViolation
	}
	return SchedulerJobReasonUnknown
}

func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case isDeadline(err):
		return SchedulerErrorTypeDeadlineExceeded
	case isDBError(err):
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports errors the next tick can be expected to
// get past: deadlines and database failures. Business rule errors repeat.
func IsSchedulerErrorRetryable(err error) bool {
	return err != nil && (isDeadline(err) || isDBError(err))
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if db.IsRetryable(err) || db.IsDuplicateKeyErr(err) {
		return true
	}
	for _, target := range []error{gorm.ErrInvalidDB, gorm.ErrInvalidTransaction, gorm.ErrInvalidField, gorm.ErrInvalidData, gorm.ErrMissingWhereClause, gorm.ErrInvalidValue} {
		if errors.Is(err, target) {
			return true
		}
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
