package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, SchedulerJobReasonDeadlineExceeded},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, SchedulerJobReasonDBLockTimeout},
		{"serialization", fmt.Errorf("consume: %w", &pgconn.PgError{Code: "40001"}), SchedulerJobReasonSerializationFailure},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, SchedulerJobReasonDeadlock},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), SchedulerJobReasonDBBusy},
		{"unique", gorm.ErrDuplicatedKey, SchedulerJobReasonUniqueViolation},
		{"other", errors.New("boom"), SchedulerJobReasonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	assert.Equal(t, SchedulerErrorTypeDeadlineExceeded, ClassifySchedulerErrorType(context.Canceled))
	assert.Equal(t, SchedulerErrorTypeDB, ClassifySchedulerErrorType(&pgconn.PgError{Code: "40001"}))
	assert.Equal(t, SchedulerErrorTypeBusinessRule, ClassifySchedulerErrorType(errors.New("insufficient_credits")))
	assert.True(t, IsSchedulerErrorRetryable(context.DeadlineExceeded))
	assert.False(t, IsSchedulerErrorRetryable(gorm.ErrRecordNotFound))
}

func TestProcessedAndCredits(t *testing.T) {
	m := newSchedulerMetrics(prometheus.NewRegistry(), Config{ServiceName: "creditledger", Environment: "test"})

	m.AddProcessed("credit_expiry_sweep", "credit_batch", 3)
	m.AddProcessed("credit_expiry_sweep", "credit_batch", 0)
	m.AddCredits("credit_expiry_sweep", 40)
	m.AddCredits("credit_expiry_sweep", -5)
	m.IncOwnerFailed("rollover")

	assert.Equal(t, float64(3), testutil.ToFloat64(m.processed.WithLabelValues("credit_expiry_sweep", "credit_batch")))
	assert.Equal(t, float64(40), testutil.ToFloat64(m.creditsMoved.WithLabelValues("credit_expiry_sweep")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ownerFailed.WithLabelValues("rollover")))
}

func TestObserveLockWait(t *testing.T) {
	m := newSchedulerMetrics(prometheus.NewRegistry(), Config{Environment: "test"})

	m.ObserveLockWait(LockResourceOwner, 20*time.Millisecond)
	m.ObserveLockWait(LockResourceCreditBalance, time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(m.lockWait))
}

func TestNilSchedulerMetricsIsSafe(t *testing.T) {
	var m *SchedulerMetrics
	assert.NotPanics(t, func() {
		m.IncJobRun("x")
		m.AddCredits("x", 1)
		m.ObserveRunLoopLag(-time.Second)
	})
}
