package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/credit/repository"
	"github.com/smallbiznis/creditledger/internal/lock"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	ownerrepo "github.com/smallbiznis/creditledger/internal/owner/repository"
	ownerservice "github.com/smallbiznis/creditledger/internal/owner/service"
	"github.com/smallbiznis/creditledger/internal/testutil/dbtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testStart = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	svc    domain.Service
	owners ownerdomain.Service
	nextID int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	conn := dbtest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testStart)
	catalog, err := config.NewStaticCatalogHolder(config.DefaultCatalog())
	require.NoError(t, err)
	log := zap.NewNop()

	owners := ownerservice.NewService(ownerservice.Params{
		DB:      conn,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Repo:    ownerrepo.Provide(),
		Catalog: catalog,
	})
	svc := NewService(Params{
		DB:       conn,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		OwnerSvc: owners,
		Locker:   lock.NewMemoryLocker(0),
	})

	return &harness{db: conn, clock: clk, svc: svc, owners: owners, nextID: 1000}
}

func (h *harness) owner(t *testing.T) ownerdomain.Ref {
	t.Helper()
	h.nextID++
	ref := ownerdomain.Ref{Type: ownerdomain.TypeUser, ID: snowflake.ID(h.nextID)}
	_, err := h.owners.Register(context.Background(), ownerdomain.RegisterRequest{Owner: ref, PlanCode: "pro"})
	require.NoError(t, err)
	return ref
}

func (h *harness) grant(t *testing.T, owner ownerdomain.Ref, amount int64, expiresIn time.Duration, featureKey *string) *domain.GrantResult {
	t.Helper()
	res, err := h.svc.Grant(context.Background(), domain.GrantRequest{
		Owner:      owner,
		Amount:     amount,
		SourceType: domain.SourceTypePurchase,
		FeatureKey: featureKey,
		ExpiresAt:  h.clock.Now().Add(expiresIn),
	})
	require.NoError(t, err)
	return res
}

func (h *harness) balance(t *testing.T, owner ownerdomain.Ref) *domain.CreditBalance {
	t.Helper()
	b, err := h.svc.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	return b
}

func (h *harness) batch(t *testing.T, id snowflake.ID) domain.CreditBatch {
	t.Helper()
	var b domain.CreditBatch
	require.NoError(t, h.db.Where("id = ?", id).Take(&b).Error)
	return b
}

func (h *harness) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(model).Count(&n).Error)
	return n
}

// requireConserved checks the cached balance against the ledger rows.
func (h *harness) requireConserved(t *testing.T, owner ownerdomain.Ref) {
	t.Helper()
	b := h.balance(t, owner)
	require.Equal(t, b.TotalReceived-b.TotalConsumed-b.TotalExpired-b.ReservedCredits, b.AvailableCredits)

	rec, err := h.svc.Reconcile(context.Background(), owner, false)
	require.NoError(t, err)
	require.False(t, rec.Drift, "cached %+v computed %+v", rec.Cached, rec.Computed)
}

func strPtr(s string) *string { return &s }
