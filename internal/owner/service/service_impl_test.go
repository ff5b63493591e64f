package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/internal/owner/repository"
	"github.com/smallbiznis/creditledger/internal/testutil/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (domain.Service, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	catalog, err := config.NewStaticCatalogHolder(config.DefaultCatalog())
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:      dbtest.Open(t),
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    repository.Provide(),
		Catalog: catalog,
	})
	return svc, clk
}

func TestRegister_Idempotent(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	ref := domain.Ref{Type: domain.TypeOrganization, ID: 77}

	first, err := svc.Register(ctx, domain.RegisterRequest{Owner: ref, PlanCode: "free"})
	require.NoError(t, err)
	assert.True(t, first.PeriodAnchor.Equal(clk.Now()))

	anchor := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	second, err := svc.Register(ctx, domain.RegisterRequest{Owner: ref, PlanCode: "pro", PeriodAnchor: &anchor})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "free", second.PlanCode)
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, domain.RegisterRequest{Owner: domain.Ref{Type: "team", ID: 1}, PlanCode: "free"})
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)
	_, err = svc.Register(ctx, domain.RegisterRequest{Owner: domain.Ref{Type: domain.TypeUser}, PlanCode: "free"})
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)
	_, err = svc.Register(ctx, domain.RegisterRequest{Owner: domain.Ref{Type: domain.TypeUser, ID: 1}, PlanCode: "platinum"})
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)

	_, err = svc.Get(ctx, domain.Ref{Type: domain.TypeUser, ID: 1})
	assert.ErrorIs(t, err, domain.ErrUnknownOwner)
}

func TestChangePlanAndList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := svc.Register(ctx, domain.RegisterRequest{
			Owner:    domain.Ref{Type: domain.TypeUser, ID: snowflake.ID(i)},
			PlanCode: "free",
		})
		require.NoError(t, err)
	}

	updated, err := svc.ChangePlan(ctx, domain.Ref{Type: domain.TypeUser, ID: 3}, "pro")
	require.NoError(t, err)
	assert.Equal(t, "pro", updated.PlanCode)

	got, err := svc.Get(ctx, domain.Ref{Type: domain.TypeUser, ID: 3})
	require.NoError(t, err)
	assert.Equal(t, "pro", got.PlanCode)

	pro, err := svc.List(ctx, domain.ListRequest{PlanCode: "pro"})
	require.NoError(t, err)
	require.Len(t, pro, 1)
	assert.Equal(t, snowflake.ID(3), pro[0].OwnerID)

	firstPage, err := svc.List(ctx, domain.ListRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, firstPage, 2)
	rest, err := svc.List(ctx, domain.ListRequest{AfterID: firstPage[1].ID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rest, 3)
	assert.Greater(t, int64(rest[0].ID), int64(firstPage[1].ID))
}

func TestParseRef(t *testing.T) {
	ref, err := domain.ParseRef("org", "42")
	require.NoError(t, err)
	assert.Equal(t, domain.TypeOrganization, ref.Type)
	assert.Equal(t, "organization:42", ref.String())

	_, err = domain.ParseRef("user", "abc")
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)
	_, err = domain.ParseRef("user", "-4")
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)
}
