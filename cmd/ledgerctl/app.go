package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/credit"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/lock"
	"github.com/smallbiznis/creditledger/internal/migration"
	"github.com/smallbiznis/creditledger/internal/observability"
	"github.com/smallbiznis/creditledger/internal/owner"
	"github.com/smallbiznis/creditledger/internal/rollover"
	rolloverdomain "github.com/smallbiznis/creditledger/internal/rollover/domain"
	"github.com/smallbiznis/creditledger/internal/usage"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
)

// services is what a single ledgerctl invocation needs from the container.
type services struct {
	fx.In

	Clock    clock.Clock
	Credit   creditdomain.Service
	Rollover rolloverdomain.Service
}

// withServices boots the same modules as the server minus HTTP and the
// scheduler loop, runs fn, and shuts the container down.
func withServices(ctx context.Context, fn func(ctx context.Context, svc services) error) error {
	var svc services
	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(func(cfg config.Config) (*snowflake.Node, error) {
			return snowflake.NewNode(cfg.NodeID)
		}),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		owner.Module,
		credit.Module,
		usage.Module,
		rollover.Module,
		fx.Populate(&svc),
	)
	if err := app.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx, svc)
	stopErr := app.Stop(context.Background())
	if runErr != nil {
		return runErr
	}
	return stopErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
