package rollover

import (
	"github.com/smallbiznis/creditledger/internal/rollover/repository"
	"github.com/smallbiznis/creditledger/internal/rollover/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rollover.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
