package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall-clock time so sweeps and rollovers can be replayed.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// New returns the real UTC clock.
func New() Clock {
	return systemClock{}
}

var Module = fx.Module("clock",
	fx.Provide(New),
)
