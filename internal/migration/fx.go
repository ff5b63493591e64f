package migration

import (
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(Run),
)

// Run migrates the configured database before anything else touches it.
func Run(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
	report, err := Apply(conn, cfg.Type)
	if err != nil {
		return err
	}
	log.Named("migration").Info("schema ready",
		zap.String("dialect", cfg.Type),
		zap.String("method", string(report.Method)),
		zap.Uint("version", report.Version),
		zap.Bool("changed", report.Changed),
	)
	return nil
}
