package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	rolloverdomain "github.com/smallbiznis/creditledger/internal/rollover/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var scripts embed.FS

// Models are the ledger tables, parents before children.
func Models() []any {
	return []any{
		&ownerdomain.Account{},
		&creditdomain.CreditBatch{},
		&creditdomain.ConsumptionLogEntry{},
		&creditdomain.CreditBalance{},
		&creditdomain.CreditTransaction{},
		&creditdomain.Reservation{},
		&usagedomain.UsagePeriod{},
		&rolloverdomain.RolloverRecord{},
	}
}

// Method says how a schema was brought up to date.
type Method string

const (
	MethodScripts     Method = "scripts"
	MethodAutoMigrate Method = "automigrate"
)

// Report describes the schema after Apply.
type Report struct {
	Method  Method
	Version uint
	Changed bool
}

// Apply migrates conn. Postgres runs the versioned scripts under sql/; every
// other dialect is created from Models.
func Apply(conn *gorm.DB, dialect string) (Report, error) {
	if !strings.EqualFold(strings.TrimSpace(dialect), db.TypePostgres) {
		if err := AutoMigrate(conn); err != nil {
			return Report{}, err
		}
		return Report{Method: MethodAutoMigrate}, nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return Report{}, err
	}
	return applyScripts(sqlDB)
}

func applyScripts(sqlDB *sql.DB) (Report, error) {
	m, err := scriptMigrator(sqlDB)
	if err != nil {
		return Report{}, err
	}
	// m.Close is not called: it would close sqlDB, which the pool still owns.
	report := Report{Method: MethodScripts, Changed: true}
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		report.Changed = false
	} else if err != nil {
		return Report{}, fmt.Errorf("migration: up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Report{}, fmt.Errorf("migration: version: %w", err)
	}
	if dirty {
		return Report{}, fmt.Errorf("migration: schema left dirty at version %d", version)
	}
	report.Version = version
	return report, nil
}

func scriptMigrator(sqlDB *sql.DB) (*migrate.Migrate, error) {
	if sqlDB == nil {
		return nil, errors.New("migration: nil database handle")
	}
	dir, err := fs.Sub(scripts, "sql")
	if err != nil {
		return nil, err
	}
	source, err := iofs.New(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("migration: source: %w", err)
	}
	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration: driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}

// AutoMigrate creates or extends the ledger tables from Models.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migration: automigrate: %w", err)
	}
	return nil
}
