package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidOwner = errors.New("invalid_owner")
	ErrUnknownOwner = errors.New("unknown_owner")
	ErrInvalidPlan  = errors.New("invalid_plan")
)

type RegisterRequest struct {
	Owner        Ref
	PlanCode     string
	PeriodAnchor *time.Time
}

type ListRequest struct {
	PlanCode string
	// AfterID resumes iteration after the account with this directory id.
	AfterID snowflake.ID
	Limit   int
}

type Service interface {
	// Register is idempotent; registering a known owner returns the stored account unchanged.
	Register(ctx context.Context, req RegisterRequest) (*Account, error)
	Get(ctx context.Context, owner Ref) (*Account, error)
	ChangePlan(ctx context.Context, owner Ref, planCode string) (*Account, error)
	List(ctx context.Context, req ListRequest) ([]*Account, error)
	// Resolve checks the owner exists using db, which may be an open transaction.
	Resolve(ctx context.Context, db *gorm.DB, owner Ref) (*Account, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	FindByOwner(ctx context.Context, db *gorm.DB, owner Ref) (*Account, error)
	UpdatePlan(ctx context.Context, db *gorm.DB, id snowflake.ID, planCode string, at time.Time) error
	List(ctx context.Context, db *gorm.DB, req ListRequest) ([]*Account, error)
}
