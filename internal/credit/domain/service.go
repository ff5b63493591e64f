package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type GrantRequest struct {
	Owner      ownerdomain.Ref
	Amount     int64
	SourceType SourceType
	FeatureKey *string
	// ExpiresAt is required. Credit that should never expire gets a far-future date.
	ExpiresAt time.Time
	// SourceReferenceID makes the grant idempotent per owner and source type.
	SourceReferenceID *string
	Description       string
	Metadata          map[string]any
}

type GrantResult struct {
	BatchID       snowflake.ID `json:"batch_id"`
	TransactionID snowflake.ID `json:"transaction_id"`
	BalanceAfter  int64        `json:"balance_after"`
	Replayed      bool         `json:"replayed"`
}

type ConsumeRequest struct {
	Owner      ownerdomain.Ref
	Amount     int64
	FeatureKey *string
	ActionType string
	// ActionReferenceID makes the consumption idempotent per owner and action type.
	ActionReferenceID *string
	Description       string
}

type Draw struct {
	BatchID snowflake.ID `json:"batch_id"`
	Amount  int64        `json:"amount"`
}

type ConsumeResult struct {
	BatchesDrawn  []Draw       `json:"batches_drawn"`
	TransactionID snowflake.ID `json:"transaction_id"`
	BalanceAfter  int64        `json:"balance_after"`
	Replayed      bool         `json:"replayed"`
}

type ReserveRequest struct {
	Owner  ownerdomain.Ref
	Amount int64
	// TTL of zero uses the configured default.
	TTL               time.Duration
	FeatureKey        *string
	ActionType        string
	ActionReferenceID *string
}

type Available struct {
	GeneralAvailable int64         `json:"general_available"`
	FeatureAvailable int64         `json:"feature_available"`
	Reserved         int64         `json:"reserved"`
	TotalAvailable   int64         `json:"total_available"`
	EarliestExpiry   *time.Time    `json:"earliest_expiry,omitempty"`
	Batches          []CreditBatch `json:"batches"`
}

type SweepResult struct {
	ExpiredCount       int   `json:"expired_count"`
	CreditsForfeited   int64 `json:"credits_forfeited"`
	ReservationsVoided int   `json:"reservations_voided"`
	OwnersProcessed    int   `json:"owners_processed"`
	OwnersFailed       int   `json:"owners_failed"`
}

type ExpireReservationsResult struct {
	Expired         int   `json:"expired"`
	CreditsReleased int64 `json:"credits_released"`
	OwnersFailed    int   `json:"owners_failed"`
}

// Totals is a balance derived from the ledger rows rather than the cache.
type Totals struct {
	Available      int64 `json:"available"`
	Reserved       int64 `json:"reserved"`
	TotalReceived  int64 `json:"total_received"`
	TotalConsumed  int64 `json:"total_consumed"`
	TotalExpired   int64 `json:"total_expired"`
	TransactionSum int64 `json:"transaction_sum"`
}

type ReconcileResult struct {
	Owner    ownerdomain.Ref `json:"-"`
	Cached   Totals          `json:"cached"`
	Computed Totals          `json:"computed"`
	Drift    bool            `json:"drift"`
	Repaired bool            `json:"repaired"`
}

type ListTransactionsRequest struct {
	Owner ownerdomain.Ref
	pagination.Pagination
}

type ListTransactionsResult struct {
	Transactions []*CreditTransaction `json:"transactions"`
	PageInfo     *pagination.PageInfo `json:"page_info"`
}

// Service is the ledger engine. Every mutation runs as one atomic unit
// scoped to a single owner.
type Service interface {
	Grant(ctx context.Context, req GrantRequest) (*GrantResult, error)
	// GrantTx applies a grant inside a transaction the caller already holds
	// together with the owner lock.
	GrantTx(ctx context.Context, tx *gorm.DB, req GrantRequest) (*GrantResult, error)
	Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error)
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	Release(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)
	Commit(ctx context.Context, reservationID snowflake.ID) (*ConsumeResult, error)
	GetReservation(ctx context.Context, reservationID snowflake.ID) (*Reservation, error)
	GetAvailable(ctx context.Context, owner ownerdomain.Ref, featureKey *string) (*Available, error)
	GetBalance(ctx context.Context, owner ownerdomain.Ref) (*CreditBalance, error)
	Sweep(ctx context.Context) (*SweepResult, error)
	ExpireReservations(ctx context.Context) (*ExpireReservationsResult, error)
	Reconcile(ctx context.Context, owner ownerdomain.Ref, repair bool) (*ReconcileResult, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (*ListTransactionsResult, error)
	// WithOwner runs fn holding the owner lock inside one retried transaction.
	WithOwner(ctx context.Context, owner ownerdomain.Ref, operation string, fn func(tx *gorm.DB) error) error
}

// Repository persists batches, the consumption log, transactions,
// reservations and balances. Methods take the db handle so they compose
// inside a caller's transaction.
type Repository interface {
	EnsureBalance(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, at time.Time) error
	LockBalance(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) (*CreditBalance, error)
	GetBalance(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) (*CreditBalance, error)
	SaveBalance(ctx context.Context, db *gorm.DB, balance *CreditBalance) error

	InsertBatch(ctx context.Context, db *gorm.DB, batch *CreditBatch) (bool, error)
	FindBatchBySource(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, sourceType SourceType, sourceRef string) (*CreditBatch, error)
	// LockEligibleBatches returns unexpired batches usable for featureKey in FIFO order.
	LockEligibleBatches(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey *string, at time.Time) ([]*CreditBatch, error)
	ListActiveBatches(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, at time.Time) ([]*CreditBatch, error)
	DecrementBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID, amount int64) error
	ListOwnersWithExpirable(ctx context.Context, db *gorm.DB, at time.Time) ([]ownerdomain.Ref, error)
	LockExpirableBatches(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, at time.Time) ([]*CreditBatch, error)
	MarkBatchExpired(ctx context.Context, db *gorm.DB, batchID snowflake.ID, at time.Time) (bool, error)
	SumBatches(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) (Totals, error)
	SumActiveRollover(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey string, at time.Time) (int64, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *CreditTransaction) error
	FindTransactionByIdempotencyKey(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, key string) (*CreditTransaction, error)
	SumTransactions(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) (int64, error)
	ListTransactions(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, after *pagination.Cursor, limit int) ([]*CreditTransaction, error)

	InsertConsumption(ctx context.Context, db *gorm.DB, entries []*ConsumptionLogEntry) error
	ListConsumptionByTransaction(ctx context.Context, db *gorm.DB, transactionID snowflake.ID) ([]*ConsumptionLogEntry, error)

	InsertReservation(ctx context.Context, db *gorm.DB, reservation *Reservation) error
	GetReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Reservation, error)
	FindReservationByAction(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, actionType, actionRef string) (*Reservation, error)
	LockReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Reservation, error)
	UpdateReservationStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to ReservationStatus, transactionID *snowflake.ID, at time.Time) (bool, error)
	ListOwnersWithExpiredHolds(ctx context.Context, db *gorm.DB, at time.Time) ([]ownerdomain.Ref, error)
	LockExpiredHolds(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, at time.Time) ([]*Reservation, error)
	// LockHeldReservations and ListHeldReservations return open holds, newest first.
	LockHeldReservations(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) ([]*Reservation, error)
	ListHeldReservations(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) ([]*Reservation, error)
	SumHeld(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) (int64, error)
}
