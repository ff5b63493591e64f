package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"gorm.io/datatypes"
)

// SourceType identifies where a batch of credit came from.
type SourceType string

const (
	SourceTypePlanGrant SourceType = "plan_grant"
	SourceTypePurchase  SourceType = "purchase"
	SourceTypeRollover  SourceType = "rollover"
	SourceTypePartner   SourceType = "partner"
	SourceTypeAddon     SourceType = "addon"
	SourceTypeManual    SourceType = "manual"
)

func (t SourceType) Valid() bool {
	switch t {
	case SourceTypePlanGrant, SourceTypePurchase, SourceTypeRollover,
		SourceTypePartner, SourceTypeAddon, SourceTypeManual:
		return true
	default:
		return false
	}
}

type TransactionType string

const (
	TransactionTypeGrant    TransactionType = "grant"
	TransactionTypeConsume  TransactionType = "consume"
	TransactionTypeExpiry   TransactionType = "expiry"
	TransactionTypeRollover TransactionType = "rollover"
)

type ReservationStatus string

const (
	ReservationStatusHeld      ReservationStatus = "held"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// CreditBatch is one expiring lot of credit. Batches are never deleted;
// once expired, RemainingAmount keeps the value it had at expiry.
type CreditBatch struct {
	ID                snowflake.ID     `gorm:"primaryKey" json:"id"`
	OwnerType         ownerdomain.Type `gorm:"type:text;not null;index:ix_credit_batches_owner,priority:1;uniqueIndex:ux_credit_batches_source,priority:1" json:"owner_type"`
	OwnerID           snowflake.ID     `gorm:"not null;index:ix_credit_batches_owner,priority:2;uniqueIndex:ux_credit_batches_source,priority:2" json:"owner_id"`
	FeatureKey        *string          `gorm:"type:text" json:"feature_key,omitempty"`
	SourceType        SourceType       `gorm:"type:text;not null;uniqueIndex:ux_credit_batches_source,priority:3" json:"source_type"`
	SourceReferenceID *string          `gorm:"type:text;uniqueIndex:ux_credit_batches_source,priority:4" json:"source_reference_id,omitempty"`
	Description       string           `gorm:"type:text;not null;default:''" json:"description,omitempty"`
	OriginalAmount    int64            `gorm:"not null" json:"original_amount"`
	RemainingAmount   int64            `gorm:"not null" json:"remaining_amount"`
	GrantedAt         time.Time        `gorm:"not null" json:"granted_at"`
	ExpiresAt         time.Time        `gorm:"not null;index" json:"expires_at"`
	IsExpired         bool             `gorm:"not null;default:false;index" json:"is_expired"`
	ExpiredAt         *time.Time       `json:"expired_at,omitempty"`
	CreatedAt         time.Time        `gorm:"not null" json:"created_at"`
}

func (CreditBatch) TableName() string { return "credit_batches" }

func (b CreditBatch) Owner() ownerdomain.Ref {
	return ownerdomain.Ref{Type: b.OwnerType, ID: b.OwnerID}
}

// ConsumptionLogEntry records one draw from one batch.
type ConsumptionLogEntry struct {
	ID                snowflake.ID     `gorm:"primaryKey" json:"id"`
	OwnerType         ownerdomain.Type `gorm:"type:text;not null;index:ix_credit_consumption_owner,priority:1" json:"owner_type"`
	OwnerID           snowflake.ID     `gorm:"not null;index:ix_credit_consumption_owner,priority:2" json:"owner_id"`
	TransactionID     snowflake.ID     `gorm:"not null;index" json:"transaction_id"`
	BatchID           snowflake.ID     `gorm:"not null;index" json:"batch_id"`
	FeatureKey        *string          `gorm:"type:text" json:"feature_key,omitempty"`
	ActionType        string           `gorm:"type:text;not null" json:"action_type"`
	ActionReferenceID *string          `gorm:"type:text" json:"action_reference_id,omitempty"`
	Quantity          int64            `gorm:"not null" json:"quantity"`
	ConsumedAt        time.Time        `gorm:"not null" json:"consumed_at"`
}

func (ConsumptionLogEntry) TableName() string { return "credit_consumption_log" }

// CreditBalance is the per-owner aggregate kept in step with every mutation.
// AvailableCredits == TotalReceived - TotalConsumed - TotalExpired - ReservedCredits.
type CreditBalance struct {
	OwnerType        ownerdomain.Type `gorm:"type:text;primaryKey" json:"owner_type"`
	OwnerID          snowflake.ID     `gorm:"primaryKey;autoIncrement:false" json:"owner_id"`
	AvailableCredits int64            `gorm:"not null;default:0" json:"available_credits"`
	ReservedCredits  int64            `gorm:"not null;default:0" json:"reserved_credits"`
	TotalConsumed    int64            `gorm:"not null;default:0" json:"total_consumed"`
	TotalReceived    int64            `gorm:"not null;default:0" json:"total_received"`
	TotalExpired     int64            `gorm:"not null;default:0" json:"total_expired"`
	UpdatedAt        time.Time        `gorm:"not null" json:"updated_at"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CreditTransaction is the append-only audit row written with every
// mutation. BalanceAfter is the owner's AvailableCredits once it commits.
type CreditTransaction struct {
	ID              snowflake.ID      `gorm:"primaryKey" json:"id"`
	OwnerType       ownerdomain.Type  `gorm:"type:text;not null;index:ix_credit_transactions_owner,priority:1;uniqueIndex:ux_credit_transactions_idem,priority:1" json:"owner_type"`
	OwnerID         snowflake.ID      `gorm:"not null;index:ix_credit_transactions_owner,priority:2;uniqueIndex:ux_credit_transactions_idem,priority:2" json:"owner_id"`
	Amount          int64             `gorm:"not null" json:"amount"`
	BalanceAfter    int64             `gorm:"not null" json:"balance_after"`
	TransactionType TransactionType   `gorm:"type:text;not null" json:"transaction_type"`
	BatchID         *snowflake.ID     `gorm:"index" json:"batch_id,omitempty"`
	IdempotencyKey  *string           `gorm:"type:text;uniqueIndex:ux_credit_transactions_idem,priority:3" json:"-"`
	Description     string            `gorm:"type:text;not null;default:''" json:"description,omitempty"`
	Metadata        datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt       time.Time         `gorm:"not null;index:ix_credit_transactions_owner,priority:3" json:"created_at"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// Reservation is a time-bounded hold on available credit. Holds touch only
// the balance aggregate; batches are drawn when the hold is committed.
type Reservation struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	OwnerType         ownerdomain.Type  `gorm:"type:text;not null;index:ix_credit_reservations_owner,priority:1" json:"owner_type"`
	OwnerID           snowflake.ID      `gorm:"not null;index:ix_credit_reservations_owner,priority:2" json:"owner_id"`
	Amount            int64             `gorm:"not null" json:"amount"`
	FeatureKey        *string           `gorm:"type:text" json:"feature_key,omitempty"`
	ActionType        string            `gorm:"type:text;not null;default:''" json:"action_type,omitempty"`
	ActionReferenceID *string           `gorm:"type:text" json:"action_reference_id,omitempty"`
	Status            ReservationStatus `gorm:"type:text;not null;index:ix_credit_reservations_status,priority:1" json:"status"`
	ExpiresAt         time.Time         `gorm:"not null;index:ix_credit_reservations_status,priority:2" json:"expires_at"`
	TransactionID     *snowflake.ID     `json:"transaction_id,omitempty"`
	CreatedAt         time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"not null" json:"updated_at"`
}

func (Reservation) TableName() string { return "credit_reservations" }

func (r Reservation) Owner() ownerdomain.Ref {
	return ownerdomain.Ref{Type: r.OwnerType, ID: r.OwnerID}
}
