package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/credit/domain"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/pkg/db/option"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

type ownerRow struct {
	OwnerType ownerdomain.Type
	OwnerID   snowflake.ID
}

func toRefs(rows []ownerRow) []ownerdomain.Ref {
	refs := make([]ownerdomain.Ref, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, ownerdomain.Ref{Type: row.OwnerType, ID: row.OwnerID})
	}
	return refs
}

func (r *repo) EnsureBalance(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, at time.Time) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.CreditBalance{
			OwnerType: owner.Type,
			OwnerID:   owner.ID,
			UpdatedAt: at,
		}).Error
}

func (r *repo) LockBalance(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) (*domain.CreditBalance, error) {
	return r.selectBalance(ctx, db, owner, true)
}

func (r *repo) GetBalance(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) (*domain.CreditBalance, error) {
	return r.selectBalance(ctx, db, owner, false)
}

func (r *repo) selectBalance(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, forUpdate bool) (*domain.CreditBalance, error) {
	query := `SELECT owner_type, owner_id, available_credits, reserved_credits, total_consumed,
			total_received, total_expired, updated_at
		FROM credit_balances
		WHERE owner_type = ? AND owner_id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var balance domain.CreditBalance
	if err := db.WithContext(ctx).Raw(query, owner.Type, owner.ID).Scan(&balance).Error; err != nil {
		return nil, err
	}
	if balance.OwnerID == 0 {
		return nil, nil
	}
	return &balance, nil
}

func (r *repo) SaveBalance(ctx context.Context, db *gorm.DB, balance *domain.CreditBalance) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		SET available_credits = ?, reserved_credits = ?, total_consumed = ?,
			total_received = ?, total_expired = ?, updated_at = ?
		WHERE owner_type = ? AND owner_id = ?`,
		balance.AvailableCredits,
		balance.ReservedCredits,
		balance.TotalConsumed,
		balance.TotalReceived,
		balance.TotalExpired,
		balance.UpdatedAt,
		balance.OwnerType,
		balance.OwnerID,
	).Error
}

// InsertBatch reports false when a batch with the same source reference exists.
func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, batch *domain.CreditBatch) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(batch)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindBatchBySource(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, sourceType domain.SourceType, sourceRef string) (*domain.CreditBatch, error) {
	var batch domain.CreditBatch
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_batches
		WHERE owner_type = ? AND owner_id = ? AND source_type = ? AND source_reference_id = ?`,
		owner.Type,
		owner.ID,
		sourceType,
		sourceRef,
	).Scan(&batch).Error
	if err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

// LockEligibleBatches locks rows in id order; callers re-sort into FIFO order.
func (r *repo) LockEligibleBatches(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey *string, at time.Time) ([]*domain.CreditBatch, error) {
	query := `SELECT * FROM credit_batches
		WHERE owner_type = ? AND owner_id = ? AND is_expired = ? AND expires_at > ? AND remaining_amount > 0`
	args := []any{owner.Type, owner.ID, false, at}
	if featureKey != nil {
		query += ` AND (feature_key IS NULL OR feature_key = ?)`
		args = append(args, *featureKey)
	} else {
		query += ` AND feature_key IS NULL`
	}
	query += ` ORDER BY id ASC FOR UPDATE`

	var batches []*domain.CreditBatch
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *repo) ListActiveBatches(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, at time.Time) ([]*domain.CreditBatch, error) {
	var batches []*domain.CreditBatch
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_batches
		WHERE owner_type = ? AND owner_id = ? AND is_expired = ? AND expires_at > ? AND remaining_amount > 0
		ORDER BY expires_at ASC, created_at ASC, id ASC`,
		owner.Type,
		owner.ID,
		false,
		at,
	).Scan(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// DecrementBatch reports ErrConcurrencyConflict if the row no longer holds enough credit.
func (r *repo) DecrementBatch(ctx context.Context, db *gorm.DB, batchID snowflake.ID, amount int64) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_batches
		SET remaining_amount = remaining_amount - ?
		WHERE id = ? AND is_expired = ? AND remaining_amount >= ?`,
		amount,
		batchID,
		false,
		amount,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return domain.ErrConcurrencyConflict
	}
	return nil
}

func (r *repo) ListOwnersWithExpirable(ctx context.Context, db *gorm.DB, at time.Time) ([]ownerdomain.Ref, error) {
	var rows []ownerRow
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT owner_type, owner_id FROM credit_batches
		WHERE is_expired = ? AND expires_at <= ?
		ORDER BY owner_type, owner_id`,
		false,
		at,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRefs(rows), nil
}

func (r *repo) LockExpirableBatches(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, at time.Time) ([]*domain.CreditBatch, error) {
	var batches []*domain.CreditBatch
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_batches
		WHERE owner_type = ? AND owner_id = ? AND is_expired = ? AND expires_at <= ?
		ORDER BY id ASC
		FOR UPDATE`,
		owner.Type,
		owner.ID,
		false,
		at,
	).Scan(&batches).Error
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// MarkBatchExpired flips the flag once; a second call reports false.
func (r *repo) MarkBatchExpired(ctx context.Context, db *gorm.DB, batchID snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_batches SET is_expired = ?, expired_at = ? WHERE id = ? AND is_expired = ?`,
		true,
		at,
		batchID,
		false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SumBatches(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) (domain.Totals, error) {
	var totals domain.Totals
	err := db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(original_amount), 0) AS total_received,
			COALESCE(SUM(original_amount - remaining_amount), 0) AS total_consumed,
			COALESCE(SUM(CASE WHEN is_expired THEN remaining_amount ELSE 0 END), 0) AS total_expired
		FROM credit_batches
		WHERE owner_type = ? AND owner_id = ?`,
		owner.Type,
		owner.ID,
	).Scan(&totals).Error
	return totals, err
}

func (r *repo) SumActiveRollover(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, featureKey string, at time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(remaining_amount), 0) FROM credit_batches
		WHERE owner_type = ? AND owner_id = ? AND source_type = ? AND feature_key = ?
			AND is_expired = ? AND expires_at > ?`,
		owner.Type,
		owner.ID,
		domain.SourceTypeRollover,
		featureKey,
		false,
		at,
	).Scan(&total).Error
	return total, err
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.CreditTransaction) error {
	return db.WithContext(ctx).Create(txn).Error
}

func (r *repo) FindTransactionByIdempotencyKey(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, key string) (*domain.CreditTransaction, error) {
	var txn domain.CreditTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_transactions WHERE owner_type = ? AND owner_id = ? AND idempotency_key = ?`,
		owner.Type,
		owner.ID,
		key,
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *repo) SumTransactions(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE owner_type = ? AND owner_id = ?`,
		owner.Type,
		owner.ID,
	).Scan(&total).Error
	return total, err
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, after *pagination.Cursor, limit int) ([]*domain.CreditTransaction, error) {
	var txns []*domain.CreditTransaction
	stmt := db.WithContext(ctx).
		Model(&domain.CreditTransaction{}).
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID)
	if err := option.KeysetPage(after, limit).Apply(stmt).Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) InsertConsumption(ctx context.Context, db *gorm.DB, entries []*domain.ConsumptionLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(entries).Error
}

func (r *repo) ListConsumptionByTransaction(ctx context.Context, db *gorm.DB, transactionID snowflake.ID) ([]*domain.ConsumptionLogEntry, error) {
	var entries []*domain.ConsumptionLogEntry
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_consumption_log WHERE transaction_id = ? ORDER BY id ASC`,
		transactionID,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) InsertReservation(ctx context.Context, db *gorm.DB, reservation *domain.Reservation) error {
	return db.WithContext(ctx).Create(reservation).Error
}

func (r *repo) GetReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Reservation, error) {
	return r.selectReservation(ctx, db, id, false)
}

// FindReservationByAction returns the newest reservation made for the action.
func (r *repo) FindReservationByAction(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, actionType, actionRef string) (*domain.Reservation, error) {
	var reservation domain.Reservation
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_reservations
		WHERE owner_type = ? AND owner_id = ? AND action_type = ? AND action_reference_id = ?
		ORDER BY id DESC
		LIMIT 1`,
		owner.Type,
		owner.ID,
		actionType,
		actionRef,
	).Scan(&reservation).Error
	if err != nil {
		return nil, err
	}
	if reservation.ID == 0 {
		return nil, nil
	}
	return &reservation, nil
}

func (r *repo) LockReservation(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Reservation, error) {
	return r.selectReservation(ctx, db, id, true)
}

func (r *repo) selectReservation(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Reservation, error) {
	query := `SELECT * FROM credit_reservations WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var reservation domain.Reservation
	if err := db.WithContext(ctx).Raw(query, id).Scan(&reservation).Error; err != nil {
		return nil, err
	}
	if reservation.ID == 0 {
		return nil, nil
	}
	return &reservation, nil
}

// UpdateReservationStatus moves a reservation from one status to another and
// reports false if it was no longer in the expected status.
func (r *repo) UpdateReservationStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.ReservationStatus, transactionID *snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_reservations SET status = ?, transaction_id = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to,
		transactionID,
		at,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListOwnersWithExpiredHolds(ctx context.Context, db *gorm.DB, at time.Time) ([]ownerdomain.Ref, error) {
	var rows []ownerRow
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT owner_type, owner_id FROM credit_reservations
		WHERE status = ? AND expires_at <= ?
		ORDER BY owner_type, owner_id`,
		domain.ReservationStatusHeld,
		at,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRefs(rows), nil
}

func (r *repo) LockExpiredHolds(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, at time.Time) ([]*domain.Reservation, error) {
	var reservations []*domain.Reservation
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_reservations
		WHERE owner_type = ? AND owner_id = ? AND status = ? AND expires_at <= ?
		ORDER BY id ASC
		FOR UPDATE`,
		owner.Type,
		owner.ID,
		domain.ReservationStatusHeld,
		at,
	).Scan(&reservations).Error
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

// LockHeldReservations returns the owner's open holds, newest first.
func (r *repo) LockHeldReservations(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) ([]*domain.Reservation, error) {
	return r.heldReservations(ctx, db, owner, true)
}

func (r *repo) ListHeldReservations(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) ([]*domain.Reservation, error) {
	return r.heldReservations(ctx, db, owner, false)
}

func (r *repo) heldReservations(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref, forUpdate bool) ([]*domain.Reservation, error) {
	query := `SELECT * FROM credit_reservations
		WHERE owner_type = ? AND owner_id = ? AND status = ?
		ORDER BY id DESC`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var reservations []*domain.Reservation
	if err := db.WithContext(ctx).Raw(query, owner.Type, owner.ID, domain.ReservationStatusHeld).Scan(&reservations).Error; err != nil {
		return nil, err
	}
	return reservations, nil
}

func (r *repo) SumHeld(ctx context.Context, db *gorm.DB, owner ownerdomain.Ref) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM credit_reservations
		WHERE owner_type = ? AND owner_id = ? AND status = ?`,
		owner.Type,
		owner.ID,
		domain.ReservationStatusHeld,
	).Scan(&total).Error
	return total, err
}
