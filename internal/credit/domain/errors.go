package domain

import (
	"errors"

	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
)

var (
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrReservationInvalid  = errors.New("reservation_invalid")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")

	ErrInvalidSourceType   = errors.New("invalid_source_type")
	ErrInvalidExpiry       = errors.New("invalid_expiry")
	ErrInvalidTTL          = errors.New("invalid_ttl")
	ErrInvalidActionType   = errors.New("invalid_action_type")
	ErrInvalidFeatureKey   = errors.New("invalid_feature_key")
	ErrReservationNotFound = errors.New("reservation_not_found")
	ErrInvalidPageToken    = pagination.ErrInvalidToken

	// Owner errors are shared with the owner directory so callers can match either.
	ErrInvalidOwner = ownerdomain.ErrInvalidOwner
	ErrUnknownOwner = ownerdomain.ErrUnknownOwner
)
