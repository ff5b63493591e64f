package server

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
)

var (
	errBadID     = errors.New("malformed id")
	errBadPeriod = errors.New("malformed period end")
)

// resolvePeriodEnd reads the period_end an operator passed to a maintenance
// endpoint. Empty means now; a bare date is midnight UTC of that day.
func resolvePeriodEnd(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errBadPeriod
}

// featureFilter turns the feature_key query value into the optional filter
// the ledger expects. Blank selects every bucket.
func featureFilter(raw string) *string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return nil
	}
	return &key
}

// flagValue parses a boolean switch such as ?repair=true. Absent is false.
func flagValue(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// ledgerID parses a reservation or owner id as it appears in paths and
// cursors. Zero and negative ids are never issued.
func ledgerID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, errBadID
	}
	return id, nil
}

// holdTTL converts ttl_seconds to a duration. Values a Duration cannot hold
// are rejected here; the ledger enforces the configured ceiling.
func holdTTL(seconds int64) (time.Duration, error) {
	if seconds < 0 || seconds > int64(math.MaxInt64/time.Second) {
		return 0, creditdomain.ErrInvalidTTL
	}
	return time.Duration(seconds) * time.Second, nil
}
