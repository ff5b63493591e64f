package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_CreditDefaults(t *testing.T) {
	t.Setenv("CREDIT_MAX_RETRIES", "")
	t.Setenv("RESERVATION_DEFAULT_TTL", "")
	t.Setenv("RESERVATION_MAX_TTL", "")

	cfg := Load()
	assert.Equal(t, 5, cfg.Credit.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.Credit.DefaultReservationTTL)
	assert.Equal(t, 24*time.Hour, cfg.Credit.MaxReservationTTL)
}

func TestLoad_CreditOverrides(t *testing.T) {
	t.Setenv("CREDIT_MAX_RETRIES", "2")
	t.Setenv("RESERVATION_MAX_TTL", "2h")

	cfg := Load()
	assert.Equal(t, 2, cfg.Credit.MaxRetries)
	assert.Equal(t, 2*time.Hour, cfg.Credit.MaxReservationTTL)
}
