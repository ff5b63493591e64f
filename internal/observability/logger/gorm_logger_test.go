package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	gormlogger "gorm.io/gorm/logger"
)

func TestDescribeStatement(t *testing.T) {
	cases := []struct {
		sql   string
		op    string
		table string
	}{
		{`SELECT * FROM "credit_batches" WHERE owner_type = $1 FOR UPDATE`, "SELECT", "credit_batches"},
		{"INSERT INTO `credit_transactions` (`id`) VALUES (1)", "INSERT", "credit_transactions"},
		{`UPDATE credit_balances SET available_credits = 1`, "UPDATE", "credit_balances"},
		{`DELETE FROM reservations WHERE id = 1`, "DELETE", "reservations"},
		{`SELECT 1`, "SELECT", ""},
		{`PRAGMA foreign_keys = ON`, "PRAGMA", ""},
		{``, "UNKNOWN", ""},
	}
	for _, tc := range cases {
		op, table := describeStatement(tc.sql)
		assert.Equal(t, tc.op, op, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}

func TestGormLevelFor(t *testing.T) {
	assert.Equal(t, gormlogger.Info, GormLevelFor("debug"))
	assert.Equal(t, gormlogger.Warn, GormLevelFor("info"))
	assert.Equal(t, gormlogger.Warn, GormLevelFor(""))
	assert.Equal(t, gormlogger.Error, GormLevelFor("ERROR"))
}
