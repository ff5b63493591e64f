package option

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a query before it runs.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

// Condition is a single column comparison.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// ApplyOperator adds a where clause for the condition. Unknown operators are ignored.
func ApplyOperator(cond Condition) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		switch cond.Operator {
		case EQ, GT, GTE, LT, LTE:
		default:
			return db
		}
		field := strings.TrimSpace(cond.Field)
		if field == "" {
			return db
		}
		return db.Where(fmt.Sprintf("%s %s ?", field, cond.Operator), cond.Value)
	})
}

// QuerySortBy orders by Field when it is in the allow list, otherwise by created_at.
type QuerySortBy struct {
	Field string
	Desc  bool
	Allow map[string]bool
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		field := strings.TrimSpace(sort.Field)
		if field == "" || !sort.Allow[field] {
			field = "created_at"
		}
		dir := "asc"
		if sort.Desc {
			dir = "desc"
		}
		if field == "id" {
			return db.Order("id " + dir)
		}
		return db.Order(fmt.Sprintf("%s %s, id %s", field, dir, dir))
	})
}

// KeysetPage orders newest first on (created_at, id) and starts after the
// cursor when there is one. One extra row is fetched so pagination.Trim can
// tell whether another page exists.
func KeysetPage(after *pagination.Cursor, limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if after != nil {
			db = db.Where("(created_at < ? OR (created_at = ? AND id < ?))", after.CreatedAt, after.CreatedAt, after.ID)
		}
		return db.Order("created_at desc, id desc").Limit(limit + 1)
	})
}

// WithLimit caps the number of rows returned. Non-positive values are ignored.
func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}
