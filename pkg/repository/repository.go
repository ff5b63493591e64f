// Package repository holds a small generic gorm store used by the ledger's
// keyed lookup tables (owner accounts, usage periods, rollover records).
// Tables with locking or aggregate queries write their SQL directly.
package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/creditledger/pkg/db/option"
	"gorm.io/gorm"
)

// Store runs struct-filtered queries on the table of T. Zero-valued filter
// fields are ignored, following gorm's struct conditions.
type Store[T any] struct {
	db *gorm.DB
}

// For binds a store to db, which is usually the caller's transaction.
func For[T any](db *gorm.DB) Store[T] {
	return Store[T]{db: db}
}

func (s Store[T]) Find(ctx context.Context, filter *T, opts ...option.QueryOption) ([]*T, error) {
	var rows []*T
	err := s.query(ctx, filter, opts...).Find(&rows).Error
	return rows, err
}

// FindOne returns nil, nil when nothing matches.
func (s Store[T]) FindOne(ctx context.Context, filter *T, opts ...option.QueryOption) (*T, error) {
	var row T
	if err := s.query(ctx, filter, opts...).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (s Store[T]) Exists(ctx context.Context, filter *T) (bool, error) {
	var found int
	err := s.query(ctx, filter).Select("1").Limit(1).Scan(&found).Error
	return found == 1, err
}

// UpdateColumns writes cols to the row with the given primary key and
// reports gorm.ErrRecordNotFound when no row matched.
func (s Store[T]) UpdateColumns(ctx context.Context, id any, cols map[string]any) error {
	result := s.db.WithContext(ctx).Model(new(T)).Where("id = ?", id).Updates(cols)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s Store[T]) query(ctx context.Context, filter *T, opts ...option.QueryOption) *gorm.DB {
	stmt := s.db.WithContext(ctx).Model(new(T))
	if filter != nil {
		stmt = stmt.Where(filter)
	}
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}
	return stmt
}
