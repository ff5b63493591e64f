package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

var ErrInvalidToken = errors.New("invalid_page_token")

// Pagination is the page request bound from the query string.
type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Limit is PageSize clamped to [1, MaxPageSize]; unset means DefaultPageSize.
func (p Pagination) Limit() int {
	switch {
	case p.PageSize <= 0:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	}
	return p.PageSize
}

// Cursor is the (created_at, id) key of the last row a page returned.
type Cursor struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Token encodes c for the next_page_token field.
func (c Cursor) Token() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// ParseToken reverses Token. An empty token is the first page and yields nil.
func ParseToken(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil || c.ID <= 0 || c.CreatedAt.IsZero() {
		return nil, ErrInvalidToken
	}
	return &c, nil
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

// Trim drops the look-ahead row a keyset query fetched past limit and
// builds the token for the page after it.
func Trim[T any](rows []*T, limit int, cursorOf func(*T) Cursor) ([]*T, *PageInfo) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if len(rows) <= limit {
		return rows, &PageInfo{}
	}
	rows = rows[:limit]
	return rows, &PageInfo{HasMore: true, NextPageToken: cursorOf(rows[limit-1]).Token()}
}
