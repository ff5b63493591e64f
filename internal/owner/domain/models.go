package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Type discriminates the two kinds of credit owner. Users and organizations
// share id space in upstream systems, so a bare id never identifies an owner.
type Type string

const (
	TypeUser         Type = "user"
	TypeOrganization Type = "organization"
)

// ParseType normalizes an owner type string.
func ParseType(value string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(value))) {
	case TypeUser:
		return TypeUser, nil
	case TypeOrganization, "org":
		return TypeOrganization, nil
	default:
		return "", ErrInvalidOwner
	}
}

// Ref is the owner key carried by every ledger row.
type Ref struct {
	Type Type
	ID   snowflake.ID
}

func (r Ref) Validate() error {
	if r.ID == 0 {
		return ErrInvalidOwner
	}
	if _, err := ParseType(string(r.Type)); err != nil {
		return err
	}
	return nil
}

// String renders the ref as "type:id", which is also the owner lock key.
func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Type, int64(r.ID))
}

// ParseRef accepts a type and a decimal id.
func ParseRef(ownerType, ownerID string) (Ref, error) {
	t, err := ParseType(ownerType)
	if err != nil {
		return Ref{}, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(ownerID), 10, 64)
	if err != nil || id <= 0 {
		return Ref{}, ErrInvalidOwner
	}
	return Ref{Type: t, ID: snowflake.ID(id)}, nil
}

// Account is the owner directory entry: plan assignment and the anchor the
// owner's monthly periods are measured from.
type Account struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	OwnerType    Type         `gorm:"type:text;not null;uniqueIndex:ux_credit_owners_owner,priority:1"`
	OwnerID      snowflake.ID `gorm:"not null;uniqueIndex:ux_credit_owners_owner,priority:2"`
	PlanCode     string       `gorm:"type:text;not null;index"`
	PeriodAnchor time.Time    `gorm:"not null"`
	CreatedAt    time.Time    `gorm:"not null"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

func (Account) TableName() string { return "credit_owners" }

func (a Account) Ref() Ref {
	return Ref{Type: a.OwnerType, ID: a.OwnerID}
}
