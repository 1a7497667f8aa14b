// Package types provides the impersonation data model shared by the authority and its clients.
package types

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// User is an identity known to the authority: a super-admin or a tenant user.
type User struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	Email       string         `db:"email" json:"email"`
	DisplayName string         `db:"display_name" json:"display_name"`
	TenantID    sql.NullString `db:"tenant_id" json:"-"`
	IsAdmin     bool           `db:"is_admin" json:"is_admin"`

	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	ModifiedAt time.Time    `db:"modified_at" json:"modified_at"`
	DeletedAt  sql.NullTime `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Summary returns the identity summary included in credential bundles.
func (u *User) Summary() UserSummary {
	s := UserSummary{
		ID:          u.ID.String(),
		Email:       u.Email,
		DisplayName: u.DisplayName,
	}
	if u.TenantID.Valid {
		s.TenantID = u.TenantID.String
	}
	return s
}

// IsActive returns true if the user is not soft-deleted.
func (u *User) IsActive() bool {
	return !u.DeletedAt.Valid
}
