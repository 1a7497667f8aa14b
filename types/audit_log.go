package types

import (
	"database/sql"
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
)

// NullUUID represents a UUID that may be null.
type NullUUID struct {
	UUID  uuid.UUID
	Valid bool
}

// Scan implements the sql.Scanner interface.
func (n *NullUUID) Scan(value interface{}) error {
	if value == nil {
		n.UUID, n.Valid = uuid.UUID{}, false
		return nil
	}
	n.Valid = true
	switch v := value.(type) {
	case string:
		var err error
		n.UUID, err = uuid.Parse(v)
		return err
	case []byte:
		var err error
		n.UUID, err = uuid.Parse(string(v))
		return err
	}
	return nil
}

// Value implements the driver.Valuer interface.
func (n NullUUID) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.UUID.String(), nil
}

// String returns the UUID string, or "" when null.
func (n NullUUID) String() string {
	if !n.Valid {
		return ""
	}
	return n.UUID.String()
}

// AuditStatus records whether the audited action itself succeeded.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusFailure AuditStatus = "failure"
)

// Audit log action constants.
const (
	ActionImpersonationStarted    = "impersonation.started"
	ActionImpersonationHeartbeat  = "impersonation.heartbeat"
	ActionImpersonationEnded      = "impersonation.ended"
	ActionImpersonationTerminated = "impersonation.terminated_by_other_admin"
	ActionImpersonationExpired    = "impersonation.expired"
)

// AuditLogEntry is one append-only record of an impersonation lifecycle event.
type AuditLogEntry struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	Action       string         `db:"action" json:"action"`
	Status       AuditStatus    `db:"status" json:"status"`
	AdminUserID  uuid.UUID      `db:"admin_user_id" json:"admin_user_id"`
	TargetUserID NullUUID       `db:"target_user_id" json:"-"`
	SessionID    NullUUID       `db:"session_id" json:"-"`
	IPAddress    sql.NullString `db:"ip_address" json:"-"`
	Reason       sql.NullString `db:"reason" json:"-"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	Details      JSONMap        `db:"details" json:"details"`
}

// AuditLogView is the wire representation of an AuditLogEntry.
type AuditLogView struct {
	ID           string      `json:"id"`
	Action       string      `json:"action"`
	Status       AuditStatus `json:"status"`
	AdminUserID  string      `json:"admin_user_id"`
	TargetUserID string      `json:"target_user_id,omitempty"`
	SessionID    string      `json:"session_id,omitempty"`
	IPAddress    string      `json:"ip_address,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	Details      JSONMap     `json:"details,omitempty"`
}

// NewAuditLogEntry creates a new successful audit entry with common fields.
func NewAuditLogEntry(action string, adminUserID uuid.UUID) *AuditLogEntry {
	return &AuditLogEntry{
		ID:          uuid.New(),
		Action:      action,
		Status:      AuditStatusSuccess,
		AdminUserID: adminUserID,
		CreatedAt:   time.Now().UTC(),
		Details:     make(JSONMap),
	}
}

// ForSession fills the session and target identity from s.
func (a *AuditLogEntry) ForSession(s *ImpersonationSession) *AuditLogEntry {
	a.SessionID = NullUUID{UUID: s.ID, Valid: true}
	a.TargetUserID = NullUUID{UUID: s.TargetUserID, Valid: true}
	if s.TargetTenantID.Valid {
		a.Details["target_tenant_id"] = s.TargetTenantID.String
	}
	return a
}

// WithTarget sets the target user.
func (a *AuditLogEntry) WithTarget(targetUserID uuid.UUID) *AuditLogEntry {
	a.TargetUserID = NullUUID{UUID: targetUserID, Valid: targetUserID != uuid.Nil}
	return a
}

// WithFailure marks the audited action as failed and records why.
func (a *AuditLogEntry) WithFailure(err error) *AuditLogEntry {
	a.Status = AuditStatusFailure
	if err != nil {
		a.Details["error"] = err.Error()
	}
	return a
}

// WithReason adds a free-text justification.
func (a *AuditLogEntry) WithReason(reason string) *AuditLogEntry {
	if reason != "" {
		a.Reason = sql.NullString{String: reason, Valid: true}
	}
	return a
}

// WithIPAddress adds IP address to the audit entry.
func (a *AuditLogEntry) WithIPAddress(ip string) *AuditLogEntry {
	if ip != "" {
		a.IPAddress = sql.NullString{String: ip, Valid: true}
	}
	return a
}

// WithDetails merges forensic context into the details payload.
func (a *AuditLogEntry) WithDetails(details map[string]interface{}) *AuditLogEntry {
	if a.Details == nil {
		a.Details = make(JSONMap)
	}
	for k, v := range details {
		a.Details[k] = v
	}
	return a
}

// AddDetail adds a key-value detail to the details map.
func (a *AuditLogEntry) AddDetail(key string, value interface{}) *AuditLogEntry {
	if a.Details == nil {
		a.Details = make(JSONMap)
	}
	a.Details[key] = value
	return a
}

// View converts the entry to its wire representation.
func (a *AuditLogEntry) View() AuditLogView {
	v := AuditLogView{
		ID:           a.ID.String(),
		Action:       a.Action,
		Status:       a.Status,
		AdminUserID:  a.AdminUserID.String(),
		TargetUserID: a.TargetUserID.String(),
		SessionID:    a.SessionID.String(),
		CreatedAt:    a.CreatedAt,
		Details:      a.Details,
	}
	if a.IPAddress.Valid {
		v.IPAddress = a.IPAddress.String
	}
	if a.Reason.Valid {
		v.Reason = a.Reason.String
	}
	return v
}
