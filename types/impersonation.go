package types

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxDuration is the maximum lifetime of an impersonation session when the
// authority does not supply one.
const DefaultMaxDuration = 120 * time.Minute

// SessionStatus is the lifecycle status of an impersonation session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusTerminated SessionStatus = "terminated"
)

// IsValid returns true if the status is one of the known values.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusActive, SessionStatusExpired, SessionStatusTerminated:
		return true
	default:
		return false
	}
}

// IsFinal returns true for statuses no transition can leave.
func (s SessionStatus) IsFinal() bool {
	return s == SessionStatusExpired || s == SessionStatusTerminated
}

// ImpersonationSession is the authority's record of one impersonation grant.
type ImpersonationSession struct {
	ID                  uuid.UUID      `db:"id" json:"session_id"`
	AdminUserID         uuid.UUID      `db:"admin_user_id" json:"admin_user_id"`
	TargetUserID        uuid.UUID      `db:"target_user_id" json:"target_user_id"`
	TargetTenantID      sql.NullString `db:"target_tenant_id" json:"-"`
	Reason              string         `db:"reason" json:"reason,omitempty"`
	IPAddress           string         `db:"ip_address" json:"ip_address,omitempty"`
	StartedAt           time.Time      `db:"started_at" json:"started_at"`
	ExpiresAt           time.Time      `db:"expires_at" json:"expires_at"`
	EndedAt             sql.NullTime   `db:"ended_at" json:"-"`
	Status              SessionStatus  `db:"status" json:"status"`
	TerminationReason   sql.NullString `db:"termination_reason" json:"-"`
	TerminatedByAdminID NullUUID       `db:"terminated_by_admin_id" json:"-"`
}

// NewImpersonationSession creates an active session whose expiry is fixed at
// startedAt + duration.
func NewImpersonationSession(adminID, targetID uuid.UUID, tenantID, reason string, startedAt time.Time, duration time.Duration) *ImpersonationSession {
	s := &ImpersonationSession{
		ID:           uuid.New(),
		AdminUserID:  adminID,
		TargetUserID: targetID,
		Reason:       reason,
		StartedAt:    startedAt.UTC(),
		ExpiresAt:    startedAt.UTC().Add(duration),
		Status:       SessionStatusActive,
	}
	if tenantID != "" {
		s.TargetTenantID = sql.NullString{String: tenantID, Valid: true}
	}
	return s
}

// IsExpiredAt reports whether the session's fixed window has elapsed at now.
func (s *ImpersonationSession) IsExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// StatusAt returns the status as observed at now. An active session whose
// window has elapsed reads as expired even before the record is updated.
func (s *ImpersonationSession) StatusAt(now time.Time) SessionStatus {
	if !s.Status.IsFinal() && s.IsExpiredAt(now) {
		return SessionStatusExpired
	}
	return s.Status
}

// Expire moves an active session to expired. endedAt is recorded once.
func (s *ImpersonationSession) Expire(at time.Time) error {
	if err := s.checkActive(SessionStatusExpired); err != nil {
		return err
	}
	s.Status = SessionStatusExpired
	s.EndedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	return nil
}

// Terminate moves an active session to terminated on behalf of another admin.
func (s *ImpersonationSession) Terminate(at time.Time, byAdminID uuid.UUID, reason string) error {
	if byAdminID == s.AdminUserID {
		return NewError(KindConflict, "terminate", "a session cannot be terminated by its own admin; end it instead", nil)
	}
	if err := s.checkActive(SessionStatusTerminated); err != nil {
		return err
	}
	s.Status = SessionStatusTerminated
	s.EndedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	s.TerminatedByAdminID = NullUUID{UUID: byAdminID, Valid: true}
	if reason != "" {
		s.TerminationReason = sql.NullString{String: reason, Valid: true}
	}
	return nil
}

// End finishes an active session on behalf of its own admin. Ending is recorded
// as a termination by the owner without a terminating admin.
func (s *ImpersonationSession) End(at time.Time) error {
	if err := s.checkActive(SessionStatusTerminated); err != nil {
		return err
	}
	s.Status = SessionStatusTerminated
	s.EndedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	return nil
}

func (s *ImpersonationSession) checkActive(to SessionStatus) error {
	if s.Status.IsFinal() || s.EndedAt.Valid {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	return nil
}

// Duration returns how long the session has been running at now, capped at its end.
func (s *ImpersonationSession) Duration(now time.Time) time.Duration {
	if s.EndedAt.Valid {
		return s.EndedAt.Time.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// View converts the record to its wire representation.
func (s *ImpersonationSession) View(now time.Time) ActiveSession {
	v := ActiveSession{
		SessionID:    s.ID.String(),
		AdminUserID:  s.AdminUserID.String(),
		TargetUserID: s.TargetUserID.String(),
		Reason:       s.Reason,
		StartedAt:    s.StartedAt,
		ExpiresAt:    s.ExpiresAt,
		Status:       s.StatusAt(now),
	}
	if s.TargetTenantID.Valid {
		v.TargetTenantID = s.TargetTenantID.String
	}
	if s.EndedAt.Valid {
		t := s.EndedAt.Time
		v.EndedAt = &t
	}
	if s.TerminatedByAdminID.Valid {
		v.TerminatedByAdminID = s.TerminatedByAdminID.UUID.String()
	}
	if s.TerminationReason.Valid {
		v.TerminationReason = s.TerminationReason.String
	}
	if v.Status == SessionStatusActive {
		v.RemainingMinutes = int(s.ExpiresAt.Sub(now) / time.Minute)
	}
	return v
}

// UserSummary identifies a user in start responses.
type UserSummary struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
}

// StartSessionRequest is the request body for starting impersonation.
type StartSessionRequest struct {
	TargetUserID  string  `json:"target_user_id"`
	DurationHours float64 `json:"duration_hours,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	WindowBased   bool    `json:"window_based,omitempty"`
}

// StartSessionResponse is the credential bundle returned when a session starts.
type StartSessionResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   int64       `json:"expires_in"`
	SessionID   string      `json:"session_id"`
	TargetUser  UserSummary `json:"target_user"`
	AdminUser   UserSummary `json:"admin_user"`
	StartedAt   time.Time   `json:"started_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	WindowURL   string      `json:"window_url,omitempty"`
}

// CurrentSessionSnapshot is the poll-refreshed view of the caller's session.
// StartedAt and ExpiresAt are optional: authorities that omit them leave the
// client to approximate the window.
type CurrentSessionSnapshot struct {
	IsImpersonation bool       `json:"is_impersonation"`
	SessionID       string     `json:"session_id,omitempty"`
	AdminUserID     string     `json:"admin_user_id"`
	TargetUserID    string     `json:"target_user_id"`
	TargetTenantID  string     `json:"target_tenant_id,omitempty"`
	ServerTime      time.Time  `json:"current_time"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// EndSessionRequest is the request body for ending a session.
type EndSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// EndSessionResponse is the response for ending a session.
type EndSessionResponse struct {
	Message string    `json:"message"`
	EndedAt time.Time `json:"ended_at"`
}

// TerminateSessionRequest is the request body for terminating another admin's session.
type TerminateSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ActiveSession is a row of the active sessions listing. Status is computed by
// the authority at query time.
type ActiveSession struct {
	SessionID           string        `json:"session_id"`
	AdminUserID         string        `json:"admin_user_id"`
	AdminEmail          string        `json:"admin_email,omitempty"`
	TargetUserID        string        `json:"target_user_id"`
	TargetEmail         string        `json:"target_email,omitempty"`
	TargetTenantID      string        `json:"target_tenant_id,omitempty"`
	Reason              string        `json:"reason,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
	ExpiresAt           time.Time     `json:"expires_at"`
	EndedAt             *time.Time    `json:"ended_at,omitempty"`
	Status              SessionStatus `json:"status"`
	RemainingMinutes    int           `json:"remaining_minutes"`
	TerminatedByAdminID string        `json:"terminated_by_admin_id,omitempty"`
	TerminationReason   string        `json:"termination_reason,omitempty"`
}

// IsTerminable returns true if the row may still be terminated.
func (a ActiveSession) IsTerminable() bool {
	return a.Status == SessionStatusActive
}
