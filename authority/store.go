package authority

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/juanfont/impersonate/database"
	"github.com/juanfont/impersonate/types"
)

const sessionColumns = `id, admin_user_id, target_user_id, target_tenant_id, reason, ip_address,
	started_at, expires_at, ended_at, status, termination_reason, terminated_by_admin_id`

const auditColumns = `id, action, status, admin_user_id, target_user_id, session_id, ip_address,
	reason, created_at, details`

// Transition describes an active -> final status change of a session.
type Transition struct {
	// Apply moves the stored record to its final status, typically through
	// one of the session's Expire, End or Terminate methods. It returns
	// types.ErrInvalidTransition when the session is no longer active.
	Apply      func(*types.ImpersonationSession) error
	AuditEntry *types.AuditLogEntry
}

// ExpireTransition expires a session at at.
func ExpireTransition(at time.Time, entry *types.AuditLogEntry) Transition {
	return Transition{
		Apply:      func(s *types.ImpersonationSession) error { return s.Expire(at) },
		AuditEntry: entry,
	}
}

// EndTransition ends a session on behalf of its own admin.
func EndTransition(at time.Time, entry *types.AuditLogEntry) Transition {
	return Transition{
		Apply:      func(s *types.ImpersonationSession) error { return s.End(at) },
		AuditEntry: entry,
	}
}

// TerminateTransition terminates a session on behalf of byAdminID.
func TerminateTransition(at time.Time, byAdminID uuid.UUID, reason string, entry *types.AuditLogEntry) Transition {
	return Transition{
		Apply:      func(s *types.ImpersonationSession) error { return s.Terminate(at, byAdminID, reason) },
		AuditEntry: entry,
	}
}

// Store persists users, sessions and the audit trail.
type Store struct {
	db *database.Database
}

// NewStore creates a store on an opened database.
func NewStore(db *database.Database) *Store {
	return &Store{db: db}
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u *types.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now().UTC().Truncate(time.Second)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.ModifiedAt = now

	_, err := s.db.DB().NamedExecContext(ctx, `
		INSERT INTO users (id, email, display_name, tenant_id, is_admin, created_at, modified_at)
		VALUES (:id, :email, :display_name, :tenant_id, :is_admin, :created_at, :modified_at)`, u)
	if err != nil {
		return fmt.Errorf("inserting user %s: %w", u.Email, err)
	}
	return nil
}

// GetUser returns an active user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*types.User, error) {
	var u types.User
	err := s.db.DB().GetContext(ctx, &u, `
		SELECT id, email, display_name, tenant_id, is_admin, created_at, modified_at, deleted_at
		FROM users WHERE id = ? AND deleted_at IS NULL`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "get_user", "user not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	return &u, nil
}

// ListUsers returns all active users ordered by email.
func (s *Store) ListUsers(ctx context.Context) ([]types.User, error) {
	var users []types.User
	err := s.db.DB().SelectContext(ctx, &users, `
		SELECT id, email, display_name, tenant_id, is_admin, created_at, modified_at, deleted_at
		FROM users WHERE deleted_at IS NULL ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

// CreateSession inserts an active session and its start audit entry. It
// fails with a conflict if the target or the admin already has an active
// session.
func (s *Store) CreateSession(ctx context.Context, session *types.ImpersonationSession, entry *types.AuditLogEntry) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var existing []struct {
			AdminUserID  uuid.UUID `db:"admin_user_id"`
			TargetUserID uuid.UUID `db:"target_user_id"`
		}
		err := tx.SelectContext(ctx, &existing, `
			SELECT admin_user_id, target_user_id FROM impersonation_sessions
			WHERE status = 'active' AND (target_user_id = ? OR admin_user_id = ?)`,
			session.TargetUserID, session.AdminUserID)
		if err != nil {
			return fmt.Errorf("checking active sessions: %w", err)
		}
		for _, e := range existing {
			if e.TargetUserID == session.TargetUserID {
				return types.NewError(types.KindConflict, "start_session", "target user is already being impersonated", nil)
			}
		}
		if len(existing) > 0 {
			return types.NewError(types.KindConflict, "start_session", "already impersonating another user, end the current session first", nil)
		}

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO impersonation_sessions (`+sessionColumns+`)
			VALUES (:id, :admin_user_id, :target_user_id, :target_tenant_id, :reason, :ip_address,
				:started_at, :expires_at, :ended_at, :status, :termination_reason, :terminated_by_admin_id)`, session)
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		return insertAudit(ctx, tx, entry)
	})
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*types.ImpersonationSession, error) {
	var session types.ImpersonationSession
	if err := getSession(ctx, s.db.DB(), id, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns active sessions plus sessions started since since,
// newest first.
func (s *Store) ListSessions(ctx context.Context, since time.Time) ([]types.ImpersonationSession, error) {
	var sessions []types.ImpersonationSession
	err := s.db.DB().SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM impersonation_sessions
		WHERE status = 'active' OR started_at >= ?
		ORDER BY started_at DESC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// DueSessions returns the ids of active sessions whose window has elapsed at now.
func (s *Store) DueSessions(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.DB().SelectContext(ctx, &ids, `
		SELECT id FROM impersonation_sessions
		WHERE status = 'active' AND expires_at <= ?
		ORDER BY expires_at`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing due sessions: %w", err)
	}
	return ids, nil
}

// Transition applies t to an active session. If the session is no longer
// active another path already ended it: nothing is written and the stored
// record is returned with changed == false. Errors from t.Apply other than
// types.ErrInvalidTransition are returned as is.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, t Transition) (*types.ImpersonationSession, bool, error) {
	var session types.ImpersonationSession
	changed := false

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := getSession(ctx, tx, id, &session); err != nil {
			return err
		}
		if err := t.Apply(&session); err != nil {
			if errors.Is(err, types.ErrInvalidTransition) {
				return nil
			}
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE impersonation_sessions
			SET status = ?, ended_at = ?, terminated_by_admin_id = ?, termination_reason = ?
			WHERE id = ? AND status = 'active' AND ended_at IS NULL`,
			string(session.Status), session.EndedAt, session.TerminatedByAdminID, session.TerminationReason, id)
		if err != nil {
			return fmt.Errorf("updating session %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("updating session %s: %w", id, err)
		}
		if n == 0 {
			return getSession(ctx, tx, id, &session)
		}

		changed = true
		if t.AuditEntry != nil {
			return insertAudit(ctx, tx, t.AuditEntry)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &session, changed, nil
}

func getSession(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID, session *types.ImpersonationSession) error {
	err := sqlx.GetContext(ctx, q, session,
		`SELECT `+sessionColumns+` FROM impersonation_sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewError(types.KindNotFound, "get_session", "session not found", err)
	}
	if err != nil {
		return fmt.Errorf("getting session %s: %w", id, err)
	}
	if !session.Status.IsValid() {
		return fmt.Errorf("session %s has unknown status %q", id, session.Status)
	}
	return nil
}

// InsertAudit appends an audit entry.
func (s *Store) InsertAudit(ctx context.Context, entry *types.AuditLogEntry) error {
	return insertAudit(ctx, s.db.DB(), entry)
}

// ListAudit returns audit entries newest first, optionally for one session.
func (s *Store) ListAudit(ctx context.Context, sessionID uuid.UUID, limit int) ([]types.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log`
	args := []interface{}{}
	if sessionID != uuid.Nil {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	var entries []types.AuditLogEntry
	if err := s.db.DB().SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	return entries, nil
}

func insertAudit(ctx context.Context, db sqlx.ExtContext, entry *types.AuditLogEntry) error {
	_, err := sqlx.NamedExecContext(ctx, db, `
		INSERT INTO audit_log (`+auditColumns+`)
		VALUES (:id, :action, :status, :admin_user_id, :target_user_id, :session_id, :ip_address,
			:reason, :created_at, :details)`, entry)
	if err != nil {
		return fmt.Errorf("inserting audit entry %s: %w", entry.Action, err)
	}
	return nil
}
