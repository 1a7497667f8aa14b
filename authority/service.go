// Package authority is the reference impersonation authority: it issues
// scoped impersonation credentials, owns the session records, resolves end,
// terminate and expiry races, and keeps the append-only audit trail.
package authority

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultHistoryWindow is how far back ended sessions are listed.
	DefaultHistoryWindow = 24 * time.Hour
	// DefaultAuditLimit is the number of audit entries returned by default.
	DefaultAuditLimit = 100
	// MaxAuditLimit caps a single audit query.
	MaxAuditLimit = 1000
)

// Config holds the impersonation policy.
type Config struct {
	MaxDuration     time.Duration
	DefaultDuration time.Duration
	RequireReason   bool
	AuditHeartbeats bool
	AdvertiseURL    string
	HistoryWindow   time.Duration
}

// ExpiryScheduler schedules a background expiry of a session at its expires_at.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, sessionID uuid.UUID, at time.Time) error
}

// Principal is the authenticated caller.
type Principal struct {
	UserID  uuid.UUID
	IsAdmin bool
	// SessionID and ActorID are set for impersonation tokens: UserID is then
	// the target user and ActorID the admin behind the session.
	SessionID uuid.UUID
	ActorID   uuid.UUID
}

// IsImpersonation reports whether the caller acts through an impersonation token.
func (p *Principal) IsImpersonation() bool {
	return p.SessionID != uuid.Nil
}

// Service implements the impersonation policy on top of the store.
type Service struct {
	store     *Store
	tokens    *TokenIssuer
	cfg       Config
	scheduler ExpiryScheduler
	now       func() time.Time
}

// NewService creates the authority service.
func NewService(store *Store, tokens *TokenIssuer, cfg Config) *Service {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = types.DefaultMaxDuration
	}
	if cfg.DefaultDuration <= 0 || cfg.DefaultDuration > cfg.MaxDuration {
		cfg.DefaultDuration = cfg.MaxDuration
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	return &Service{
		store:  store,
		tokens: tokens,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetExpiryScheduler enables background expiry tasks for new sessions.
func (s *Service) SetExpiryScheduler(scheduler ExpiryScheduler) {
	s.scheduler = scheduler
}

// Store returns the underlying store.
func (s *Service) Store() *Store {
	return s.store
}

// Tokens returns the token issuer.
func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

// Session timestamps are stored with second precision.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// duration resolves the requested session length: zero means the default,
// anything above the maximum is clamped to it.
func (s *Service) duration(hours float64) (time.Duration, error) {
	if hours < 0 {
		return 0, types.NewError(types.KindValidation, "start_session", "duration_hours must not be negative", nil)
	}
	if hours == 0 {
		return s.cfg.DefaultDuration, nil
	}
	d := time.Duration(hours * float64(time.Hour)).Round(time.Minute)
	if d < time.Minute {
		d = time.Minute
	}
	if d > s.cfg.MaxDuration {
		d = s.cfg.MaxDuration
	}
	return d, nil
}

// Start opens a session for adminID on the target user and returns the
// scoped credential bundle.
func (s *Service) Start(ctx context.Context, adminID uuid.UUID, req types.StartSessionRequest, ip string) (*types.StartSessionResponse, error) {
	admin, err := s.store.GetUser(ctx, adminID)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return nil, types.NewError(types.KindAuthorization, "start_session", "admin not found", err)
		}
		return nil, err
	}
	if !admin.IsAdmin {
		return nil, types.NewError(types.KindAuthorization, "start_session", "admin privileges required", nil)
	}

	targetID, err := uuid.Parse(strings.TrimSpace(req.TargetUserID))
	if err != nil || targetID == uuid.Nil {
		return nil, types.NewError(types.KindValidation, "start_session", "target_user_id is required", err)
	}
	reason := strings.TrimSpace(req.Reason)

	if targetID == adminID {
		err := types.NewError(types.KindValidation, "start_session", "cannot impersonate yourself", nil)
		s.reject(ctx, adminID, targetID, reason, ip, err)
		return nil, err
	}
	if reason == "" && s.cfg.RequireReason {
		err := types.NewError(types.KindValidation, "start_session", "reason is required for impersonation", nil)
		s.reject(ctx, adminID, targetID, reason, ip, err)
		return nil, err
	}
	duration, err := s.duration(req.DurationHours)
	if err != nil {
		return nil, err
	}

	target, err := s.store.GetUser(ctx, targetID)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			err = types.NewError(types.KindNotFound, "start_session", "target user not found", err)
			s.reject(ctx, adminID, targetID, reason, ip, err)
		}
		return nil, err
	}
	if target.IsAdmin {
		err := types.NewError(types.KindAuthorization, "start_session", "cannot impersonate admin users", nil)
		s.reject(ctx, adminID, targetID, reason, ip, err)
		return nil, err
	}

	// Elapsed sessions must not block a new one.
	if _, err := s.ExpireDue(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to expire due sessions before start")
	}

	now := s.clock()
	tenantID := ""
	if target.TenantID.Valid {
		tenantID = target.TenantID.String
	}
	session := types.NewImpersonationSession(adminID, targetID, tenantID, reason, now, duration)
	session.IPAddress = ip

	token, err := s.tokens.ImpersonationToken(session)
	if err != nil {
		return nil, err
	}

	entry := types.NewAuditLogEntry(types.ActionImpersonationStarted, adminID).
		ForSession(session).
		WithReason(reason).
		WithIPAddress(ip).
		WithDetails(map[string]interface{}{
			"admin_email":       admin.Email,
			"target_user_email": target.Email,
			"duration_minutes":  int(duration / time.Minute),
			"expires_at":        session.ExpiresAt.Format(time.RFC3339),
			"window_based":      req.WindowBased,
		})
	entry.CreatedAt = now

	if err := s.store.CreateSession(ctx, session, entry); err != nil {
		s.reject(ctx, adminID, targetID, reason, ip, err)
		return nil, err
	}

	if s.scheduler != nil {
		if err := s.scheduler.ScheduleExpiry(ctx, session.ID, session.ExpiresAt); err != nil {
			log.Error().Err(err).Str("session_id", session.ID.String()).Msg("Failed to schedule session expiry, relying on sweeper")
		}
	}

	sessionsStartedTotal.Inc()
	log.Info().
		Str("session_id", session.ID.String()).
		Str("admin_id", adminID.String()).
		Str("admin_email", admin.Email).
		Str("target_user_id", target.ID.String()).
		Str("target_user_email", target.Email).
		Str("reason", reason).
		Str("ip", ip).
		Time("expires_at", session.ExpiresAt).
		Msg("Impersonation started")

	resp := &types.StartSessionResponse{
		AccessToken: token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(duration / time.Second),
		SessionID:   session.ID.String(),
		TargetUser:  target.Summary(),
		AdminUser:   admin.Summary(),
		StartedAt:   session.StartedAt,
		ExpiresAt:   session.ExpiresAt,
	}
	if req.WindowBased {
		resp.WindowURL = strings.TrimRight(s.cfg.AdvertiseURL, "/") + "/impersonation/" + session.ID.String()
	}
	return resp, nil
}

// reject records a refused start attempt.
func (s *Service) reject(ctx context.Context, adminID, targetID uuid.UUID, reason, ip string, cause error) {
	sessionsRejectedTotal.WithLabelValues(types.KindOf(cause).String()).Inc()

	entry := types.NewAuditLogEntry(types.ActionImpersonationStarted, adminID).
		WithTarget(targetID).
		WithReason(reason).
		WithIPAddress(ip).
		WithFailure(cause)
	entry.CreatedAt = s.clock()
	if err := s.store.InsertAudit(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().Err(err).Msg("Failed to create audit log for rejected impersonation start")
	}
	log.Warn().Err(cause).Str("admin_id", adminID.String()).Str("target_user_id", targetID.String()).Msg("Impersonation start rejected")
}

// loadSession returns a session, expiring it first if its window elapsed.
func (s *Service) loadSession(ctx context.Context, id uuid.UUID) (*types.ImpersonationSession, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == types.SessionStatusActive && session.IsExpiredAt(s.now()) {
		session, _, err = s.expire(ctx, session)
		if err != nil {
			return nil, err
		}
	}
	return session, nil
}

// expire moves an elapsed session to expired. ended_at is the session's
// expires_at whichever path detects it, and only the winning path audits.
func (s *Service) expire(ctx context.Context, session *types.ImpersonationSession) (*types.ImpersonationSession, bool, error) {
	entry := types.NewAuditLogEntry(types.ActionImpersonationExpired, session.AdminUserID).
		ForSession(session).
		AddDetail("duration", session.ExpiresAt.Sub(session.StartedAt).String())
	entry.CreatedAt = s.clock()

	updated, changed, err := s.store.Transition(ctx, session.ID, ExpireTransition(session.ExpiresAt, entry))
	if err != nil {
		return nil, false, err
	}
	if changed {
		sessionsEndedTotal.WithLabelValues(string(types.SessionStatusExpired)).Inc()
		log.Warn().
			Str("session_id", session.ID.String()).
			Str("admin_id", session.AdminUserID.String()).
			Str("target_user_id", session.TargetUserID.String()).
			Msg("Impersonation session expired")
	}
	return updated, changed, nil
}

// ActiveSession returns the session if it is still active.
func (s *Service) ActiveSession(ctx context.Context, id uuid.UUID) (*types.ImpersonationSession, error) {
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != types.SessionStatusActive {
		return nil, types.NewError(types.KindAuthorization, "session", "impersonation session has ended", nil)
	}
	return session, nil
}

// Current reports the caller's impersonation session, or nil if the caller
// is not impersonating or the session is over.
func (s *Service) Current(ctx context.Context, p *Principal, ip string) (*types.CurrentSessionSnapshot, error) {
	if !p.IsImpersonation() {
		return nil, nil
	}
	session, err := s.loadSession(ctx, p.SessionID)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	if session.Status != types.SessionStatusActive {
		return nil, nil
	}

	now := s.now().UTC()
	if s.cfg.AuditHeartbeats {
		entry := types.NewAuditLogEntry(types.ActionImpersonationHeartbeat, session.AdminUserID).
			ForSession(session).
			WithIPAddress(ip)
		entry.CreatedAt = s.clock()
		if err := s.store.InsertAudit(ctx, entry); err != nil {
			log.Error().Err(err).Str("session_id", session.ID.String()).Msg("Failed to create audit log for heartbeat")
		}
	}

	started, expires := session.StartedAt, session.ExpiresAt
	snap := &types.CurrentSessionSnapshot{
		IsImpersonation: true,
		SessionID:       session.ID.String(),
		AdminUserID:     session.AdminUserID.String(),
		TargetUserID:    session.TargetUserID.String(),
		ServerTime:      now,
		StartedAt:       &started,
		ExpiresAt:       &expires,
	}
	if session.TargetTenantID.Valid {
		snap.TargetTenantID = session.TargetTenantID.String
	}
	return snap, nil
}

// End ends a session on behalf of its own admin. Impersonation tokens end
// their own session; admin tokens name the session. Ending a session that is
// already over returns its original ended_at.
func (s *Service) End(ctx context.Context, p *Principal, requested, ip string) (*types.EndSessionResponse, error) {
	requested = strings.TrimSpace(requested)

	var id uuid.UUID
	if p.IsImpersonation() {
		id = p.SessionID
		if requested != "" && requested != id.String() {
			return nil, types.NewError(types.KindValidation, "end_session", "session_id does not match the impersonation token", nil)
		}
	} else {
		parsed, err := uuid.Parse(requested)
		if err != nil {
			return nil, types.NewError(types.KindValidation, "end_session", "session_id is required", err)
		}
		id = parsed
	}

	session, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsImpersonation() && session.AdminUserID != p.UserID {
		return nil, types.NewError(types.KindAuthorization, "end_session", "only the session's admin can end it, use terminate instead", nil)
	}

	msg := "Impersonation already ended"
	if session.Status == types.SessionStatusActive {
		now := s.clock()
		entry := types.NewAuditLogEntry(types.ActionImpersonationEnded, session.AdminUserID).
			ForSession(session).
			WithIPAddress(ip).
			WithDetails(map[string]interface{}{
				"duration":     now.Sub(session.StartedAt).String(),
				"ended_via":    endedVia(p),
				"session_ends": session.ExpiresAt.Format(time.RFC3339),
			})
		entry.CreatedAt = now

		updated, changed, err := s.store.Transition(ctx, session.ID, EndTransition(now, entry))
		if err != nil {
			return nil, err
		}
		session = updated
		if changed {
			msg = "Impersonation ended"
			sessionsEndedTotal.WithLabelValues("ended").Inc()
			log.Info().
				Str("session_id", session.ID.String()).
				Str("admin_id", session.AdminUserID.String()).
				Str("target_user_id", session.TargetUserID.String()).
				Dur("duration", session.Duration(now)).
				Str("ip", ip).
				Msg("Impersonation ended")
		}
	}

	if !session.EndedAt.Valid {
		return nil, fmt.Errorf("session %s is %s without ended_at", session.ID, session.Status)
	}
	return &types.EndSessionResponse{Message: msg, EndedAt: session.EndedAt.Time}, nil
}

func endedVia(p *Principal) string {
	if p.IsImpersonation() {
		return "impersonation_token"
	}
	return "admin_token"
}

// Terminate ends another admin's session. Terminating a session that is
// already over is a no-op.
func (s *Service) Terminate(ctx context.Context, adminID uuid.UUID, rawSessionID, reason, ip string) error {
	id, err := uuid.Parse(strings.TrimSpace(rawSessionID))
	if err != nil {
		return types.NewError(types.KindNotFound, "terminate_session", "session not found", err)
	}
	session, err := s.loadSession(ctx, id)
	if err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	now := s.clock()
	entry := types.NewAuditLogEntry(types.ActionImpersonationTerminated, adminID).
		ForSession(session).
		WithReason(reason).
		WithIPAddress(ip).
		WithDetails(map[string]interface{}{
			"session_admin_user_id":  session.AdminUserID.String(),
			"terminated_by_admin_id": adminID.String(),
			"duration":               now.Sub(session.StartedAt).String(),
		})
	entry.CreatedAt = now

	updated, changed, err := s.store.Transition(ctx, session.ID, TerminateTransition(now, adminID, reason, entry))
	if err != nil {
		return err
	}
	if !changed {
		log.Debug().Str("session_id", id.String()).Str("status", string(updated.Status)).Msg("Terminate on finished session ignored")
		return nil
	}

	sessionsEndedTotal.WithLabelValues("terminated").Inc()
	log.Info().
		Str("session_id", session.ID.String()).
		Str("session_admin_id", session.AdminUserID.String()).
		Str("terminated_by", adminID.String()).
		Str("reason", reason).
		Msg("Impersonation session terminated by another admin")
	return nil
}

// ListSessions returns active sessions and those started within the history
// window. Status is computed at query time.
func (s *Service) ListSessions(ctx context.Context) ([]types.ActiveSession, error) {
	now := s.now().UTC()
	sessions, err := s.store.ListSessions(ctx, now.Add(-s.cfg.HistoryWindow))
	if err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	emails := make(map[uuid.UUID]string, len(users))
	for _, u := range users {
		emails[u.ID] = u.Email
	}

	views := make([]types.ActiveSession, 0, len(sessions))
	for i := range sessions {
		v := sessions[i].View(now)
		v.AdminEmail = emails[sessions[i].AdminUserID]
		v.TargetEmail = emails[sessions[i].TargetUserID]
		views = append(views, v)
	}
	return views, nil
}

// AuditTrail returns audit entries newest first, optionally for one session.
func (s *Service) AuditTrail(ctx context.Context, rawSessionID string, limit int) ([]types.AuditLogView, error) {
	var sessionID uuid.UUID
	if rawSessionID != "" {
		id, err := uuid.Parse(rawSessionID)
		if err != nil {
			return nil, types.NewError(types.KindValidation, "audit", "invalid session_id", err)
		}
		sessionID = id
	}
	switch {
	case limit <= 0:
		limit = DefaultAuditLimit
	case limit > MaxAuditLimit:
		limit = MaxAuditLimit
	}

	entries, err := s.store.ListAudit(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]types.AuditLogView, 0, len(entries))
	for i := range entries {
		views = append(views, entries[i].View())
	}
	return views, nil
}

// ExpireSession expires one session if its window has elapsed. It reports
// whether this call performed the transition.
func (s *Service) ExpireSession(ctx context.Context, id uuid.UUID) (bool, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			log.Warn().Str("session_id", id.String()).Msg("Expiry requested for unknown session")
			return false, nil
		}
		return false, err
	}
	if session.Status != types.SessionStatusActive {
		return false, nil
	}
	if !session.IsExpiredAt(s.now()) {
		log.Debug().Str("session_id", id.String()).Time("expires_at", session.ExpiresAt).Msg("Session not yet due")
		return false, nil
	}
	_, changed, err := s.expire(ctx, session)
	return changed, err
}

// ExpireDue expires every active session whose window has elapsed and
// returns how many this call expired.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	ids, err := s.store.DueSessions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		changed, err := s.ExpireSession(ctx, id)
		if err != nil {
			return expired, fmt.Errorf("expiring session %s: %w", id, err)
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}
