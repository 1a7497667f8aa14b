// Package registry tracks the active impersonation sessions of all admins and
// dispatches per-session terminations.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juanfont/impersonate/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a shared refresh.
const DefaultTimeout = 10 * time.Second

// ErrTerminationInFlight is returned when a session is already being terminated.
var ErrTerminationInFlight = fmt.Errorf("%w: termination already in flight", types.ErrConflict)

var terminationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "impersonate_registry_terminations_total",
		Help: "Total number of session terminations dispatched by the registry",
	},
	[]string{"outcome"},
)

// SessionSource is the part of the authority client the registry needs.
type SessionSource interface {
	ListActiveSessions(ctx context.Context) ([]types.ActiveSession, error)
	TerminateSession(ctx context.Context, sessionID, reason string) error
}

// Row is one session as presented to the operator.
type Row struct {
	Session types.ActiveSession
	// CanTerminate is true only for active rows with no termination pending.
	CanTerminate bool
	Terminating  bool
	// LastError is the error of the last termination attempt of this row.
	LastError error
}

// Registry holds the last listing of active sessions.
type Registry struct {
	source  SessionSource
	timeout time.Duration
	now     func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	sessions    []types.ActiveSession
	terminating map[string]struct{}
	errs        map[string]error
	refreshedAt time.Time

	// gen counts completed terminations. A listing fetched before a
	// termination completed must not revive the terminated row.
	gen        uint64
	terminated map[string]termination
	fetchSeq   uint64
	appliedSeq uint64
}

// termination is a locally known termination, kept until a listing fetched
// after it reports the authority's view.
type termination struct {
	gen     uint64
	endedAt time.Time
	reason  string
}

func (t termination) apply(s *types.ActiveSession) {
	endedAt := t.endedAt
	s.Status = types.SessionStatusTerminated
	s.EndedAt = &endedAt
	s.RemainingMinutes = 0
	s.TerminationReason = t.reason
}

// listing is one fetch of the active sessions, stamped with the termination
// generation and fetch sequence current when it started.
type listing struct {
	sessions []types.ActiveSession
	gen      uint64
	seq      uint64
}

// New creates a registry. A zero timeout uses DefaultTimeout.
func New(source SessionSource, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		source:      source,
		timeout:     timeout,
		now:         time.Now,
		terminating: make(map[string]struct{}),
		errs:        make(map[string]error),
		terminated:  make(map[string]termination),
	}
}

// Refresh reloads the listing. Concurrent calls share a single request; a
// caller whose context ends stops waiting without cancelling the others.
func (r *Registry) Refresh(ctx context.Context) ([]Row, error) {
	ch := r.group.DoChan("list", func() (interface{}, error) {
		r.mu.Lock()
		r.fetchSeq++
		l := listing{gen: r.gen, seq: r.fetchSeq}
		r.mu.Unlock()

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		sessions, err := r.source.ListActiveSessions(fetchCtx)
		l.sessions = sessions
		return l, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			log.Warn().Err(res.Err).Msg("Failed to refresh active impersonation sessions")
			return nil, res.Err
		}
		l, _ := res.Val.(listing)

		r.mu.Lock()
		if l.seq > r.appliedSeq {
			r.applyLocked(l)
		}
		rows := r.rowsLocked()
		r.mu.Unlock()

		log.Debug().Int("sessions", len(rows)).Bool("shared", res.Shared).Msg("Active impersonation sessions refreshed")
		return rows, nil
	}
}

// applyLocked replaces the listing with l. Terminations completed after l was
// fetched stay applied to their rows. r.mu must be held.
func (r *Registry) applyLocked(l listing) {
	sessions := make([]types.ActiveSession, 0, len(l.sessions))
	for _, s := range l.sessions {
		if t, ok := r.terminated[s.SessionID]; ok && t.gen > l.gen && s.IsTerminable() {
			t.apply(&s)
		}
		sessions = append(sessions, s)
	}
	for id, t := range r.terminated {
		if t.gen <= l.gen {
			delete(r.terminated, id)
		}
	}

	r.sessions = sessions
	r.appliedSeq = l.seq
	r.refreshedAt = r.now()
	for id := range r.errs {
		if _, ok := r.terminating[id]; !ok {
			delete(r.errs, id)
		}
	}
}

// Rows returns the current rows without contacting the authority.
func (r *Registry) Rows() []Row {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rowsLocked()
}

// RefreshedAt returns when the listing was last loaded.
func (r *Registry) RefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshedAt
}

func (r *Registry) rowsLocked() []Row {
	rows := make([]Row, 0, len(r.sessions))
	for _, s := range r.sessions {
		_, pending := r.terminating[s.SessionID]
		rows = append(rows, Row{
			Session:      s,
			CanTerminate: s.IsTerminable() && !pending,
			Terminating:  pending,
			LastError:    r.errs[s.SessionID],
		})
	}
	return rows
}

// Terminate terminates another admin's session. Terminations of different
// sessions run independently; a second call for a session with a pending
// termination fails with ErrTerminationInFlight.
func (r *Registry) Terminate(ctx context.Context, sessionID, reason string) error {
	r.mu.Lock()
	if _, ok := r.terminating[sessionID]; ok {
		r.mu.Unlock()
		return ErrTerminationInFlight
	}
	if s, ok := r.findLocked(sessionID); ok && !s.IsTerminable() {
		r.mu.Unlock()
		return types.NewError(types.KindConflict, "terminate_session",
			fmt.Sprintf("session is %s, only active sessions can be terminated", s.Status), nil)
	}
	r.terminating[sessionID] = struct{}{}
	delete(r.errs, sessionID)
	r.mu.Unlock()

	err := r.source.TerminateSession(ctx, sessionID, reason)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.terminating, sessionID)

	if err != nil {
		r.errs[sessionID] = err
		terminationsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to terminate impersonation session")
		return err
	}

	// Shown as terminated until a listing fetched after now reports the
	// authority's view.
	r.gen++
	t := termination{gen: r.gen, endedAt: r.now().UTC(), reason: reason}
	r.terminated[sessionID] = t
	for i := range r.sessions {
		if r.sessions[i].SessionID == sessionID && r.sessions[i].IsTerminable() {
			t.apply(&r.sessions[i])
		}
	}
	terminationsTotal.WithLabelValues("success").Inc()
	log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("Impersonation session terminated")
	return nil
}

func (r *Registry) findLocked(sessionID string) (types.ActiveSession, bool) {
	for _, s := range r.sessions {
		if s.SessionID == sessionID {
			return s, true
		}
	}
	return types.ActiveSession{}, false
}
