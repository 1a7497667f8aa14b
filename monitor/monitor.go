// Package monitor keeps a locally fresh view of the caller's impersonation
// session by polling the authority on a fixed cadence.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juanfont/impersonate/client"
	"github.com/juanfont/impersonate/clock"
	"github.com/juanfont/impersonate/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultInterval is the polling cadence. It is independent of the session
	// duration and well below any sensible minimum session length.
	DefaultInterval = time.Minute

	// DefaultPollTimeout bounds a single poll or end call.
	DefaultPollTimeout = 10 * time.Second
)

var monitorPollsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "impersonate_monitor_polls_total",
		Help: "Total number of session monitor polls by result",
	},
	[]string{"result"},
)

// SessionSource is the part of the authority client the monitor needs.
type SessionSource interface {
	GetCurrentSession(ctx context.Context) (*types.CurrentSessionSnapshot, error)
	EndSession(ctx context.Context, sessionID string) (*types.EndSessionResponse, error)
}

// CompletionHandler runs once when the monitored session finishes.
type CompletionHandler func(ctx context.Context, outcome Outcome)

// Config configures a Monitor.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// MaxDuration is used only when the authority omits expires_at.
	MaxDuration time.Duration
	// Credentials, if set, is discarded when the session ends or expires.
	Credentials client.CredentialStore
	// OnComplete replaces the default return-to-admin navigation.
	OnComplete CompletionHandler
	// ReturnToAdmin is the default navigation back to the super-admin identity.
	ReturnToAdmin CompletionHandler
	// Now is the local clock, used only when the authority omits its time.
	Now func() time.Time
}

// Monitor polls the authority for the current session and derives the
// remaining time with the session clock.
type Monitor struct {
	source SessionSource
	cfg    Config

	lifetime context.Context
	shutdown context.CancelFunc

	pollMu   sync.Mutex
	inflight atomic.Bool

	mu        sync.RWMutex
	status    Status
	firstSeen map[string]time.Time
	subs      map[chan Status]struct{}

	expired    chan struct{}
	expireOnce sync.Once
	finishOnce sync.Once

	runMu   sync.Mutex
	running chan struct{}
}

// New creates a monitor. Call Start to begin polling.
func New(source SessionSource, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPollTimeout
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = types.DefaultMaxDuration
	}
	if cfg.ReturnToAdmin == nil {
		cfg.ReturnToAdmin = logReturnToAdmin
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	lifetime, shutdown := context.WithCancel(context.Background())
	return &Monitor{
		source:    source,
		cfg:       cfg,
		lifetime:  lifetime,
		shutdown:  shutdown,
		firstSeen: make(map[string]time.Time),
		subs:      make(map[chan Status]struct{}),
		expired:   make(chan struct{}),
	}
}

func logReturnToAdmin(_ context.Context, outcome Outcome) {
	log.Info().
		Str("session_id", outcome.SessionID).
		Str("reason", string(outcome.Reason)).
		Msg("Returning to super-admin console")
}

// Start polls immediately and then on every interval until ctx is done, Stop
// is called, or the session reaches a terminal state.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running != nil {
		return
	}
	done := make(chan struct{})
	m.running = done

	go func() {
		defer close(done)
		m.run(ctx)
	}()
}

// Stop cancels any pending poll and waits for the polling loop to exit.
// Results of polls cancelled this way are never applied.
func (m *Monitor) Stop() {
	m.shutdown()

	m.runMu.Lock()
	done := m.running
	m.runMu.Unlock()
	if done != nil {
		<-done
	}

	m.mu.Lock()
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	m.mu.Unlock()
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.tick(ctx)

	for {
		if m.Status().State.IsTerminal() {
			log.Debug().Msg("Session monitor stopped: session finished")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.lifetime.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick polls unless a poll is already in flight.
func (m *Monitor) tick(ctx context.Context) {
	if m.inflight.Load() {
		log.Debug().Msg("Skipping poll: previous poll still in flight")
		return
	}
	m.poll(ctx)
}

// Refresh polls now. If a poll is in flight, Refresh waits for it to resolve
// before issuing its own, so snapshots are always applied in order.
func (m *Monitor) Refresh(ctx context.Context) (Status, error) {
	return m.poll(ctx)
}

// Status returns the latest status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Expired returns a channel closed the first time expiry is detected.
func (m *Monitor) Expired() <-chan struct{} {
	return m.expired
}

// Subscribe returns a channel receiving status updates. Slow readers only see
// the latest update. The returned function unsubscribes.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
	}
}

// scoped derives a context bounded by the poll timeout that is also
// cancelled when the monitor stops.
func (m *Monitor) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	stop := context.AfterFunc(m.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *Monitor) poll(ctx context.Context) (Status, error) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	m.inflight.Store(true)
	defer m.inflight.Store(false)

	if m.lifetime.Err() != nil {
		return m.Status(), m.lifetime.Err()
	}

	prev, ok := m.beginCheck()
	if !ok {
		return prev, nil
	}

	pollCtx, cancel := m.scoped(ctx)
	snap, err := m.source.GetCurrentSession(pollCtx)
	cancel()

	if m.lifetime.Err() != nil || (err != nil && ctx.Err() != nil) {
		// Torn down or abandoned by the caller: leave the last state untouched.
		m.restore(prev)
		if err == nil {
			err = context.Canceled
		}
		return prev, err
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && types.KindOf(err) == types.KindUnknown {
			err = types.NewError(types.KindTransport, "poll", "poll timed out", err)
		}
		return m.applyFailure(prev, err), err
	}
	if snap == nil {
		return m.applyNoSession(ctx, prev), nil
	}
	return m.applySnapshot(ctx, prev, snap)
}

// beginCheck moves the monitor to Checking and returns the previous status.
// It returns false if the monitor already reached a terminal state.
func (m *Monitor) beginCheck() (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.status
	if prev.State.IsTerminal() {
		return prev, false
	}
	next := prev
	next.State = StateChecking
	m.setLocked(next)
	return prev, true
}

func (m *Monitor) restore(prev Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State.IsTerminal() {
		return
	}
	m.setLocked(prev)
}

// applyFailure keeps the last known state. Transport failures only mark the
// reading stale; anything else means the state cannot be determined.
func (m *Monitor) applyFailure(prev Status, err error) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State.IsTerminal() {
		return m.status
	}

	next := prev
	next.LastError = err
	if types.IsRetryable(err) {
		next.Stale = true
		monitorPollsTotal.WithLabelValues("transport_error").Inc()
		log.Warn().Err(err).Str("state", prev.State.String()).Msg("Session poll failed, keeping last known state")
	} else {
		next.NeedsManualExit = true
		monitorPollsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("state", prev.State.String()).Msg("Cannot determine impersonation session state")
	}
	m.setLocked(next)
	return next
}

func (m *Monitor) applyNoSession(ctx context.Context, prev Status) Status {
	m.mu.Lock()
	if m.status.State.IsTerminal() {
		s := m.status
		m.mu.Unlock()
		return s
	}
	next := Status{
		State:     StateNotInSession,
		CheckedAt: m.cfg.Now(),
	}
	m.setLocked(next)
	m.mu.Unlock()
	monitorPollsTotal.WithLabelValues("not_in_session").Inc()

	if prev.Snapshot != nil {
		log.Info().
			Str("session_id", prev.Snapshot.SessionID).
			Str("target_user_id", prev.Snapshot.TargetUserID).
			Msg("Impersonation session no longer reported by authority")
		m.discardCredentials()
		m.finish(ctx, Outcome{Reason: EndReasonRemote, SessionID: prev.Snapshot.SessionID, EndedAt: next.CheckedAt})
	}
	return next
}

func (m *Monitor) applySnapshot(ctx context.Context, prev Status, snap *types.CurrentSessionSnapshot) (Status, error) {
	now := snap.ServerTime
	approximate := false
	if now.IsZero() {
		now = m.cfg.Now()
		approximate = true
		// A local clock lagging the authority must not read as a bad window.
		if snap.StartedAt != nil && now.Before(*snap.StartedAt) {
			now = *snap.StartedAt
		}
	}

	reading, expiresAt, readingApprox, err := m.read(snap, now)
	if err != nil {
		// Clock errors indicate bad data or a bug; they are never swallowed.
		m.mu.Lock()
		next := prev
		next.LastError = err
		next.NeedsManualExit = true
		if !m.status.State.IsTerminal() {
			m.setLocked(next)
		}
		m.mu.Unlock()
		monitorPollsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("session_id", snap.SessionID).Msg("Failed to compute session time")
		return next, err
	}

	next := Status{
		State:       StateInSession,
		Snapshot:    snap,
		Reading:     reading,
		ExpiresAt:   expiresAt,
		Approximate: approximate || readingApprox,
		CheckedAt:   now,
	}
	if reading.IsExpired {
		next.State = StateExpired
		next.EndedAt = next.ExpiresAt
	}

	m.mu.Lock()
	if m.status.State.IsTerminal() {
		s := m.status
		m.mu.Unlock()
		return s, nil
	}
	m.setLocked(next)
	m.mu.Unlock()

	if !reading.IsExpired {
		monitorPollsTotal.WithLabelValues("in_session").Inc()
		log.Debug().
			Str("session_id", snap.SessionID).
			Int("remaining_minutes", reading.RemainingMinutes).
			Bool("approximate", next.Approximate).
			Msg("Impersonation session checked")
		return next, nil
	}

	monitorPollsTotal.WithLabelValues("expired").Inc()
	log.Warn().
		Str("session_id", snap.SessionID).
		Str("target_user_id", snap.TargetUserID).
		Time("expires_at", next.ExpiresAt).
		Msg("Impersonation session expired")

	m.expireOnce.Do(func() { close(m.expired) })
	m.discardCredentials()
	m.finish(ctx, Outcome{Reason: EndReasonExpired, SessionID: snap.SessionID, EndedAt: next.EndedAt})
	return next, nil
}

// read computes the session reading at now and the instant the session
// expires. expires_at from the authority wins; without it the configured
// maximum is applied and the result is approximate.
func (m *Monitor) read(snap *types.CurrentSessionSnapshot, now time.Time) (clock.Reading, time.Time, bool, error) {
	if snap.StartedAt != nil && snap.ExpiresAt != nil {
		w, err := clock.WindowFromExpiry(*snap.StartedAt, *snap.ExpiresAt)
		if err != nil {
			return clock.Reading{}, time.Time{}, false, err
		}
		r, err := w.At(now)
		return r, w.ExpiresAt(), false, err
	}
	if snap.StartedAt != nil {
		w := clock.Window{StartedAt: *snap.StartedAt, MaxDuration: m.cfg.MaxDuration}
		r, err := w.At(now)
		return r, w.ExpiresAt(), true, err
	}

	started := m.firstSeenAt(snap, now)
	if snap.ExpiresAt != nil {
		r, err := clock.UntilExpiry(*snap.ExpiresAt, now)
		if err != nil {
			return clock.Reading{}, time.Time{}, true, err
		}
		r.ElapsedMinutes = max(0, int(now.Sub(started)/time.Minute))
		return r, *snap.ExpiresAt, true, nil
	}
	w := clock.Window{StartedAt: started, MaxDuration: m.cfg.MaxDuration}
	r, err := w.At(now)
	return r, w.ExpiresAt(), true, err
}

// firstSeenAt returns when the monitor first saw the session, the stand-in
// start of a session the authority reports without started_at.
func (m *Monitor) firstSeenAt(snap *types.CurrentSessionSnapshot, now time.Time) time.Time {
	key := snap.SessionID + "/" + snap.AdminUserID + "/" + snap.TargetUserID
	m.mu.Lock()
	defer m.mu.Unlock()
	started, ok := m.firstSeen[key]
	if !ok {
		started = now
		m.firstSeen[key] = started
	}
	return started
}

// End ends the current session through the authority. Whatever the outcome of
// that call, credentials are discarded and the operator is navigated back to
// the super-admin identity. The end call's error, if any, is returned after.
func (m *Monitor) End(ctx context.Context) error {
	current := m.Status()
	sessionID := ""
	if current.Snapshot != nil {
		sessionID = current.Snapshot.SessionID
	}
	if sessionID == "" && m.cfg.Credentials != nil {
		if creds, err := m.cfg.Credentials.Load(); err == nil && creds != nil {
			sessionID = creds.SessionID
		}
	}

	endCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	resp, err := m.source.EndSession(endCtx, sessionID)
	cancel()

	endedAt := m.cfg.Now()
	if err == nil && resp != nil && !resp.EndedAt.IsZero() {
		endedAt = resp.EndedAt
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Ending impersonation session failed, returning anyway")
	} else {
		log.Info().Str("session_id", sessionID).Time("ended_at", endedAt).Msg("Impersonation session ended")
	}

	m.mu.Lock()
	if !m.status.State.IsTerminal() {
		next := m.status
		next.State = StateEnded
		next.EndedAt = endedAt
		next.LastError = err
		m.setLocked(next)
	}
	m.mu.Unlock()

	m.discardCredentials()
	m.finish(ctx, Outcome{Reason: EndReasonUser, SessionID: sessionID, EndedAt: endedAt, Err: err})
	return err
}

func (m *Monitor) discardCredentials() {
	if m.cfg.Credentials == nil {
		return
	}
	if err := m.cfg.Credentials.Discard(); err != nil {
		log.Error().Err(err).Msg("Failed to discard impersonation credentials")
	}
}

// finish runs the completion handler, or the default navigation, once.
func (m *Monitor) finish(ctx context.Context, outcome Outcome) {
	m.finishOnce.Do(func() {
		handler := m.cfg.OnComplete
		if handler == nil {
			handler = m.cfg.ReturnToAdmin
		}
		// Navigation must happen even when the caller's context is already done.
		handler(context.WithoutCancel(ctx), outcome)
	})
}

// setLocked stores s and notifies subscribers. m.mu must be held.
func (m *Monitor) setLocked(s Status) {
	m.status = s
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// IsCancelled reports whether err came from the monitor being torn down or
// the caller abandoning a poll.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
