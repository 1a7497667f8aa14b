package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juanfont/impersonate/client"
	"github.com/juanfont/impersonate/types"
)

var sessionStart = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
	endCalls  []string

	current func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error)
	end     func(ctx context.Context, sessionID string) (*types.EndSessionResponse, error)
}

func (f *fakeSource) GetCurrentSession(ctx context.Context) (*types.CurrentSessionSnapshot, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	return f.current(ctx, call)
}

func (f *fakeSource) EndSession(ctx context.Context, sessionID string) (*types.EndSessionResponse, error) {
	f.mu.Lock()
	f.endCalls = append(f.endCalls, sessionID)
	f.mu.Unlock()
	if f.end == nil {
		return &types.EndSessionResponse{Message: "ended", EndedAt: sessionStart.Add(time.Hour)}, nil
	}
	return f.end(ctx, sessionID)
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func snapshotAt(offset time.Duration) *types.CurrentSessionSnapshot {
	started := sessionStart
	expires := sessionStart.Add(120 * time.Minute)
	return &types.CurrentSessionSnapshot{
		IsImpersonation: true,
		SessionID:       "sess-1",
		AdminUserID:     "admin-a",
		TargetUserID:    "user-t",
		ServerTime:      sessionStart.Add(offset),
		StartedAt:       &started,
		ExpiresAt:       &expires,
	}
}

type recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recorder) handle(_ context.Context, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func TestRefreshUsesServerTimeAndDetectsExpiry(t *testing.T) {
	offsets := []time.Duration{119 * time.Minute, 120 * time.Minute}
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		return snapshotAt(offsets[call-1]), nil
	}}
	creds := client.NewMemoryCredentialStore()
	if err := creds.Save(&client.Credentials{AccessToken: "tok", SessionID: "sess-1", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("save credentials: %v", err)
	}
	rec := &recorder{}
	m := New(src, Config{Credentials: creds, ReturnToAdmin: rec.handle})
	defer m.Stop()

	st, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if st.State != StateInSession || st.Reading.RemainingMinutes != 1 || st.Reading.IsExpired {
		t.Fatalf("at T+119m unexpected status %+v", st)
	}
	if st.Approximate {
		t.Error("reading from authority-supplied window must not be approximate")
	}

	st, err = m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if st.State != StateExpired || st.Reading.RemainingMinutes != 0 || !st.Reading.IsExpired {
		t.Fatalf("at T+120m unexpected status %+v", st)
	}

	select {
	case <-m.Expired():
	default:
		t.Fatal("expected expiry signal")
	}

	if c, _ := creds.Load(); c != nil {
		t.Error("expected credentials to be discarded on expiry")
	}
	outcomes := rec.all()
	if len(outcomes) != 1 || outcomes[0].Reason != EndReasonExpired {
		t.Errorf("expected one expiry outcome, got %+v", outcomes)
	}

	// Terminal: no further polls are issued.
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh after expiry: %v", err)
	}
	if src.callCount() != 2 {
		t.Errorf("expected no poll after expiry, got %d calls", src.callCount())
	}
}

func TestExpiresAtIsAuthoritative(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		snap := snapshotAt(40 * time.Minute)
		short := sessionStart.Add(45 * time.Minute)
		snap.ExpiresAt = &short
		return snap, nil
	}}
	m := New(src, Config{ReturnToAdmin: func(context.Context, Outcome) {}})
	defer m.Stop()

	st, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.Reading.RemainingMinutes != 5 {
		t.Errorf("expected 5 minutes remaining from expires_at, got %d", st.Reading.RemainingMinutes)
	}
}

func TestTransportFailureKeepsLastReading(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		if call == 1 {
			return snapshotAt(90 * time.Minute), nil
		}
		return nil, types.NewError(types.KindTransport, "get_current_session", "connection refused", nil)
	}}
	m := New(src, Config{ReturnToAdmin: func(context.Context, Outcome) { t.Error("must not navigate on transport failure") }})
	defer m.Stop()

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	st, err := m.Refresh(context.Background())
	if !types.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if st.State != StateInSession {
		t.Errorf("expected to stay in session, got %s", st.State)
	}
	if st.Reading.RemainingMinutes != 30 {
		t.Errorf("expected last valid 30 remaining minutes, got %d", st.Reading.RemainingMinutes)
	}
	if !st.Stale || st.NeedsManualExit {
		t.Errorf("expected stale without manual exit, got %+v", st)
	}
	if st.Snapshot == nil {
		t.Error("expected last snapshot to be preserved")
	}
}

func TestTimeoutIsTreatedAsTransportFailure(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		if call == 1 {
			return snapshotAt(10 * time.Minute), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := New(src, Config{Timeout: 20 * time.Millisecond, ReturnToAdmin: func(context.Context, Outcome) {}})
	defer m.Stop()

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	st, err := m.Refresh(context.Background())
	if !types.IsRetryable(err) {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
	if st.State != StateInSession || !st.Stale {
		t.Errorf("expected stale in-session status, got %+v", st)
	}
}

func TestNonTransportErrorOffersManualExit(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		if call == 1 {
			return snapshotAt(time.Minute), nil
		}
		return nil, types.NewError(types.KindAuthorization, "get_current_session", "token revoked", nil)
	}}
	m := New(src, Config{ReturnToAdmin: func(context.Context, Outcome) {}})
	defer m.Stop()

	m.Refresh(context.Background())
	st, err := m.Refresh(context.Background())
	if !errors.Is(err, types.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if !st.NeedsManualExit || st.Stale {
		t.Errorf("expected manual exit flag, got %+v", st)
	}
	if st.State != StateInSession {
		t.Errorf("expected last known state kept, got %s", st.State)
	}
}

func TestPollsAreSerialized(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		if call == 1 {
			close(entered)
			<-release
			return snapshotAt(10 * time.Minute), nil
		}
		return snapshotAt(20 * time.Minute), nil
	}}
	m := New(src, Config{ReturnToAdmin: func(context.Context, Outcome) {}})
	defer m.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Refresh(context.Background())
	}()
	<-entered

	if got := m.Status().State; got != StateChecking {
		t.Errorf("expected checking while first poll is in flight, got %s", got)
	}

	secondDone := make(chan Status, 1)
	go func() {
		st, _ := m.Refresh(context.Background())
		secondDone <- st
	}()

	time.Sleep(50 * time.Millisecond)
	if n := src.callCount(); n != 1 {
		t.Fatalf("second poll issued while first in flight: %d calls", n)
	}

	close(release)
	wg.Wait()
	st := <-secondDone

	if src.maxActive != 1 {
		t.Errorf("expected at most one poll in flight, saw %d", src.maxActive)
	}
	if st.Reading.ElapsedMinutes != 20 || m.Status().Reading.ElapsedMinutes != 20 {
		t.Errorf("expected newest snapshot applied last, got %+v", m.Status().Reading)
	}
}

func TestTickSkipsWhilePollInFlight(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		return snapshotAt(time.Minute), nil
	}}
	m := New(src, Config{ReturnToAdmin: func(context.Context, Outcome) {}})
	defer m.Stop()

	m.inflight.Store(true)
	m.tick(context.Background())
	if src.callCount() != 0 {
		t.Fatalf("tick polled while another poll was in flight")
	}

	m.inflight.Store(false)
	m.tick(context.Background())
	if src.callCount() != 1 {
		t.Fatalf("expected tick to poll, got %d calls", src.callCount())
	}
}

func TestStartPollsOnInterval(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		return snapshotAt(time.Duration(call) * time.Minute), nil
	}}
	m := New(src, Config{Interval: 10 * time.Millisecond, ReturnToAdmin: func(context.Context, Outcome) {}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	deadline := time.After(2 * time.Second)
	for src.callCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected repeated polls, got %d", src.callCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	m.Stop()

	n := src.callCount()
	time.Sleep(40 * time.Millisecond)
	if src.callCount() != n {
		t.Errorf("polling continued after Stop")
	}
}

func TestStopCancelsPendingPoll(t *testing.T) {
	entered := make(chan struct{})
	cancelled := make(chan struct{})
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		close(entered)
		<-ctx.Done()
		close(cancelled)
		return snapshotAt(time.Minute), nil
	}}
	m := New(src, Config{Interval: time.Hour, ReturnToAdmin: func(context.Context, Outcome) {}})
	updates, _ := m.Subscribe()

	m.Start(context.Background())
	<-entered
	<-updates // checking

	m.Stop()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("pending poll was not cancelled")
	}
	if st := m.Status(); st.State != StateIdle || st.Snapshot != nil {
		t.Errorf("cancelled poll must not update state, got %+v", st)
	}
	for st := range updates {
		if st.Snapshot != nil {
			t.Errorf("cancelled poll result was published: %+v", st)
		}
	}
}

func TestEndFallsBackToReturnToAdminOnFailure(t *testing.T) {
	src := &fakeSource{
		current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
			return snapshotAt(5 * time.Minute), nil
		},
		end: func(ctx context.Context, sessionID string) (*types.EndSessionResponse, error) {
			return nil, types.NewError(types.KindTransport, "end_session", "unreachable", nil)
		},
	}
	creds := client.NewMemoryCredentialStore()
	creds.Save(&client.Credentials{AccessToken: "tok", SessionID: "sess-1", ExpiresAt: time.Now().Add(time.Hour)})
	rec := &recorder{}
	m := New(src, Config{Credentials: creds, ReturnToAdmin: rec.handle})
	defer m.Stop()

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	err := m.End(context.Background())
	if !types.IsRetryable(err) {
		t.Fatalf("expected end error to be returned, got %v", err)
	}
	outcomes := rec.all()
	if len(outcomes) != 1 || outcomes[0].Reason != EndReasonUser || outcomes[0].Err == nil {
		t.Fatalf("expected navigation with end error, got %+v", outcomes)
	}
	if c, _ := creds.Load(); c != nil {
		t.Error("expected credentials discarded even though end failed")
	}
	if m.Status().State != StateEnded {
		t.Errorf("expected ended state, got %s", m.Status().State)
	}
	if len(src.endCalls) != 1 || src.endCalls[0] != "sess-1" {
		t.Errorf("unexpected end calls %v", src.endCalls)
	}
}

func TestEndUsesCustomCompletionHandler(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		return snapshotAt(5 * time.Minute), nil
	}}
	custom := &recorder{}
	m := New(src, Config{
		OnComplete:    custom.handle,
		ReturnToAdmin: func(context.Context, Outcome) { t.Error("default navigation must not run with a custom handler") },
	})
	defer m.Stop()

	m.Refresh(context.Background())
	if err := m.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	outcomes := custom.all()
	if len(outcomes) != 1 || !outcomes[0].EndedAt.Equal(sessionStart.Add(time.Hour)) {
		t.Errorf("expected completion with authority ended_at, got %+v", outcomes)
	}
}

func TestRemoteEndNavigatesBack(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		if call == 1 {
			return snapshotAt(5 * time.Minute), nil
		}
		return nil, nil
	}}
	creds := client.NewMemoryCredentialStore()
	creds.Save(&client.Credentials{AccessToken: "tok", SessionID: "sess-1", ExpiresAt: time.Now().Add(time.Hour)})
	rec := &recorder{}
	m := New(src, Config{Credentials: creds, ReturnToAdmin: rec.handle})
	defer m.Stop()

	m.Refresh(context.Background())
	st, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.State != StateNotInSession {
		t.Fatalf("expected not in session, got %s", st.State)
	}
	outcomes := rec.all()
	if len(outcomes) != 1 || outcomes[0].Reason != EndReasonRemote || outcomes[0].SessionID != "sess-1" {
		t.Errorf("expected remote end outcome, got %+v", outcomes)
	}
	if c, _ := creds.Load(); c != nil {
		t.Error("expected credentials discarded after remote end")
	}
}

func TestNoSessionFromStartDoesNotNavigate(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		return nil, nil
	}}
	m := New(src, Config{ReturnToAdmin: func(context.Context, Outcome) { t.Error("unexpected navigation") }})
	defer m.Stop()

	st, err := m.Refresh(context.Background())
	if err != nil || st.State != StateNotInSession {
		t.Fatalf("expected not in session, got %+v, %v", st, err)
	}
}

func TestMissingWindowFallsBackToApproximateClock(t *testing.T) {
	local := sessionStart.Add(3 * time.Minute)
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		return &types.CurrentSessionSnapshot{IsImpersonation: true, AdminUserID: "a", TargetUserID: "t"}, nil
	}}
	m := New(src, Config{
		MaxDuration:   30 * time.Minute,
		Now:           func() time.Time { return local },
		ReturnToAdmin: func(context.Context, Outcome) {},
	})
	defer m.Stop()

	st, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !st.Approximate || st.Reading.RemainingMinutes != 30 {
		t.Fatalf("expected approximate 30 minute reading, got %+v", st)
	}

	local = local.Add(10 * time.Minute)
	st, _ = m.Refresh(context.Background())
	if st.Reading.RemainingMinutes != 20 {
		t.Errorf("expected first-seen time to anchor the window, got %+v", st.Reading)
	}
}

func TestSubscribeReceivesLatestStatus(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		return snapshotAt(time.Duration(call) * time.Minute), nil
	}}
	m := New(src, Config{ReturnToAdmin: func(context.Context, Outcome) {}})
	defer m.Stop()

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		m.Refresh(context.Background())
	}

	st := <-updates
	if st.State != StateInSession || st.Reading.ElapsedMinutes != 3 {
		t.Errorf("expected latest status only, got %+v", st)
	}
}

func expiryOnlySnapshot(serverTime time.Time) *types.CurrentSessionSnapshot {
	expires := sessionStart.Add(120 * time.Minute)
	return &types.CurrentSessionSnapshot{
		IsImpersonation: true,
		SessionID:       "sess-1",
		AdminUserID:     "admin-a",
		TargetUserID:    "user-t",
		ServerTime:      serverTime,
		ExpiresAt:       &expires,
	}
}

func TestExpiresAtWithoutStartDetectsExpiry(t *testing.T) {
	expires := sessionStart.Add(120 * time.Minute)
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		return expiryOnlySnapshot(expires.Add(time.Minute)), nil
	}}
	creds := client.NewMemoryCredentialStore()
	if err := creds.Save(&client.Credentials{AccessToken: "tok", SessionID: "sess-1", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("save credentials: %v", err)
	}
	rec := &recorder{}
	m := New(src, Config{Credentials: creds, ReturnToAdmin: rec.handle})
	defer m.Stop()

	st, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.State != StateExpired || !st.Reading.IsExpired || st.NeedsManualExit {
		t.Fatalf("expected expired status, got %+v", st)
	}
	if !st.Approximate || !st.ExpiresAt.Equal(expires) {
		t.Errorf("expected approximate reading ending at expires_at, got %+v", st)
	}
	select {
	case <-m.Expired():
	default:
		t.Fatal("expected expiry signal")
	}
	if c, _ := creds.Load(); c != nil {
		t.Error("expected credentials to be discarded on expiry")
	}
	if outcomes := rec.all(); len(outcomes) != 1 || outcomes[0].Reason != EndReasonExpired {
		t.Errorf("expected one expiry outcome, got %+v", outcomes)
	}
}

func TestExpiresAtWithoutStartUnderOneMinuteLeft(t *testing.T) {
	expires := sessionStart.Add(120 * time.Minute)
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		return expiryOnlySnapshot(expires.Add(-30 * time.Second)), nil
	}}
	m := New(src, Config{ReturnToAdmin: func(context.Context, Outcome) {}})
	defer m.Stop()

	st, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.State != StateInSession || st.Reading.RemainingMinutes != 1 || st.NeedsManualExit {
		t.Fatalf("expected one minute remaining, got %+v", st)
	}
	if !st.Approximate {
		t.Error("reading without started_at must be approximate")
	}
}

func TestLocalClockBehindStartIsClamped(t *testing.T) {
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		snap := snapshotAt(0)
		snap.ServerTime = time.Time{}
		return snap, nil
	}}
	m := New(src, Config{
		Now:           func() time.Time { return sessionStart.Add(-5 * time.Second) },
		ReturnToAdmin: func(context.Context, Outcome) {},
	})
	defer m.Stop()

	st, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.State != StateInSession || st.NeedsManualExit {
		t.Fatalf("expected in session, got %+v", st)
	}
	if !st.Approximate || st.Reading.RemainingMinutes != 120 {
		t.Errorf("expected approximate full window, got %+v", st)
	}
}

func TestRefreshAbandonedByCallerIsCancelled(t *testing.T) {
	entered := make(chan struct{})
	src := &fakeSource{current: func(ctx context.Context, call int) (*types.CurrentSessionSnapshot, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := New(src, Config{ReturnToAdmin: func(context.Context, Outcome) {}})
	defer m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	st, err := m.Refresh(ctx)
	if !IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if st.State != StateIdle || st.NeedsManualExit {
		t.Errorf("abandoned poll must leave the state untouched, got %+v", st)
	}
	if IsCancelled(types.NewError(types.KindTransport, "poll", "down", nil)) {
		t.Error("transport failure reported as cancellation")
	}
}
