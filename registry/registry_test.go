package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juanfont/impersonate/types"
)

type fakeSource struct {
	listCalls atomic.Int32
	listGate  chan struct{}
	sessions  []types.ActiveSession

	mu        sync.Mutex
	gates     map[string]chan error
	started   chan string
	terminate []string
}

func (f *fakeSource) ListActiveSessions(ctx context.Context) ([]types.ActiveSession, error) {
	f.listCalls.Add(1)
	if f.listGate != nil {
		<-f.listGate
	}
	return f.sessions, nil
}

func (f *fakeSource) TerminateSession(ctx context.Context, sessionID, reason string) error {
	f.mu.Lock()
	f.terminate = append(f.terminate, sessionID)
	gate := f.gates[sessionID]
	f.mu.Unlock()

	if f.started != nil {
		f.started <- sessionID
	}
	if gate == nil {
		return nil
	}
	return <-gate
}

func mixedSessions() []types.ActiveSession {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ended := now.Add(-time.Minute)
	return []types.ActiveSession{
		{SessionID: "active-1", AdminUserID: "admin-a", Status: types.SessionStatusActive, StartedAt: now, ExpiresAt: now.Add(2 * time.Hour), RemainingMinutes: 120},
		{SessionID: "expired-1", AdminUserID: "admin-c", Status: types.SessionStatusExpired, StartedAt: now.Add(-3 * time.Hour), ExpiresAt: ended, EndedAt: &ended},
	}
}

func TestRowsEnableTerminateOnlyForActive(t *testing.T) {
	r := New(&fakeSource{sessions: mixedSessions()}, 0)

	rows, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, row := range rows {
		want := row.Session.Status == types.SessionStatusActive
		if row.CanTerminate != want {
			t.Errorf("row %s (%s): CanTerminate = %v, want %v", row.Session.SessionID, row.Session.Status, row.CanTerminate, want)
		}
	}
}

func TestTerminateNonActiveRowIsRejected(t *testing.T) {
	src := &fakeSource{sessions: mixedSessions()}
	r := New(src, 0)
	r.Refresh(context.Background())

	err := r.Terminate(context.Background(), "expired-1", "cleanup")
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(src.terminate) != 0 {
		t.Errorf("no terminate call expected, got %v", src.terminate)
	}
}

func TestConcurrentRefreshesShareOneRequest(t *testing.T) {
	src := &fakeSource{sessions: mixedSessions(), listGate: make(chan struct{})}
	r := New(src, 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Refresh(context.Background()); err != nil {
				t.Errorf("refresh: %v", err)
			}
		}()
	}

	deadline := time.After(time.Second)
	for src.listCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("list was never called")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(src.listGate)
	wg.Wait()

	if n := src.listCalls.Load(); n != 1 {
		t.Errorf("expected a single list request, got %d", n)
	}
	if len(r.Rows()) != 2 {
		t.Errorf("expected rows to be populated")
	}
}

func TestRefreshCallerCanStopWaiting(t *testing.T) {
	src := &fakeSource{listGate: make(chan struct{})}
	defer close(src.listGate)
	r := New(src, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Refresh(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTerminationsAreTrackedPerSession(t *testing.T) {
	sessions := []types.ActiveSession{
		{SessionID: "s1", Status: types.SessionStatusActive},
		{SessionID: "s2", Status: types.SessionStatusActive},
	}
	src := &fakeSource{
		sessions: sessions,
		gates:    map[string]chan error{"s1": make(chan error), "s2": make(chan error)},
		started:  make(chan string, 4),
	}
	r := New(src, 0)
	r.Refresh(context.Background())

	results := make(map[string]chan error)
	for _, id := range []string{"s1", "s2"} {
		done := make(chan error, 1)
		results[id] = done
		go func(id string) { done <- r.Terminate(context.Background(), id, "policy") }(id)
	}
	<-src.started
	<-src.started

	// Both are pending; neither blocks the other.
	for _, row := range r.Rows() {
		if !row.Terminating || row.CanTerminate {
			t.Errorf("row %s: expected pending termination, got %+v", row.Session.SessionID, row)
		}
	}

	if err := r.Terminate(context.Background(), "s1", "again"); !errors.Is(err, ErrTerminationInFlight) {
		t.Errorf("expected in-flight error for duplicate, got %v", err)
	}

	src.gates["s2"] <- nil
	if err := <-results["s2"]; err != nil {
		t.Fatalf("terminate s2: %v", err)
	}

	rows := r.Rows()
	if !rows[0].Terminating {
		t.Error("s1 must still be terminating after s2 completes")
	}
	if rows[1].Session.Status != types.SessionStatusTerminated || rows[1].CanTerminate || rows[1].Terminating {
		t.Errorf("s2 should read terminated locally, got %+v", rows[1])
	}

	failure := types.NewError(types.KindNotFound, "terminate_session", "session not found", nil)
	src.gates["s1"] <- failure
	if err := <-results["s1"]; !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found for s1, got %v", err)
	}
	rows = r.Rows()
	if rows[0].LastError == nil || !rows[0].CanTerminate {
		t.Errorf("failed termination should leave row terminable with error, got %+v", rows[0])
	}
}

func TestRefreshReplacesLocalTerminatedMark(t *testing.T) {
	src := &fakeSource{sessions: []types.ActiveSession{{SessionID: "s1", Status: types.SessionStatusActive}}}
	r := New(src, 0)
	r.Refresh(context.Background())

	if err := r.Terminate(context.Background(), "s1", ""); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if r.Rows()[0].Session.Status != types.SessionStatusTerminated {
		t.Fatal("expected local terminated mark")
	}

	src.sessions = nil
	rows, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected authority view after refresh, got %+v", rows)
	}
}

func TestStaleRefreshKeepsTerminatedMark(t *testing.T) {
	src := &fakeSource{sessions: mixedSessions()}
	r := New(src, 0)
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	src.listGate = make(chan struct{})
	done := make(chan []Row)
	go func() {
		rows, err := r.Refresh(context.Background())
		if err != nil {
			t.Errorf("stale refresh: %v", err)
		}
		done <- rows
	}()

	deadline := time.After(time.Second)
	for src.listCalls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("second list was never called")
		case <-time.After(time.Millisecond):
		}
	}

	if err := r.Terminate(context.Background(), "active-1", "done"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	close(src.listGate)

	rows := <-done
	if rows[0].Session.Status != types.SessionStatusTerminated || rows[0].CanTerminate {
		t.Fatalf("listing fetched before termination revived the row: %+v", rows[0])
	}
	if rows[0].Session.TerminationReason != "done" {
		t.Errorf("termination reason = %q", rows[0].Session.TerminationReason)
	}

	src.listGate = nil
	rows, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rows[0].Session.Status != types.SessionStatusActive {
		t.Errorf("listing fetched after termination must win, got %+v", rows[0].Session)
	}
}
