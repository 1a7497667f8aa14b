package types

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestSession(t *testing.T, startedAt time.Time) *ImpersonationSession {
	t.Helper()
	return NewImpersonationSession(uuid.New(), uuid.New(), "tenant-1", "support ticket 42", startedAt, DefaultMaxDuration)
}

func TestNewImpersonationSessionFixesExpiry(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newTestSession(t, start)

	if s.Status != SessionStatusActive {
		t.Fatalf("expected active status, got %s", s.Status)
	}
	if want := start.Add(120 * time.Minute); !s.ExpiresAt.Equal(want) {
		t.Errorf("expected expires_at %v, got %v", want, s.ExpiresAt)
	}
	if s.EndedAt.Valid {
		t.Error("expected ended_at unset on a new session")
	}
	if !s.TargetTenantID.Valid || s.TargetTenantID.String != "tenant-1" {
		t.Errorf("expected tenant id to be recorded, got %+v", s.TargetTenantID)
	}
}

func TestStatusAtReportsExpiryBeforeRecordUpdate(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newTestSession(t, start)

	if got := s.StatusAt(start.Add(119 * time.Minute)); got != SessionStatusActive {
		t.Errorf("at T+119m expected active, got %s", got)
	}
	if got := s.StatusAt(start.Add(120 * time.Minute)); got != SessionStatusExpired {
		t.Errorf("at T+120m expected expired, got %s", got)
	}
	if s.Status != SessionStatusActive {
		t.Error("StatusAt must not mutate the record")
	}
}

func TestTransitionsAreMonotone(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	other := uuid.New()

	tests := []struct {
		name  string
		first func(s *ImpersonationSession) error
		want  SessionStatus
	}{
		{"expire", func(s *ImpersonationSession) error { return s.Expire(start.Add(2 * time.Hour)) }, SessionStatusExpired},
		{"terminate", func(s *ImpersonationSession) error { return s.Terminate(start.Add(time.Minute), other, "abuse") }, SessionStatusTerminated},
		{"end", func(s *ImpersonationSession) error { return s.End(start.Add(time.Minute)) }, SessionStatusTerminated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, start)
			if err := tt.first(s); err != nil {
				t.Fatalf("first transition: %v", err)
			}
			if s.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, s.Status)
			}
			endedAt := s.EndedAt.Time

			later := start.Add(3 * time.Hour)
			for _, next := range []func() error{
				func() error { return s.Expire(later) },
				func() error { return s.Terminate(later, other, "again") },
				func() error { return s.End(later) },
			} {
				err := next()
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
			}
			if s.Status != tt.want {
				t.Errorf("status changed after final state: %s", s.Status)
			}
			if !s.EndedAt.Time.Equal(endedAt) {
				t.Errorf("ended_at overwritten: %v -> %v", endedAt, s.EndedAt.Time)
			}
		})
	}
}

func TestTerminateRecordsOtherAdmin(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newTestSession(t, start)
	adminB := uuid.New()

	if err := s.Terminate(start.Add(5*time.Minute), adminB, "customer request"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if s.TerminatedByAdminID.UUID != adminB {
		t.Errorf("expected terminated_by %s, got %s", adminB, s.TerminatedByAdminID.UUID)
	}
	if s.TerminatedByAdminID.UUID == s.AdminUserID {
		t.Error("terminating admin must differ from session admin")
	}
	if s.TerminationReason.String != "customer request" {
		t.Errorf("unexpected termination reason %q", s.TerminationReason.String)
	}
}

func TestTerminateBySessionOwnerIsConflict(t *testing.T) {
	s := newTestSession(t, time.Now())
	err := s.Terminate(time.Now(), s.AdminUserID, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if s.Status != SessionStatusActive {
		t.Errorf("expected session to stay active, got %s", s.Status)
	}
}

func TestViewComputesStatusAtQueryTime(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newTestSession(t, start)

	active := s.View(start.Add(30 * time.Minute))
	if active.Status != SessionStatusActive || !active.IsTerminable() {
		t.Errorf("expected terminable active row, got %+v", active)
	}
	if active.RemainingMinutes != 90 {
		t.Errorf("expected 90 remaining minutes, got %d", active.RemainingMinutes)
	}

	expired := s.View(start.Add(121 * time.Minute))
	if expired.Status != SessionStatusExpired || expired.IsTerminable() {
		t.Errorf("expected non-terminable expired row, got %+v", expired)
	}
}

func TestSessionStatusClassification(t *testing.T) {
	tests := []struct {
		status SessionStatus
		valid  bool
		final  bool
	}{
		{SessionStatusActive, true, false},
		{SessionStatusExpired, true, true},
		{SessionStatusTerminated, true, true},
		{SessionStatus("paused"), false, false},
	}
	for _, tt := range tests {
		if got := tt.status.IsValid(); got != tt.valid {
			t.Errorf("%q.IsValid() = %v, want %v", tt.status, got, tt.valid)
		}
		if got := tt.status.IsFinal(); got != tt.final {
			t.Errorf("%q.IsFinal() = %v, want %v", tt.status, got, tt.final)
		}
	}
}
