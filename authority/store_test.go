package authority

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juanfont/impersonate/types"
)

func TestTransitionAppliesSessionRules(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	resp := f.start(f.adminA, f.target, types.StartSessionRequest{})
	id := uuid.MustParse(resp.SessionID)
	at := f.clock().Add(10 * time.Minute)

	entry := func() *types.AuditLogEntry {
		e := types.NewAuditLogEntry(types.ActionImpersonationTerminated, f.adminB.ID)
		e.SessionID = types.NullUUID{UUID: id, Valid: true}
		e.CreatedAt = at
		return e
	}

	_, changed, err := f.store.Transition(ctx, id, TerminateTransition(at, f.adminA.ID, "", entry()))
	if !errors.Is(err, types.ErrConflict) || changed {
		t.Fatalf("terminate by owning admin: changed=%v err=%v, want conflict", changed, err)
	}
	if got := f.session(resp.SessionID); got.Status != types.SessionStatusActive || got.EndedAt.Valid {
		t.Fatalf("rejected terminate changed the session: %+v", got)
	}

	s, changed, err := f.store.Transition(ctx, id, TerminateTransition(at, f.adminB.ID, "audit", entry()))
	if err != nil || !changed {
		t.Fatalf("terminate: changed=%v err=%v", changed, err)
	}
	if s.Status != types.SessionStatusTerminated || !s.EndedAt.Time.Equal(at) {
		t.Errorf("terminated session = %+v", s)
	}

	stored := f.session(resp.SessionID)
	if stored.TerminatedByAdminID.UUID != f.adminB.ID || stored.TerminationReason.String != "audit" {
		t.Errorf("stored termination = %+v", stored)
	}

	later := at.Add(time.Hour)
	s, changed, err = f.store.Transition(ctx, id, ExpireTransition(later, entry()))
	if err != nil || changed {
		t.Fatalf("expire after terminate: changed=%v err=%v, want no-op", changed, err)
	}
	if s.Status != types.SessionStatusTerminated || !s.EndedAt.Time.Equal(at) {
		t.Errorf("no-op transition must return the stored record, got %+v", s)
	}
	if n := len(f.audit(id, types.ActionImpersonationTerminated)); n != 1 {
		t.Errorf("terminated audit entries = %d, want 1", n)
	}
}

func TestTransitionUnknownSession(t *testing.T) {
	f := newFixture(t, Config{})
	_, _, err := f.store.Transition(context.Background(), uuid.New(), EndTransition(f.clock(), nil))
	if types.KindOf(err) != types.KindNotFound {
		t.Errorf("err = %v, want not found", err)
	}
}
