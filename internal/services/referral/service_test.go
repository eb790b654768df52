package referral

import (
	"context"
	"testing"
	"time"

	"github.com/Coali-Network/trust_engine/internal/domain/referral"
	"github.com/Coali-Network/trust_engine/internal/domain/user"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/storage/memory"
)

func newFixture(t *testing.T, ids ...string) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	for _, id := range ids {
		if _, err := store.CreateUser(context.Background(), user.User{ID: id}); err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}
	return New(store, store, nil), store
}

func TestService_RecordReferralGenerations(t *testing.T) {
	svc, _ := newFixture(t, "root", "g1", "g2", "g3", "g4")

	chain := [][2]string{{"root", "g1"}, {"g1", "g2"}, {"g2", "g3"}, {"g3", "g4"}}
	wantGen := []int{1, 2, 3, 3}
	for i, pair := range chain {
		edge, err := svc.RecordReferral(context.Background(), pair[0], pair[1], time.Now())
		if err != nil {
			t.Fatalf("record %v: %v", pair, err)
		}
		if edge.Generation != wantGen[i] {
			t.Fatalf("%v: expected generation %d, got %d", pair, wantGen[i], edge.Generation)
		}
	}
}

func TestService_RecordReferralValidation(t *testing.T) {
	svc, _ := newFixture(t, "a", "b", "c")

	if _, err := svc.RecordReferral(context.Background(), "a", "a", time.Now()); !faults.IsValidation(err) {
		t.Fatalf("self-referral: expected validation error, got %v", err)
	}

	if _, err := svc.RecordReferral(context.Background(), "a", "b", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	// An invitee's inviter is fixed; a second edge is rejected.
	if _, err := svc.RecordReferral(context.Background(), "c", "b", time.Now()); !faults.IsValidation(err) {
		t.Fatalf("second inviter: expected validation error, got %v", err)
	}
}

func TestService_Ancestors(t *testing.T) {
	svc, _ := newFixture(t, "root", "g1", "g2", "g3")
	for _, pair := range [][2]string{{"root", "g1"}, {"g1", "g2"}, {"g2", "g3"}} {
		if _, err := svc.RecordReferral(context.Background(), pair[0], pair[1], time.Now()); err != nil {
			t.Fatalf("record %v: %v", pair, err)
		}
	}

	ancestors, err := svc.Ancestors(context.Background(), "g3")
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	want := []referral.Ancestor{
		{UserID: "g2", Generation: 1},
		{UserID: "g1", Generation: 2},
		{UserID: "root", Generation: 3},
	}
	if len(ancestors) != len(want) {
		t.Fatalf("expected %d ancestors, got %d", len(want), len(ancestors))
	}
	for i, a := range ancestors {
		if a != want[i] {
			t.Fatalf("ancestor %d: expected %+v, got %+v", i, want[i], a)
		}
	}

	// A root has no ancestors.
	none, err := svc.Ancestors(context.Background(), "root")
	if err != nil {
		t.Fatalf("root ancestors: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("root should have no ancestors, got %v", none)
	}
}

func TestService_AncestorsDetectsCycle(t *testing.T) {
	svc, store := newFixture(t, "a", "b")

	// Bypass the service to corrupt the chain into a two-cycle.
	for _, e := range []referral.Edge{
		{InviterID: "a", InviteeID: "b", Generation: 1},
		{InviterID: "b", InviteeID: "a", Generation: 1},
	} {
		if _, err := store.CreateReferralEdge(context.Background(), e); err != nil {
			t.Fatalf("seed edge: %v", err)
		}
	}

	if _, err := svc.Ancestors(context.Background(), "a"); !faults.IsConsistency(err) {
		t.Fatalf("expected consistency error, got %v", err)
	}
}
