package trustgraph

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/Coali-Network/trust_engine/internal/domain/user"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/storage/memory"
)

func newFixture(t *testing.T, ids ...string) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	for _, id := range ids {
		if _, err := store.CreateUser(context.Background(), user.User{ID: id, Tier: 1}); err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}
	return New(store, store, Config{}, nil), store
}

func sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func TestService_AddTrust(t *testing.T) {
	svc, store := newFixture(t, "a", "b")

	affected, err := svc.AddTrust(context.Background(), "a", "b", time.Now())
	if err != nil {
		t.Fatalf("add trust: %v", err)
	}
	if len(affected) != 1 || affected[0] != "b" {
		t.Fatalf("expected affected [b], got %v", affected)
	}

	e, err := store.GetTrustEdge(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("edge not stored: %v", err)
	}
	if !e.Active {
		t.Fatalf("edge should be active")
	}

	// Re-adding the same edge is a no-op.
	affected, err = svc.AddTrust(context.Background(), "a", "b", time.Now())
	if err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
	if len(affected) != 0 {
		t.Fatalf("duplicate add must not mark anyone dirty: %v", affected)
	}
}

func TestService_AddTrustValidation(t *testing.T) {
	svc, _ := newFixture(t, "a", "b")

	if _, err := svc.AddTrust(context.Background(), "a", "a", time.Now()); !faults.IsValidation(err) {
		t.Fatalf("self-trust: expected validation error, got %v", err)
	}
	if _, err := svc.AddTrust(context.Background(), "a", "ghost", time.Now()); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("unknown trusted: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.AddTrust(context.Background(), "", "b", time.Now()); !faults.IsValidation(err) {
		t.Fatalf("empty truster: expected validation error, got %v", err)
	}
}

func TestService_RevokeTrust(t *testing.T) {
	svc, store := newFixture(t, "a", "b", "c")
	if _, err := svc.AddTrust(context.Background(), "a", "b", time.Now()); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.AddTrust(context.Background(), "b", "c", time.Now()); err != nil {
		t.Fatalf("add: %v", err)
	}

	affected, err := svc.RevokeTrust(context.Background(), "a", "b", time.Now())
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	want := []string{"b", "c"}
	if got := sorted(affected); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected affected %v, got %v", want, got)
	}

	e, err := store.GetTrustEdge(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("edge lookup: %v", err)
	}
	if e.Active || e.RevokedAt == nil {
		t.Fatalf("revoked edge must be inactive with a revocation time")
	}

	// Revoking again, or revoking a missing edge, is a no-op.
	if affected, err := svc.RevokeTrust(context.Background(), "a", "b", time.Now()); err != nil || len(affected) != 0 {
		t.Fatalf("double revoke: %v %v", affected, err)
	}
	if affected, err := svc.RevokeTrust(context.Background(), "c", "a", time.Now()); err != nil || len(affected) != 0 {
		t.Fatalf("missing edge revoke: %v %v", affected, err)
	}
}

func TestService_RetrustReactivatesEdge(t *testing.T) {
	svc, store := newFixture(t, "a", "b")
	if _, err := svc.AddTrust(context.Background(), "a", "b", time.Now()); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.RevokeTrust(context.Background(), "a", "b", time.Now()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.AddTrust(context.Background(), "a", "b", time.Now()); err != nil {
		t.Fatalf("retrust: %v", err)
	}

	e, err := store.GetTrustEdge(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("edge lookup: %v", err)
	}
	if !e.Active || e.RevokedAt != nil {
		t.Fatalf("retrusted edge must be active with revocation cleared")
	}
}

func TestService_SetVerificationTier(t *testing.T) {
	svc, store := newFixture(t, "a", "b", "c")
	if _, err := svc.AddTrust(context.Background(), "a", "b", time.Now()); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.AddTrust(context.Background(), "b", "c", time.Now()); err != nil {
		t.Fatalf("add: %v", err)
	}

	// a's tier change reweights a->b, affecting b and its downstream c.
	affected, err := svc.SetVerificationTier(context.Background(), "a", 3)
	if err != nil {
		t.Fatalf("set tier: %v", err)
	}
	got := sorted(affected)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected affected [b c], got %v", got)
	}
	u, _ := store.GetUser(context.Background(), "a")
	if u.Tier != 3 {
		t.Fatalf("tier not persisted: %d", u.Tier)
	}

	// Same tier again is a no-op.
	if affected, err := svc.SetVerificationTier(context.Background(), "a", 3); err != nil || len(affected) != 0 {
		t.Fatalf("idempotent tier set: %v %v", affected, err)
	}

	if _, err := svc.SetVerificationTier(context.Background(), "a", 9); !faults.IsValidation(err) {
		t.Fatalf("out-of-range tier: expected validation error, got %v", err)
	}
}

func TestService_AffectedSetHonorsHopBound(t *testing.T) {
	_, store := newFixture(t, "a", "b", "c", "d", "e")
	svc := New(store, store, Config{HopBound: 2}, nil)
	pairs := [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "e"}}
	for _, p := range pairs {
		if _, err := svc.AddTrust(context.Background(), p[0], p[1], time.Now()); err != nil {
			t.Fatalf("add %v: %v", p, err)
		}
	}

	affected, err := svc.AddTrust(context.Background(), "e", "a", time.Now())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	got := sorted(affected)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected 2-hop set [a b c], got %v", got)
	}
}
