package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Coali-Network/trust_engine/internal/domain/trust"
	"github.com/Coali-Network/trust_engine/internal/domain/user"
	"github.com/Coali-Network/trust_engine/internal/ingest"
	leaderboardsvc "github.com/Coali-Network/trust_engine/internal/services/leaderboard"
	referralsvc "github.com/Coali-Network/trust_engine/internal/services/referral"
	rewardsvc "github.com/Coali-Network/trust_engine/internal/services/rewards"
	"github.com/Coali-Network/trust_engine/internal/services/scoring"
	"github.com/Coali-Network/trust_engine/internal/services/trustgraph"
	"github.com/Coali-Network/trust_engine/internal/storage/memory"
)

func newTestHandler(t *testing.T) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"alice", "bob", "carol"} {
		if _, err := store.CreateUser(ctx, user.User{ID: id, Tier: 1, CreatedAt: base}); err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}
	for _, pair := range [][2]string{{"alice", "bob"}, {"carol", "bob"}} {
		_, err := store.PutTrustEdge(ctx, trust.Edge{TrusterID: pair[0], TrustedID: pair[1], Active: true, CreatedAt: base})
		if err != nil {
			t.Fatalf("edge %v: %v", pair, err)
		}
	}

	trustSvc := trustgraph.New(store, store, trustgraph.Config{}, nil)
	refs := referralsvc.New(store, store, nil)
	rewards := rewardsvc.New(refs, store, nil)
	scorer := scoring.New(store, store, store, scoring.Config{}, nil)
	if err := scorer.RecomputeFull(ctx); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	recomputer := scoring.NewRecomputer(scorer, scoring.RecomputerConfig{}, nil)
	dispatcher := ingest.New(trustSvc, refs, rewards, recomputer, ingest.Config{}, nil)
	if err := dispatcher.Start(ctx); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(func() { _ = dispatcher.Stop(context.Background()) })

	boards := leaderboardsvc.New(scorer, store, store, nil, nil)
	if err := boards.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild boards: %v", err)
	}

	return NewHandler(dispatcher, scorer, rewards, boards, nil), store
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Healthz(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_SubmitEvent(t *testing.T) {
	h, store := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/events",
		`{"id":"e1","type":"trust_given","truster":"bob","trusted":"carol","ts":"2026-02-01T00:00:00Z"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, err := store.GetTrustEdge(context.Background(), "bob", "carol"); err == nil && e.Active {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event not applied")
}

func TestHandler_SubmitEventRejectsBadPayloads(t *testing.T) {
	h, _ := newTestHandler(t)

	// missing required fields for the type
	rec := doRequest(t, h, http.MethodPost, "/events", `{"id":"e1","type":"trust_given","ts":"2026-02-01T00:00:00Z"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	// unknown fields are rejected outright
	rec = doRequest(t, h, http.MethodPost, "/events", `{"type":"trust_given","truster":"a","trusted":"b","bogus":1,"ts":"2026-02-01T00:00:00Z"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestHandler_UserScore(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/users/bob/score", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp scoreResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UserID != "bob" {
		t.Fatalf("unexpected user: %s", resp.UserID)
	}
	if resp.Value <= 0 {
		t.Fatalf("endorsed user must have a positive score: %v", resp.Value)
	}
	if resp.Stale {
		t.Fatalf("fresh score must not be stale")
	}

	rec = doRequest(t, h, http.MethodGet, "/users/ghost/score", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user: expected 404, got %d", rec.Code)
	}
}

func TestHandler_UserSupporters(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/users/bob/supporters?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Supporters []struct {
			UserID string  `json:"user_id"`
			Weight float64 `json:"weight"`
		} `json:"supporters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Supporters) != 1 {
		t.Fatalf("limit not honored: %+v", resp.Supporters)
	}
}

func TestHandler_UserQuality(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/users/bob/quality", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		UserID              string  `json:"user_id"`
		StrongAvgWeight     float64 `json:"strong_avg_weight"`
		RegularAvgWeight    float64 `json:"regular_avg_weight"`
		KRegular            float64 `json:"k_regular"`
		StrongEqualsRegular int     `json:"strong_equals_regular"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UserID != "bob" {
		t.Fatalf("unexpected user: %s", resp.UserID)
	}
	// alice and carol are tier-1 trusters sitting below the top decile, so
	// the regular average is populated and no strong truster exists.
	if resp.RegularAvgWeight <= 0 {
		t.Fatalf("expected a positive regular average, got %v", resp.RegularAvgWeight)
	}
	if resp.StrongAvgWeight != 0 || resp.KRegular != 0 || resp.StrongEqualsRegular != 0 {
		t.Fatalf("no top-decile trusters here, got %+v", resp)
	}
}

func TestHandler_UserRemovals(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()

	// Keep carol with one active out-edge, then revoke carol->bob.
	_, err := store.PutTrustEdge(ctx, trust.Edge{TrusterID: "carol", TrustedID: "alice", Active: true, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("add edge: %v", err)
	}
	e, err := store.GetTrustEdge(ctx, "carol", "bob")
	if err != nil {
		t.Fatalf("get edge: %v", err)
	}
	e.Active = false
	if _, err := store.PutTrustEdge(ctx, e); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	rec := doRequest(t, h, http.MethodGet, "/users/bob/removals", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		UserID     string  `json:"user_id"`
		LostWeight float64 `json:"lost_weight"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UserID != "bob" || resp.LostWeight <= 0 {
		t.Fatalf("revoked endorsement must show as lost weight: %+v", resp)
	}

	rec = doRequest(t, h, http.MethodGet, "/users/alice/removals", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.LostWeight != 0 {
		t.Fatalf("alice has no revoked inbound edges, got %v", resp.LostWeight)
	}
}

func TestHandler_Leaderboard(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/leaderboard/all_time?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Window  string `json:"window"`
		Total   int    `json:"total"`
		Entries []struct {
			Rank   int     `json:"rank"`
			UserID string  `json:"user_id"`
			Score  float64 `json:"score"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || len(resp.Entries) != 2 {
		t.Fatalf("unexpected board shape: %+v", resp)
	}
	// bob holds both endorsements and must rank first
	if resp.Entries[0].UserID != "bob" || resp.Entries[0].Rank != 1 {
		t.Fatalf("expected bob at rank 1, got %+v", resp.Entries[0])
	}

	rec = doRequest(t, h, http.MethodGet, "/leaderboard/fortnight", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown window: expected 400, got %d", rec.Code)
	}
}

func TestHandler_LeaderboardPercentile(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/leaderboard/all_time/percentile/bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Percentile float64 `json:"percentile"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Percentile != 100 {
		t.Fatalf("top user: expected percentile 100, got %v", resp.Percentile)
	}

	rec = doRequest(t, h, http.MethodGet, "/leaderboard/all_time/percentile/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unranked user: expected 404, got %d", rec.Code)
	}
}

func TestHandler_MethodRouting(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodGet, "/events", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /events: expected 405, got %d", rec.Code)
	}
}
