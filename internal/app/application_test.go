package app

import (
	"context"
	"testing"
	"time"

	"github.com/Coali-Network/trust_engine/internal/config"
	"github.com/Coali-Network/trust_engine/internal/domain/event"
	"github.com/Coali-Network/trust_engine/internal/domain/leaderboard"
	"github.com/Coali-Network/trust_engine/internal/domain/user"
	"github.com/Coali-Network/trust_engine/internal/storage/memory"
)

func TestApplication_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"inviter", "invitee", "friend"} {
		if _, err := store.CreateUser(ctx, user.User{ID: id, Tier: 1, CreatedAt: base}); err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}

	cfg := config.Default()
	cfg.Scoring.InitialFull = false
	cfg.Leaderboard.InitialRebuild = false

	application, err := New(cfg, Stores{Users: store, Trust: store, Referrals: store, Scores: store, Rewards: store}, nil, nil, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer application.Stop(context.Background())

	events := []event.Event{
		{Type: event.TypeReferralJoined, Inviter: "inviter", Invitee: "invitee"},
		{Type: event.TypeTrustGiven, Truster: "friend", Trusted: "invitee"},
		{Type: event.TypeUserVerified, User: "invitee", EventID: "evt-1"},
	}
	for _, ev := range events {
		if err := application.Dispatcher.Process(ctx, ev); err != nil {
			t.Fatalf("process %s: %v", ev.Type, err)
		}
	}

	// Rewards accrued for the single-generation chain.
	records, err := application.Rewards.History(ctx, "inviter")
	if err != nil || len(records) != 1 {
		t.Fatalf("expected 1 reward record for inviter, got %v %v", records, err)
	}
	if records[0].Amount != 5 {
		t.Fatalf("generation-1 reward pays 5, got %d", records[0].Amount)
	}

	// Scores and boards follow the trust event.
	if err := application.Scoring.RecomputeFull(ctx); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if err := application.Leaderboards.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	board := application.Leaderboards.Board(leaderboard.WindowAllTime)
	if board == nil || board.Size() != 3 {
		t.Fatalf("expected 3 ranked users, got %v", board)
	}
	top := board.Entries[0]
	if top.UserID != "invitee" {
		t.Fatalf("the endorsed user should rank first, got %s", top.UserID)
	}
}
