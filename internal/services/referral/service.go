package referral

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Coali-Network/trust_engine/internal/domain/referral"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/storage"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

// Service owns the referral DAG. Edges are append-only: an invitee's inviter
// is fixed at signup and the edge's generation never changes afterwards.
type Service struct {
	users storage.UserStore
	store storage.ReferralStore
	log   *logger.Logger
}

// New constructs a referral ledger service.
func New(users storage.UserStore, store storage.ReferralStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("referral")
	}
	return &Service{users: users, store: store, log: log}
}

// RecordReferral creates the inviter->invitee edge. The invitee's generation
// is the inviter's generation plus one, capped at the maximum; inviters with
// no inbound edge are roots, making their invitees generation 1.
func (s *Service) RecordReferral(ctx context.Context, inviter, invitee string, at time.Time) (referral.Edge, error) {
	if strings.TrimSpace(inviter) == "" || strings.TrimSpace(invitee) == "" {
		return referral.Edge{}, faults.Validation("inviter and invitee are required")
	}
	if inviter == invitee {
		return referral.Edge{}, faults.Validation("user %s cannot refer themselves", invitee)
	}
	if s.users != nil {
		if _, err := s.users.GetUser(ctx, inviter); err != nil {
			return referral.Edge{}, err
		}
		if _, err := s.users.GetUser(ctx, invitee); err != nil {
			return referral.Edge{}, err
		}
	}
	if _, err := s.store.GetReferralEdgeByInvitee(ctx, invitee); err == nil {
		return referral.Edge{}, faults.Validation("user %s already has an inviter", invitee)
	} else if !errors.Is(err, faults.ErrNotFound) {
		return referral.Edge{}, err
	}

	gen := 1
	parent, err := s.store.GetReferralEdgeByInvitee(ctx, inviter)
	switch {
	case err == nil:
		gen = parent.Generation + 1
		if gen > referral.MaxGeneration {
			gen = referral.MaxGeneration
		}
	case errors.Is(err, faults.ErrNotFound):
		// inviter is a chain root
	default:
		return referral.Edge{}, err
	}

	edge := referral.Edge{
		InviterID:  inviter,
		InviteeID:  invitee,
		Generation: gen,
		CreatedAt:  at.UTC(),
	}
	created, err := s.store.CreateReferralEdge(ctx, edge)
	if err != nil {
		return referral.Edge{}, err
	}

	s.log.WithField("inviter", inviter).
		WithField("invitee", invitee).
		WithField("generation", gen).
		Info("referral recorded")
	return created, nil
}

// Ancestors returns the invitee's inviter chain ordered from generation 1
// (direct inviter) outward, at most MaxGeneration entries. Users with no
// inviter get an empty chain.
func (s *Service) Ancestors(ctx context.Context, invitee string) ([]referral.Ancestor, error) {
	ancestors := make([]referral.Ancestor, 0, referral.MaxGeneration)
	visited := map[string]bool{invitee: true}

	current := invitee
	for gen := 1; gen <= referral.MaxGeneration; gen++ {
		edge, err := s.store.GetReferralEdgeByInvitee(ctx, current)
		if errors.Is(err, faults.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if visited[edge.InviterID] {
			return nil, faults.Consistency("referral chain for %s revisits %s", invitee, edge.InviterID)
		}
		visited[edge.InviterID] = true
		ancestors = append(ancestors, referral.Ancestor{UserID: edge.InviterID, Generation: gen})
		current = edge.InviterID
	}
	return ancestors, nil
}

// Invitees returns the users a given inviter directly referred.
func (s *Service) Invitees(ctx context.Context, inviter string) ([]referral.Edge, error) {
	return s.store.ListReferralEdgesByInviter(ctx, inviter)
}
