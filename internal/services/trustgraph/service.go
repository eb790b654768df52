package trustgraph

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Coali-Network/trust_engine/internal/domain/trust"
	"github.com/Coali-Network/trust_engine/internal/domain/user"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/storage"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

// Config tunes the trust graph service.
type Config struct {
	// HopBound limits how far a mutation's affected set follows out-edges.
	// It matches the score engine's incremental bound.
	HopBound int
}

func (c Config) withDefaults() Config {
	if c.HopBound <= 0 {
		c.HopBound = 3
	}
	return c
}

// Service owns trust edge and verification tier mutations. Every mutation
// returns the set of user ids whose score may have changed, for the
// recomputer's dirty queue; the mutation itself never computes scores.
type Service struct {
	users storage.UserStore
	store storage.TrustStore
	cfg   Config
	log   *logger.Logger

	// pairMu serializes mutations per (truster, trusted) pair so concurrent
	// trust/revoke on the same pair cannot interleave.
	pairMu   sync.Mutex
	pairRefs map[string]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// New constructs a trust graph service.
func New(users storage.UserStore, store storage.TrustStore, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("trustgraph")
	}
	return &Service{
		users:    users,
		store:    store,
		cfg:      cfg.withDefaults(),
		log:      log,
		pairRefs: make(map[string]*pairLock),
	}
}

func (s *Service) lockPair(key string) func() {
	s.pairMu.Lock()
	pl, ok := s.pairRefs[key]
	if !ok {
		pl = &pairLock{}
		s.pairRefs[key] = pl
	}
	pl.refs++
	s.pairMu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		s.pairMu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(s.pairRefs, key)
		}
		s.pairMu.Unlock()
	}
}

func (s *Service) validatePair(ctx context.Context, truster, trusted string) error {
	if strings.TrimSpace(truster) == "" || strings.TrimSpace(trusted) == "" {
		return faults.Validation("truster and trusted are required")
	}
	if truster == trusted {
		return faults.Validation("user %s cannot trust themselves", truster)
	}
	if s.users != nil {
		if _, err := s.users.GetUser(ctx, truster); err != nil {
			return err
		}
		if _, err := s.users.GetUser(ctx, trusted); err != nil {
			return err
		}
	}
	return nil
}

// AddTrust creates or reactivates the (truster, trusted) edge. Adding an
// already-active edge is a no-op with an empty affected set. The returned ids
// are the trusted user and its bounded downstream.
func (s *Service) AddTrust(ctx context.Context, truster, trusted string, at time.Time) ([]string, error) {
	if err := s.validatePair(ctx, truster, trusted); err != nil {
		return nil, err
	}
	unlock := s.lockPair(trust.PairKey(truster, trusted))
	defer unlock()

	existing, err := s.store.GetTrustEdge(ctx, truster, trusted)
	switch {
	case err == nil && existing.Active:
		return nil, nil
	case err == nil:
		// reactivate the revoked edge under its original pair key
		existing.Active = true
		existing.CreatedAt = at.UTC()
		existing.RevokedAt = nil
		if _, err := s.store.PutTrustEdge(ctx, existing); err != nil {
			return nil, err
		}
	default:
		edge := trust.Edge{
			TrusterID: truster,
			TrustedID: trusted,
			Active:    true,
			CreatedAt: at.UTC(),
		}
		if _, err := s.store.PutTrustEdge(ctx, edge); err != nil {
			return nil, err
		}
	}

	s.log.WithField("truster", truster).
		WithField("trusted", trusted).
		Info("trust edge added")
	return s.affectedFrom(ctx, trusted)
}

// RevokeTrust deactivates the edge, keeping it for audit. Revoking a missing
// or already-inactive edge is a no-op.
func (s *Service) RevokeTrust(ctx context.Context, truster, trusted string, at time.Time) ([]string, error) {
	if err := s.validatePair(ctx, truster, trusted); err != nil {
		return nil, err
	}
	unlock := s.lockPair(trust.PairKey(truster, trusted))
	defer unlock()

	existing, err := s.store.GetTrustEdge(ctx, truster, trusted)
	if err != nil || !existing.Active {
		return nil, nil
	}

	// affected set uses the edge as it was before deactivation
	affected, err := s.affectedFrom(ctx, trusted)
	if err != nil {
		return nil, err
	}

	revokedAt := at.UTC()
	existing.Active = false
	existing.RevokedAt = &revokedAt
	if _, err := s.store.PutTrustEdge(ctx, existing); err != nil {
		return nil, err
	}

	s.log.WithField("truster", truster).
		WithField("trusted", trusted).
		Info("trust edge revoked")
	return affected, nil
}

// SetVerificationTier updates a user's tier. The user's own score is
// unchanged by their tier, but every edge they emit is reweighted, so the
// affected set is their trusted users and downstream.
func (s *Service) SetVerificationTier(ctx context.Context, userID string, tier int) ([]string, error) {
	if tier < user.MinTier || tier > user.MaxTier {
		return nil, faults.Validation("verification tier %d out of range [%d,%d]", tier, user.MinTier, user.MaxTier)
	}
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Tier == tier {
		return nil, nil
	}
	u.Tier = tier
	if _, err := s.users.UpdateUser(ctx, u); err != nil {
		return nil, err
	}

	s.log.WithField("user", userID).
		WithField("tier", tier).
		Info("verification tier changed")

	outs, err := s.store.OutEdges(ctx, userID)
	if err != nil {
		return nil, err
	}
	seeds := make([]string, 0, len(outs))
	for _, e := range outs {
		seeds = append(seeds, e.TrustedID)
	}
	return s.downstream(ctx, seeds)
}

// OutEdges returns a user's active outbound endorsements.
func (s *Service) OutEdges(ctx context.Context, userID string) ([]trust.Edge, error) {
	return s.store.OutEdges(ctx, userID)
}

// InEdges returns a user's active inbound endorsements.
func (s *Service) InEdges(ctx context.Context, userID string) ([]trust.Edge, error) {
	return s.store.InEdges(ctx, userID)
}

func (s *Service) affectedFrom(ctx context.Context, seed string) ([]string, error) {
	return s.downstream(ctx, []string{seed})
}

// downstream walks active out-edges breadth-first from the seeds up to the
// hop bound, mirroring the score engine's incremental expansion.
func (s *Service) downstream(ctx context.Context, seeds []string) ([]string, error) {
	affected := make(map[string]bool, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		if !affected[seed] {
			affected[seed] = true
			frontier = append(frontier, seed)
		}
	}
	for hop := 0; hop < s.cfg.HopBound && len(frontier) > 0; hop++ {
		var next []string
		for _, u := range frontier {
			edges, err := s.store.OutEdges(ctx, u)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if !affected[e.TrustedID] {
					affected[e.TrustedID] = true
					next = append(next, e.TrustedID)
				}
			}
		}
		frontier = next
	}

	result := make([]string, 0, len(affected))
	for id := range affected {
		result = append(result, id)
	}
	return result, nil
}
