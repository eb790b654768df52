package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Coali-Network/trust_engine/internal/domain/referral"
	"github.com/Coali-Network/trust_engine/internal/domain/reward"
	"github.com/Coali-Network/trust_engine/internal/domain/score"
	"github.com/Coali-Network/trust_engine/internal/domain/trust"
	"github.com/Coali-Network/trust_engine/internal/domain/user"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu                sync.RWMutex
	nextID            int64
	users             map[string]user.User
	trustEdges        map[string]trust.Edge    // pair key -> edge
	outEdges          map[string][]string      // truster -> trusted ids (all, active or not)
	inEdges           map[string][]string      // trusted -> truster ids
	referralByInvitee map[string]referral.Edge
	scores            map[string]score.Score
	snapshots         []score.Snapshot
	rewards           map[string]reward.Record // id -> record
	rewardKeys        map[string]string        // unique triple -> id
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.TrustStore = (*Store)(nil)
var _ storage.ReferralStore = (*Store)(nil)
var _ storage.ScoreStore = (*Store)(nil)
var _ storage.RewardStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:            1,
		users:             make(map[string]user.User),
		trustEdges:        make(map[string]trust.Edge),
		outEdges:          make(map[string][]string),
		inEdges:           make(map[string][]string),
		referralByInvitee: make(map[string]referral.Edge),
		scores:            make(map[string]score.Score),
		rewards:           make(map[string]reward.Record),
		rewardKeys:        make(map[string]string),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = s.nextIDLocked()
	} else if _, exists := s.users[u.ID]; exists {
		return user.User{}, fmt.Errorf("user %s already exists", u.ID)
	}
	if u.Tier < user.MinTier || u.Tier > user.MaxTier {
		return user.User{}, fmt.Errorf("user tier %d out of range", u.Tier)
	}

	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	s.users[u.ID] = u
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.users[u.ID]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, faults.ErrNotFound)
	}

	u.CreatedAt = original.CreatedAt
	u.UpdatedAt = time.Now().UTC()

	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", id, faults.ErrNotFound)
	}
	return u, nil
}

func (s *Store) ListUsers(_ context.Context) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// TrustStore implementation ---------------------------------------------------

func (s *Store) PutTrustEdge(_ context.Context, e trust.Edge) (trust.Edge, error) {
	if e.TrusterID == "" || e.TrustedID == "" {
		return trust.Edge{}, fmt.Errorf("trust edge requires truster and trusted")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.Key()
	if _, exists := s.trustEdges[key]; !exists {
		s.outEdges[e.TrusterID] = append(s.outEdges[e.TrusterID], e.TrustedID)
		s.inEdges[e.TrustedID] = append(s.inEdges[e.TrustedID], e.TrusterID)
	}
	e.UpdatedAt = time.Now().UTC()
	s.trustEdges[key] = e
	return e, nil
}

func (s *Store) GetTrustEdge(_ context.Context, truster, trusted string) (trust.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.trustEdges[trust.PairKey(truster, trusted)]
	if !ok {
		return trust.Edge{}, fmt.Errorf("trust edge %s->%s: %w", truster, trusted, faults.ErrNotFound)
	}
	return e, nil
}

func (s *Store) OutEdges(_ context.Context, truster string) ([]trust.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []trust.Edge
	for _, trusted := range s.outEdges[truster] {
		if e, ok := s.trustEdges[trust.PairKey(truster, trusted)]; ok && e.Active {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *Store) InEdges(_ context.Context, trusted string) ([]trust.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []trust.Edge
	for _, truster := range s.inEdges[trusted] {
		if e, ok := s.trustEdges[trust.PairKey(truster, trusted)]; ok && e.Active {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *Store) ListTrustEdges(_ context.Context, includeInactive bool) ([]trust.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]trust.Edge, 0, len(s.trustEdges))
	for _, e := range s.trustEdges {
		if !e.Active && !includeInactive {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// ReferralStore implementation ------------------------------------------------

func (s *Store) CreateReferralEdge(_ context.Context, e referral.Edge) (referral.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.referralByInvitee[e.InviteeID]; exists {
		return referral.Edge{}, fmt.Errorf("invitee %s already has a referral edge", e.InviteeID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.referralByInvitee[e.InviteeID] = e
	return e, nil
}

func (s *Store) GetReferralEdgeByInvitee(_ context.Context, invitee string) (referral.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.referralByInvitee[invitee]
	if !ok {
		return referral.Edge{}, fmt.Errorf("referral edge for invitee %s: %w", invitee, faults.ErrNotFound)
	}
	return e, nil
}

func (s *Store) ListReferralEdgesByInviter(_ context.Context, inviter string) ([]referral.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []referral.Edge
	for _, e := range s.referralByInvitee {
		if e.InviterID == inviter {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ScoreStore implementation ---------------------------------------------------

func (s *Store) PutScores(_ context.Context, scores []score.Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, sc := range scores {
		if sc.UserID == "" {
			return fmt.Errorf("score requires a user id")
		}
		sc.UpdatedAt = now
		s.scores[sc.UserID] = sc
	}
	return nil
}

func (s *Store) GetScore(_ context.Context, userID string) (score.Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scores[userID]
	if !ok {
		return score.Score{}, fmt.Errorf("score for user %s: %w", userID, faults.ErrNotFound)
	}
	return sc, nil
}

func (s *Store) ListScores(_ context.Context) ([]score.Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]score.Score, 0, len(s.scores))
	for _, sc := range s.scores {
		result = append(result, sc)
	}
	return result, nil
}

func (s *Store) CreateScoreSnapshot(_ context.Context, snap score.Snapshot) (score.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Version == "" {
		snap.Version = uuid.NewString()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	snap.Values = cloneValues(snap.Values)
	s.snapshots = append(s.snapshots, snap)
	sort.Slice(s.snapshots, func(i, j int) bool { return s.snapshots[i].TakenAt.Before(s.snapshots[j].TakenAt) })
	return snap, nil
}

func (s *Store) SnapshotBefore(_ context.Context, cutoff time.Time) (score.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if !s.snapshots[i].TakenAt.After(cutoff) {
			snap := s.snapshots[i]
			snap.Values = cloneValues(snap.Values)
			return snap, nil
		}
	}
	return score.Snapshot{}, fmt.Errorf("score snapshot before %s: %w", cutoff.Format(time.RFC3339), faults.ErrNotFound)
}

func (s *Store) ListScoreSnapshots(_ context.Context, since time.Time) ([]score.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []score.Snapshot
	for _, snap := range s.snapshots {
		if snap.TakenAt.Before(since) {
			continue
		}
		snap.Values = cloneValues(snap.Values)
		result = append(result, snap)
	}
	return result, nil
}

// RewardStore implementation --------------------------------------------------

func rewardKey(rec reward.Record) string {
	return rec.BeneficiaryID + "\x00" + rec.SourceEventID + "\x00" + fmt.Sprintf("%d", rec.Generation)
}

func (s *Store) CreateRewardRecord(_ context.Context, rec reward.Record) (reward.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rewardKey(rec)
	if _, exists := s.rewardKeys[key]; exists {
		return reward.Record{}, fmt.Errorf("reward for %s event %s gen %d: %w",
			rec.BeneficiaryID, rec.SourceEventID, rec.Generation, faults.ErrDuplicateReward)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.rewards[rec.ID] = rec
	s.rewardKeys[key] = rec.ID
	return rec, nil
}

func (s *Store) UpdateRewardRecord(_ context.Context, rec reward.Record) (reward.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.rewards[rec.ID]
	if !ok {
		return reward.Record{}, fmt.Errorf("reward record %s: %w", rec.ID, faults.ErrNotFound)
	}
	rec.CreatedAt = original.CreatedAt
	s.rewards[rec.ID] = rec
	return rec, nil
}

func (s *Store) GetRewardRecord(_ context.Context, id string) (reward.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.rewards[id]
	if !ok {
		return reward.Record{}, fmt.Errorf("reward record %s: %w", id, faults.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) ListRewardRecords(_ context.Context, beneficiaryID string) ([]reward.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []reward.Record
	for _, rec := range s.rewards {
		if beneficiaryID == "" || rec.BeneficiaryID == beneficiaryID {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) ListUndistributedRewards(_ context.Context) ([]reward.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []reward.Record
	for _, rec := range s.rewards {
		switch rec.Status {
		case reward.StatusPending, reward.StatusValidated, reward.StatusDistributing:
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func cloneValues(values map[string]float64) map[string]float64 {
	if values == nil {
		return nil
	}
	out := make(map[string]float64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
