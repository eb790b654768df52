package storage

import (
	"context"
	"time"

	"github.com/Coali-Network/trust_engine/internal/domain/referral"
	"github.com/Coali-Network/trust_engine/internal/domain/reward"
	"github.com/Coali-Network/trust_engine/internal/domain/score"
	"github.com/Coali-Network/trust_engine/internal/domain/trust"
	"github.com/Coali-Network/trust_engine/internal/domain/user"
)

// UserStore persists user records.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
}

// TrustStore persists directed trust edges. Revoked edges stay in the store
// with Active=false for audit and removals-impact metrics.
type TrustStore interface {
	// PutTrustEdge inserts or replaces the edge for its (truster, trusted)
	// pair key.
	PutTrustEdge(ctx context.Context, e trust.Edge) (trust.Edge, error)
	GetTrustEdge(ctx context.Context, truster, trusted string) (trust.Edge, error)
	// OutEdges and InEdges return active edges only.
	OutEdges(ctx context.Context, truster string) ([]trust.Edge, error)
	InEdges(ctx context.Context, trusted string) ([]trust.Edge, error)
	// ListTrustEdges returns every edge, optionally including revoked ones.
	ListTrustEdges(ctx context.Context, includeInactive bool) ([]trust.Edge, error)
}

// ReferralStore persists the invite DAG. Each invitee has at most one inbound
// referral edge.
type ReferralStore interface {
	CreateReferralEdge(ctx context.Context, e referral.Edge) (referral.Edge, error)
	GetReferralEdgeByInvitee(ctx context.Context, invitee string) (referral.Edge, error)
	ListReferralEdgesByInviter(ctx context.Context, inviter string) ([]referral.Edge, error)
}

// ScoreStore persists derived scores and periodic snapshots. Both are
// rebuildable from the trust graph and may be discarded without data loss.
type ScoreStore interface {
	PutScores(ctx context.Context, scores []score.Score) error
	GetScore(ctx context.Context, userID string) (score.Score, error)
	ListScores(ctx context.Context) ([]score.Score, error)

	CreateScoreSnapshot(ctx context.Context, snap score.Snapshot) (score.Snapshot, error)
	// SnapshotBefore returns the latest snapshot taken at or before the cutoff.
	SnapshotBefore(ctx context.Context, cutoff time.Time) (score.Snapshot, error)
	ListScoreSnapshots(ctx context.Context, since time.Time) ([]score.Snapshot, error)
}

// RewardStore persists reward records. CreateRewardRecord must fail with
// faults.ErrDuplicateReward when the (beneficiary, source event, generation)
// key already exists; that constraint is the distribution idempotency
// boundary.
type RewardStore interface {
	CreateRewardRecord(ctx context.Context, rec reward.Record) (reward.Record, error)
	UpdateRewardRecord(ctx context.Context, rec reward.Record) (reward.Record, error)
	GetRewardRecord(ctx context.Context, id string) (reward.Record, error)
	ListRewardRecords(ctx context.Context, beneficiaryID string) ([]reward.Record, error)
	// ListUndistributedRewards returns records still owed a wallet credit.
	ListUndistributedRewards(ctx context.Context) ([]reward.Record, error)
}
