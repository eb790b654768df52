package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Coali-Network/trust_engine/internal/domain/referral"
	"github.com/Coali-Network/trust_engine/internal/domain/reward"
	"github.com/Coali-Network/trust_engine/internal/domain/score"
	"github.com/Coali-Network/trust_engine/internal/domain/trust"
	"github.com/Coali-Network/trust_engine/internal/domain/user"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/storage"
)

// uniqueViolation is the postgres error code the reward idempotency
// constraint surfaces as.
const uniqueViolation = "23505"

// Store implements the storage interfaces backed by PostgreSQL. The schema
// lives in schema.sql next to this file.
type Store struct {
	db *sql.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.TrustStore = (*Store)(nil)
var _ storage.ReferralStore = (*Store)(nil)
var _ storage.ScoreStore = (*Store)(nil)
var _ storage.RewardStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO te_users (id, display_name, tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.DisplayName, u.Tier, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	u.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE te_users
		SET display_name = $2, tier = $3, updated_at = $4
		WHERE id = $1
	`, u.ID, u.DisplayName, u.Tier, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, faults.ErrNotFound)
	}
	return s.GetUser(ctx, u.ID)
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var u user.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, tier, created_at, updated_at
		FROM te_users WHERE id = $1
	`, id).Scan(&u.ID, &u.DisplayName, &u.Tier, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, fmt.Errorf("user %s: %w", id, faults.ErrNotFound)
	}
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, tier, created_at, updated_at
		FROM te_users ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []user.User
	for rows.Next() {
		var u user.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Tier, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// --- TrustStore -------------------------------------------------------------

func (s *Store) PutTrustEdge(ctx context.Context, e trust.Edge) (trust.Edge, error) {
	if e.TrusterID == "" || e.TrustedID == "" {
		return trust.Edge{}, fmt.Errorf("trust edge requires truster and trusted")
	}
	e.UpdatedAt = time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.UpdatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO te_trust_edges (truster_id, trusted_id, active, created_at, updated_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (truster_id, trusted_id) DO UPDATE
		SET active = EXCLUDED.active,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at,
		    revoked_at = EXCLUDED.revoked_at
	`, e.TrusterID, e.TrustedID, e.Active, e.CreatedAt, e.UpdatedAt, e.RevokedAt)
	if err != nil {
		return trust.Edge{}, err
	}
	return e, nil
}

func (s *Store) GetTrustEdge(ctx context.Context, truster, trusted string) (trust.Edge, error) {
	var e trust.Edge
	err := s.db.QueryRowContext(ctx, `
		SELECT truster_id, trusted_id, active, created_at, updated_at, revoked_at
		FROM te_trust_edges WHERE truster_id = $1 AND trusted_id = $2
	`, truster, trusted).Scan(&e.TrusterID, &e.TrustedID, &e.Active, &e.CreatedAt, &e.UpdatedAt, &e.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return trust.Edge{}, fmt.Errorf("trust edge %s->%s: %w", truster, trusted, faults.ErrNotFound)
	}
	if err != nil {
		return trust.Edge{}, err
	}
	return e, nil
}

func (s *Store) OutEdges(ctx context.Context, truster string) ([]trust.Edge, error) {
	return s.queryEdges(ctx, `
		SELECT truster_id, trusted_id, active, created_at, updated_at, revoked_at
		FROM te_trust_edges WHERE truster_id = $1 AND active
	`, truster)
}

func (s *Store) InEdges(ctx context.Context, trusted string) ([]trust.Edge, error) {
	return s.queryEdges(ctx, `
		SELECT truster_id, trusted_id, active, created_at, updated_at, revoked_at
		FROM te_trust_edges WHERE trusted_id = $1 AND active
	`, trusted)
}

func (s *Store) ListTrustEdges(ctx context.Context, includeInactive bool) ([]trust.Edge, error) {
	if includeInactive {
		return s.queryEdges(ctx, `
			SELECT truster_id, trusted_id, active, created_at, updated_at, revoked_at
			FROM te_trust_edges
		`)
	}
	return s.queryEdges(ctx, `
		SELECT truster_id, trusted_id, active, created_at, updated_at, revoked_at
		FROM te_trust_edges WHERE active
	`)
}

func (s *Store) queryEdges(ctx context.Context, query string, args ...interface{}) ([]trust.Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []trust.Edge
	for rows.Next() {
		var e trust.Edge
		if err := rows.Scan(&e.TrusterID, &e.TrustedID, &e.Active, &e.CreatedAt, &e.UpdatedAt, &e.RevokedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- ReferralStore ----------------------------------------------------------

func (s *Store) CreateReferralEdge(ctx context.Context, e referral.Edge) (referral.Edge, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO te_referral_edges (inviter_id, invitee_id, generation, created_at)
		VALUES ($1, $2, $3, $4)
	`, e.InviterID, e.InviteeID, e.Generation, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return referral.Edge{}, fmt.Errorf("invitee %s already has a referral edge", e.InviteeID)
		}
		return referral.Edge{}, err
	}
	return e, nil
}

func (s *Store) GetReferralEdgeByInvitee(ctx context.Context, invitee string) (referral.Edge, error) {
	var e referral.Edge
	err := s.db.QueryRowContext(ctx, `
		SELECT inviter_id, invitee_id, generation, created_at
		FROM te_referral_edges WHERE invitee_id = $1
	`, invitee).Scan(&e.InviterID, &e.InviteeID, &e.Generation, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return referral.Edge{}, fmt.Errorf("referral edge for invitee %s: %w", invitee, faults.ErrNotFound)
	}
	if err != nil {
		return referral.Edge{}, err
	}
	return e, nil
}

func (s *Store) ListReferralEdgesByInviter(ctx context.Context, inviter string) ([]referral.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT inviter_id, invitee_id, generation, created_at
		FROM te_referral_edges WHERE inviter_id = $1 ORDER BY created_at
	`, inviter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []referral.Edge
	for rows.Next() {
		var e referral.Edge
		if err := rows.Scan(&e.InviterID, &e.InviteeID, &e.Generation, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- ScoreStore -------------------------------------------------------------

func (s *Store) PutScores(ctx context.Context, scores []score.Score) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, sc := range scores {
		if sc.UserID == "" {
			return fmt.Errorf("score requires a user id")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO te_scores (user_id, value, percentile, trend_day, trend_week, stale, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id) DO UPDATE
			SET value = EXCLUDED.value,
			    percentile = EXCLUDED.percentile,
			    trend_day = EXCLUDED.trend_day,
			    trend_week = EXCLUDED.trend_week,
			    stale = EXCLUDED.stale,
			    updated_at = EXCLUDED.updated_at
		`, sc.UserID, sc.Value, sc.Percentile, sc.TrendDay, sc.TrendWeek, sc.Stale, now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetScore(ctx context.Context, userID string) (score.Score, error) {
	var sc score.Score
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, value, percentile, trend_day, trend_week, stale, updated_at
		FROM te_scores WHERE user_id = $1
	`, userID).Scan(&sc.UserID, &sc.Value, &sc.Percentile, &sc.TrendDay, &sc.TrendWeek, &sc.Stale, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return score.Score{}, fmt.Errorf("score for user %s: %w", userID, faults.ErrNotFound)
	}
	if err != nil {
		return score.Score{}, err
	}
	return sc, nil
}

func (s *Store) ListScores(ctx context.Context) ([]score.Score, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, value, percentile, trend_day, trend_week, stale, updated_at
		FROM te_scores
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []score.Score
	for rows.Next() {
		var sc score.Score
		if err := rows.Scan(&sc.UserID, &sc.Value, &sc.Percentile, &sc.TrendDay, &sc.TrendWeek, &sc.Stale, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	return result, rows.Err()
}

func (s *Store) CreateScoreSnapshot(ctx context.Context, snap score.Snapshot) (score.Snapshot, error) {
	if snap.Version == "" {
		snap.Version = uuid.NewString()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	values, err := json.Marshal(snap.Values)
	if err != nil {
		return score.Snapshot{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO te_score_snapshots (version, taken_at, score_values)
		VALUES ($1, $2, $3)
	`, snap.Version, snap.TakenAt, values)
	if err != nil {
		return score.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) SnapshotBefore(ctx context.Context, cutoff time.Time) (score.Snapshot, error) {
	var (
		snap score.Snapshot
		raw  []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, taken_at, score_values
		FROM te_score_snapshots
		WHERE taken_at <= $1
		ORDER BY taken_at DESC LIMIT 1
	`, cutoff).Scan(&snap.Version, &snap.TakenAt, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return score.Snapshot{}, fmt.Errorf("score snapshot before %s: %w", cutoff.Format(time.RFC3339), faults.ErrNotFound)
	}
	if err != nil {
		return score.Snapshot{}, err
	}
	if err := json.Unmarshal(raw, &snap.Values); err != nil {
		return score.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) ListScoreSnapshots(ctx context.Context, since time.Time) ([]score.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, taken_at, score_values
		FROM te_score_snapshots
		WHERE taken_at >= $1
		ORDER BY taken_at
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []score.Snapshot
	for rows.Next() {
		var (
			snap score.Snapshot
			raw  []byte
		)
		if err := rows.Scan(&snap.Version, &snap.TakenAt, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &snap.Values); err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

// --- RewardStore ------------------------------------------------------------

func (s *Store) CreateRewardRecord(ctx context.Context, rec reward.Record) (reward.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO te_reward_records
			(id, beneficiary_id, source_event_id, generation, amount, status, attempts, last_error, created_at, distributed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.BeneficiaryID, rec.SourceEventID, rec.Generation, rec.Amount,
		string(rec.Status), rec.Attempts, rec.LastError, rec.CreatedAt, rec.DistributedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return reward.Record{}, fmt.Errorf("reward for %s event %s gen %d: %w",
				rec.BeneficiaryID, rec.SourceEventID, rec.Generation, faults.ErrDuplicateReward)
		}
		return reward.Record{}, err
	}
	return rec, nil
}

func (s *Store) UpdateRewardRecord(ctx context.Context, rec reward.Record) (reward.Record, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE te_reward_records
		SET status = $2, attempts = $3, last_error = $4, distributed_at = $5
		WHERE id = $1
	`, rec.ID, string(rec.Status), rec.Attempts, rec.LastError, rec.DistributedAt)
	if err != nil {
		return reward.Record{}, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return reward.Record{}, fmt.Errorf("reward record %s: %w", rec.ID, faults.ErrNotFound)
	}
	return s.GetRewardRecord(ctx, rec.ID)
}

func (s *Store) GetRewardRecord(ctx context.Context, id string) (reward.Record, error) {
	var (
		rec    reward.Record
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, beneficiary_id, source_event_id, generation, amount, status, attempts, last_error, created_at, distributed_at
		FROM te_reward_records WHERE id = $1
	`, id).Scan(&rec.ID, &rec.BeneficiaryID, &rec.SourceEventID, &rec.Generation, &rec.Amount,
		&status, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.DistributedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return reward.Record{}, fmt.Errorf("reward record %s: %w", id, faults.ErrNotFound)
	}
	if err != nil {
		return reward.Record{}, err
	}
	rec.Status = reward.Status(status)
	return rec, nil
}

func (s *Store) ListRewardRecords(ctx context.Context, beneficiaryID string) ([]reward.Record, error) {
	return s.queryRewards(ctx, `
		SELECT id, beneficiary_id, source_event_id, generation, amount, status, attempts, last_error, created_at, distributed_at
		FROM te_reward_records WHERE $1 = '' OR beneficiary_id = $1
		ORDER BY created_at
	`, beneficiaryID)
}

func (s *Store) ListUndistributedRewards(ctx context.Context) ([]reward.Record, error) {
	return s.queryRewards(ctx, `
		SELECT id, beneficiary_id, source_event_id, generation, amount, status, attempts, last_error, created_at, distributed_at
		FROM te_reward_records WHERE status IN ('pending', 'validated', 'distributing')
		ORDER BY created_at
	`)
}

func (s *Store) queryRewards(ctx context.Context, query string, args ...interface{}) ([]reward.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []reward.Record
	for rows.Next() {
		var (
			rec    reward.Record
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.BeneficiaryID, &rec.SourceEventID, &rec.Generation, &rec.Amount,
			&status, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.DistributedAt); err != nil {
			return nil, err
		}
		rec.Status = reward.Status(status)
		result = append(result, rec)
	}
	return result, rows.Err()
}
