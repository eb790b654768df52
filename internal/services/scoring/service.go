package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Coali-Network/trust_engine/internal/domain/score"
	"github.com/Coali-Network/trust_engine/internal/domain/user"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/metrics"
	"github.com/Coali-Network/trust_engine/internal/storage"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

// Config tunes the score engine.
type Config struct {
	Damping       float64
	Baseline      float64
	Epsilon       float64
	MaxIterations int
	// HopBound limits how far an incremental recompute follows out-edges
	// from a dirty node before handing the rest to the scheduled full pass.
	HopBound      int
	TopSupporters int
}

func (c Config) withDefaults() Config {
	if c.HopBound <= 0 {
		c.HopBound = 3
	}
	if c.TopSupporters <= 0 {
		c.TopSupporters = 10
	}
	return c
}

// SupporterWeight is one inbound truster and the edge weight it contributes.
type SupporterWeight struct {
	UserID string
	Weight float64
}

// QualityRatio answers "how many regular trusters equal one strong truster"
// for a user's inbound edges. Strong trusters are those in the global top
// score decile; regular trusters are tier-1 accounts.
type QualityRatio struct {
	StrongAvgWeight     float64
	RegularAvgWeight    float64
	KRegular            float64
	StrongEqualsRegular int
}

// snapshotState is one immutable generation of computed scores. Readers grab
// the whole state; recomputes build a fresh one and swap it in atomically.
type snapshotState struct {
	version string
	takenAt time.Time
	stale   bool
	scores  map[string]score.Score
	values  map[string]float64
	sorted  []float64 // ascending values for percentile lookups
}

// Service owns score computation and all score-derived queries.
type Service struct {
	users storage.UserStore
	trust storage.TrustStore
	store storage.ScoreStore
	cfg   Config
	log   *logger.Logger

	recomputeMu sync.Mutex // serializes state rebuilds and swaps
	current     atomic.Value
}

// New constructs the score engine service.
func New(users storage.UserStore, trust storage.TrustStore, scores storage.ScoreStore, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("scoring")
	}
	return &Service{
		users: users,
		trust: trust,
		store: scores,
		cfg:   cfg.withDefaults(),
		log:   log,
	}
}

// Options returns the propagation parameters in use.
func (s *Service) Options() Options {
	return Options{
		Damping:       s.cfg.Damping,
		Baseline:      s.cfg.Baseline,
		Epsilon:       s.cfg.Epsilon,
		MaxIterations: s.cfg.MaxIterations,
	}.withDefaults()
}

func (s *Service) state() *snapshotState {
	st, _ := s.current.Load().(*snapshotState)
	return st
}

// BuildGraph assembles the active trust graph from the stores.
func (s *Service) BuildGraph(ctx context.Context) (*Graph, error) {
	g := NewGraph()

	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		g.AddNode(u.ID, u.Tier)
	}

	edges, err := s.trust.ListTrustEdges(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list trust edges: %w", err)
	}
	for _, e := range edges {
		g.AddEdge(e.TrusterID, e.TrustedID)
	}
	return g, nil
}

// RecomputeFull rebuilds every score from scratch and swaps the result in
// atomically. On convergence failure the previous snapshot stays live,
// flagged stale.
func (s *Service) RecomputeFull(ctx context.Context) error {
	s.recomputeMu.Lock()
	defer s.recomputeMu.Unlock()

	start := time.Now()
	g, err := s.BuildGraph(ctx)
	if err != nil {
		return err
	}

	res := Compute(g, s.Options())
	metrics.RecordRecompute("full", time.Since(start), res.Iterations, res.Converged)

	if !res.Converged {
		s.markStaleLocked()
		s.log.WithField("iterations", res.Iterations).
			WithField("max_delta", res.MaxDelta).
			Warn("full recompute hit iteration cap; serving last stable snapshot as stale")
		return faults.ErrNotConverged
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	st := s.buildState(ctx, res.Scores, false)
	s.current.Store(st)

	if err := s.persistState(ctx, st, true); err != nil {
		s.log.WithError(err).Warn("persist recomputed scores failed")
		return faults.Transient("persist scores", err)
	}

	s.log.WithField("users", len(st.scores)).
		WithField("iterations", res.Iterations).
		Info("full score recompute complete")
	return nil
}

// RecomputeUsers recomputes the dirty seeds and their bounded downstream,
// holding the rest of the graph fixed. Falls back to a full pass when no
// snapshot exists yet. A cancelled context discards the result so a
// superseded job can never overwrite newer state.
func (s *Service) RecomputeUsers(ctx context.Context, seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	cur := s.state()
	if cur == nil {
		return s.RecomputeFull(ctx)
	}

	start := time.Now()
	g, err := s.BuildGraph(ctx)
	if err != nil {
		return err
	}

	subset := g.Downstream(seeds, s.cfg.HopBound)
	res := ComputeSubset(g, s.Options(), cur.values, subset)
	metrics.RecordRecompute("incremental", time.Since(start), res.Iterations, res.Converged)

	if err := ctx.Err(); err != nil {
		return err
	}
	if !res.Converged {
		s.recomputeMu.Lock()
		s.markStaleLocked()
		s.recomputeMu.Unlock()
		s.log.WithField("seeds", len(seeds)).
			WithField("subset", len(subset)).
			Warn("incremental recompute hit iteration cap; serving last stable snapshot as stale")
		return faults.ErrNotConverged
	}

	s.recomputeMu.Lock()
	defer s.recomputeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	base := s.state()
	merged := make(map[string]float64, len(base.values)+len(res.Scores))
	for id, v := range base.values {
		merged[id] = v
	}
	for id, v := range res.Scores {
		merged[id] = v
	}

	st := s.buildState(ctx, merged, base.stale)
	s.current.Store(st)

	if err := s.persistState(ctx, st, false); err != nil {
		s.log.WithError(err).Warn("persist incremental scores failed")
		return faults.Transient("persist scores", err)
	}
	return nil
}

func (s *Service) markStaleLocked() {
	cur := s.state()
	if cur == nil || cur.stale {
		return
	}
	st := *cur
	st.stale = true
	scores := make(map[string]score.Score, len(cur.scores))
	for id, sc := range cur.scores {
		sc.Stale = true
		scores[id] = sc
	}
	st.scores = scores
	s.current.Store(&st)
}

// buildState derives percentiles and trend signs for a fresh value set.
func (s *Service) buildState(ctx context.Context, values map[string]float64, stale bool) *snapshotState {
	now := time.Now().UTC()

	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		sorted = append(sorted, v)
	}
	sort.Float64s(sorted)

	var dayValues, weekValues map[string]float64
	if daySnap, err := s.store.SnapshotBefore(ctx, now.Add(-24*time.Hour)); err == nil {
		dayValues = daySnap.Values
	}
	if weekSnap, err := s.store.SnapshotBefore(ctx, now.Add(-7*24*time.Hour)); err == nil {
		weekValues = weekSnap.Values
	}

	scores := make(map[string]score.Score, len(values))
	for id, v := range values {
		sc := score.Score{
			UserID:     id,
			Value:      v,
			Percentile: percentileOf(sorted, v),
			Stale:      stale,
			UpdatedAt:  now,
		}
		if prev, ok := dayValues[id]; ok {
			sc.TrendDay = score.Sign(v - prev)
		}
		if prev, ok := weekValues[id]; ok {
			sc.TrendWeek = score.Sign(v - prev)
		}
		scores[id] = sc
	}

	return &snapshotState{
		version: uuid.NewString(),
		takenAt: now,
		stale:   stale,
		scores:  scores,
		values:  values,
		sorted:  sorted,
	}
}

// persistState writes scores back to the store and, for full recomputes,
// records a point-in-time snapshot used by trend and window-delta queries.
func (s *Service) persistState(ctx context.Context, st *snapshotState, withSnapshot bool) error {
	list := make([]score.Score, 0, len(st.scores))
	for _, sc := range st.scores {
		list = append(list, sc)
	}
	if err := s.store.PutScores(ctx, list); err != nil {
		return err
	}
	if !withSnapshot {
		return nil
	}
	_, err := s.store.CreateScoreSnapshot(ctx, score.Snapshot{
		Version: st.version,
		TakenAt: st.takenAt,
		Values:  st.values,
	})
	return err
}

// GetScore serves a user's current score from the live snapshot. Users the
// engine has not scored yet get the baseline floor; reads never block on a
// recompute.
func (s *Service) GetScore(ctx context.Context, userID string) (score.Score, error) {
	st := s.state()
	if st != nil {
		if sc, ok := st.scores[userID]; ok {
			return sc, nil
		}
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return score.Score{}, err
	}
	sc := score.Score{
		UserID:    userID,
		Value:     s.Options().Floor(),
		Stale:     st == nil || st.stale,
		UpdatedAt: time.Now().UTC(),
	}
	if st != nil {
		sc.Percentile = percentileOf(st.sorted, sc.Value)
	}
	return sc, nil
}

// Values returns a copy of the current score values plus snapshot metadata.
func (s *Service) Values() (map[string]float64, time.Time, bool) {
	st := s.state()
	if st == nil {
		return nil, time.Time{}, true
	}
	out := make(map[string]float64, len(st.values))
	for id, v := range st.values {
		out[id] = v
	}
	return out, st.takenAt, st.stale
}

// edgeWeight is a truster's contribution along one active edge:
// score * tier multiplier, split across the truster's out-degree.
func (s *Service) edgeWeight(ctx context.Context, trusterID string) (float64, error) {
	u, err := s.users.GetUser(ctx, trusterID)
	if err != nil {
		return 0, err
	}
	outs, err := s.trust.OutEdges(ctx, trusterID)
	if err != nil {
		return 0, err
	}
	if len(outs) == 0 {
		return 0, nil
	}
	value := s.Options().Baseline
	if st := s.state(); st != nil {
		if v, ok := st.values[trusterID]; ok {
			value = v
		}
	}
	return value * user.TierMultiplier(u.Tier) / float64(len(outs)), nil
}

// Supporters returns a user's top inbound trusters ranked by edge weight.
func (s *Service) Supporters(ctx context.Context, userID string, limit int) ([]SupporterWeight, error) {
	if limit <= 0 {
		limit = s.cfg.TopSupporters
	}
	edges, err := s.trust.InEdges(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := make([]SupporterWeight, 0, len(edges))
	for _, e := range edges {
		w, err := s.edgeWeight(ctx, e.TrusterID)
		if err != nil {
			s.log.WithError(err).WithField("truster", e.TrusterID).Warn("skip supporter weight")
			continue
		}
		result = append(result, SupporterWeight{UserID: e.TrusterID, Weight: w})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Weight != result[j].Weight {
			return result[i].Weight > result[j].Weight
		}
		return result[i].UserID < result[j].UserID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// QualityVsQuantity compares the average inbound edge weight from top-decile
// trusters against the average from tier-1 trusters.
func (s *Service) QualityVsQuantity(ctx context.Context, userID string) (QualityRatio, error) {
	st := s.state()
	edges, err := s.trust.InEdges(ctx, userID)
	if err != nil {
		return QualityRatio{}, err
	}

	var decileThreshold float64
	if st != nil && len(st.sorted) > 0 {
		idx := int(math.Ceil(float64(len(st.sorted))*0.9)) - 1
		if idx < 0 {
			idx = 0
		}
		decileThreshold = st.sorted[idx]
	}

	var strongSum, regularSum float64
	var strongN, regularN int
	for _, e := range edges {
		u, err := s.users.GetUser(ctx, e.TrusterID)
		if err != nil {
			continue
		}
		w, err := s.edgeWeight(ctx, e.TrusterID)
		if err != nil {
			continue
		}
		value := 0.0
		if st != nil {
			value = st.values[e.TrusterID]
		}
		if st != nil && len(st.sorted) > 0 && value >= decileThreshold {
			strongSum += w
			strongN++
		}
		if u.Tier == 1 {
			regularSum += w
			regularN++
		}
	}

	ratio := QualityRatio{}
	if strongN > 0 {
		ratio.StrongAvgWeight = strongSum / float64(strongN)
	}
	if regularN > 0 {
		ratio.RegularAvgWeight = regularSum / float64(regularN)
	}
	if ratio.RegularAvgWeight > 0 {
		ratio.KRegular = ratio.StrongAvgWeight / ratio.RegularAvgWeight
		ratio.StrongEqualsRegular = int(math.Round(ratio.KRegular))
	}
	return ratio, nil
}

// RemovalsImpact sums the weight a user lost to revoked inbound edges,
// valued at the trusters' current scores.
func (s *Service) RemovalsImpact(ctx context.Context, userID string) (float64, error) {
	edges, err := s.trust.ListTrustEdges(ctx, true)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, e := range edges {
		if e.TrustedID != userID || e.Active {
			continue
		}
		w, err := s.edgeWeight(ctx, e.TrusterID)
		if err != nil {
			continue
		}
		total += w
	}
	return total, nil
}

// Forecast7d extrapolates a user's score seven days ahead using a
// least-squares linear trend over the last week of snapshots. With fewer than
// two observations the current value is returned unchanged.
func (s *Service) Forecast7d(ctx context.Context, userID string) (float64, error) {
	sc, err := s.GetScore(ctx, userID)
	if err != nil {
		return 0, err
	}

	snaps, err := s.store.ListScoreSnapshots(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		return sc.Value, nil
	}

	var xs, ys []float64
	for _, snap := range snaps {
		v, ok := snap.Values[userID]
		if !ok {
			continue
		}
		xs = append(xs, snap.TakenAt.Sub(snaps[0].TakenAt).Hours()/24)
		ys = append(ys, v)
	}
	if len(xs) < 2 {
		return sc.Value, nil
	}

	slope := leastSquaresSlope(xs, ys)
	forecast := sc.Value + slope*7
	if forecast < 0 {
		forecast = 0
	}
	return forecast, nil
}

func leastSquaresSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// percentileOf returns the share of users at or below the value, 0-100.
func percentileOf(sorted []float64, v float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	// first index with value > v
	idx := sort.SearchFloat64s(sorted, v+1e-12)
	return float64(idx) / float64(len(sorted)) * 100
}
