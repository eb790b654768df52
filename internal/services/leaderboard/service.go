package leaderboard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Coali-Network/trust_engine/internal/domain/leaderboard"
	"github.com/Coali-Network/trust_engine/internal/domain/user"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/metrics"
	"github.com/Coali-Network/trust_engine/internal/storage"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

// ScoreSource exposes the current authoritative score set and its snapshot
// metadata.
type ScoreSource interface {
	Values() (map[string]float64, time.Time, bool)
}

// Mirror receives freshly built boards, for read replicas such as the Redis
// sorted-set mirror. Publish failures never fail a rebuild.
type Mirror interface {
	Publish(ctx context.Context, board *leaderboard.Board) error
}

// Service builds and serves ranked boards. Ranking is a total order: score
// descending, then account age ascending, then user id ascending, so equal
// scores always rank the same way across rebuilds.
type Service struct {
	scores ScoreSource
	users  storage.UserStore
	snaps  storage.ScoreStore
	mirror Mirror
	log    *logger.Logger

	mu     sync.RWMutex
	boards map[leaderboard.Window]*leaderboard.Board
}

// New constructs the leaderboard service. The mirror is optional.
func New(scores ScoreSource, users storage.UserStore, snaps storage.ScoreStore, mirror Mirror, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("leaderboard")
	}
	return &Service{
		scores: scores,
		users:  users,
		snaps:  snaps,
		mirror: mirror,
		log:    log,
		boards: make(map[leaderboard.Window]*leaderboard.Board),
	}
}

// Rebuild recomputes every window's board from the current score set and
// swaps them in. In-flight readers keep whatever board they already hold.
func (s *Service) Rebuild(ctx context.Context) error {
	start := time.Now()
	values, _, stale := s.scores.Values()
	if stale {
		s.log.Debug("rebuilding boards from a stale score snapshot")
	}
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, w := range leaderboard.Windows() {
		board, err := s.build(ctx, w, values, users, now)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.boards[w] = board
		s.mu.Unlock()

		if s.mirror != nil {
			if err := s.mirror.Publish(ctx, board); err != nil {
				s.log.WithError(err).WithField("window", string(w)).Warn("leaderboard mirror publish failed")
			}
		}
		metrics.RecordLeaderboardRebuild(string(w), time.Since(start))
	}
	return nil
}

func (s *Service) build(ctx context.Context, w leaderboard.Window, values map[string]float64, users []user.User, now time.Time) (*leaderboard.Board, error) {
	baseline := map[string]float64{}
	if w != leaderboard.WindowAllTime {
		snap, err := s.snaps.SnapshotBefore(ctx, windowStart(w, now))
		switch {
		case err == nil:
			baseline = snap.Values
		case errors.Is(err, faults.ErrNotFound):
			// no snapshot predates the window; deltas fall back to zero
		default:
			return nil, err
		}
	}

	entries := make([]leaderboard.Entry, 0, len(users))
	createdAt := make(map[string]time.Time, len(users))
	for _, u := range users {
		v, ok := values[u.ID]
		if !ok {
			continue
		}
		createdAt[u.ID] = u.CreatedAt
		entries = append(entries, leaderboard.Entry{
			UserID: u.ID,
			Score:  v,
			Delta:  v - baseline[u.ID],
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ca, cb := createdAt[a.UserID], createdAt[b.UserID]
		if !ca.Equal(cb) {
			return ca.Before(cb)
		}
		return a.UserID < b.UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return leaderboard.NewBoard(w, now, entries), nil
}

// windowStart returns the UTC boundary a window's deltas are measured from.
// Weeks start Monday 00:00, months on the 1st 00:00.
func windowStart(w leaderboard.Window, now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case leaderboard.WindowWeek:
		day := now.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case leaderboard.WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// Board returns the current board for a window, or nil before the first
// rebuild.
func (s *Service) Board(w leaderboard.Window) *leaderboard.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boards[w]
}

// Page returns one page of a board. Offsets past the end return an empty
// slice, never an error.
func (s *Service) Page(w leaderboard.Window, offset, limit int) []leaderboard.Entry {
	board := s.Board(w)
	if board == nil || offset >= board.Size() || limit <= 0 {
		return nil
	}
	if offset < 0 {
		offset = 0
	}
	end := offset + limit
	if end > board.Size() {
		end = board.Size()
	}
	page := make([]leaderboard.Entry, end-offset)
	copy(page, board.Entries[offset:end])
	return page
}

// Percentile returns the share of ranked users a user outranks or ties,
// in [0,100]. Unranked users report zero presence.
func (s *Service) Percentile(w leaderboard.Window, userID string) (float64, bool) {
	board := s.Board(w)
	if board == nil {
		return 0, false
	}
	entry, ok := board.Lookup(userID)
	if !ok {
		return 0, false
	}
	n := board.Size()
	if n == 1 {
		return 100, true
	}
	return float64(n-entry.Rank) / float64(n-1) * 100, true
}
