package score

import "time"

// Trend signs for day/week score movement.
const (
	TrendDown = -1
	TrendFlat = 0
	TrendUp   = 1
)

// Score is a user's derived reputation value. It is rebuildable from the
// trust graph at any time and carries no authority of its own.
type Score struct {
	UserID     string
	Value      float64
	Percentile float64
	TrendDay   int
	TrendWeek  int
	Stale      bool
	UpdatedAt  time.Time
}

// Snapshot is a point-in-time capture of every user's score value, used for
// trend and leaderboard window-delta computation.
type Snapshot struct {
	Version string
	TakenAt time.Time
	Values  map[string]float64
}

// Sign collapses a delta into a trend sign.
func Sign(delta float64) int {
	switch {
	case delta > 0:
		return TrendUp
	case delta < 0:
		return TrendDown
	default:
		return TrendFlat
	}
}
