package leaderboard

import "time"

// Window identifies the time range a board is ranked over.
type Window string

const (
	WindowAllTime Window = "all_time"
	WindowWeek    Window = "week"
	WindowMonth   Window = "month"
)

// Windows lists every supported window.
func Windows() []Window {
	return []Window{WindowAllTime, WindowWeek, WindowMonth}
}

// ParseWindow validates a window name.
func ParseWindow(raw string) (Window, bool) {
	switch Window(raw) {
	case WindowAllTime, WindowWeek, WindowMonth:
		return Window(raw), true
	default:
		return "", false
	}
}

// Entry is one ranked row. Delta is the score change since the window start.
type Entry struct {
	Rank   int
	UserID string
	Score  float64
	Delta  float64
}

// Board is an immutable ranked snapshot for one window. Readers hold the
// whole board; rebuilds swap in a fresh one and never mutate a published
// board.
type Board struct {
	Window  Window
	BuiltAt time.Time
	Entries []Entry
	byUser  map[string]int
}

// NewBoard builds a board with its user index. Entries must already be in
// rank order.
func NewBoard(window Window, builtAt time.Time, entries []Entry) *Board {
	byUser := make(map[string]int, len(entries))
	for i, e := range entries {
		byUser[e.UserID] = i
	}
	return &Board{Window: window, BuiltAt: builtAt, Entries: entries, byUser: byUser}
}

// Lookup returns a user's entry and presence.
func (b *Board) Lookup(userID string) (Entry, bool) {
	if b == nil {
		return Entry{}, false
	}
	idx, ok := b.byUser[userID]
	if !ok {
		return Entry{}, false
	}
	return b.Entries[idx], true
}

// Size returns the number of ranked users.
func (b *Board) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Entries)
}
