package trust

import "time"

// Edge is a directed endorsement from one user to another. The pair
// (TrusterID, TrustedID) is unique: re-trusting after a revocation reactivates
// the same edge with a fresh timestamp rather than creating a duplicate.
// Inactive edges are retained for audit and removals-impact metrics.
type Edge struct {
	TrusterID string
	TrustedID string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
	RevokedAt *time.Time
}

// Key returns the unique pair key for the edge.
func (e Edge) Key() string {
	return e.TrusterID + "\x00" + e.TrustedID
}

// PairKey builds the unique key for a (truster, trusted) pair.
func PairKey(truster, trusted string) string {
	return truster + "\x00" + trusted
}
