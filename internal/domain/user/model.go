package user

import "time"

// Tier bounds for identity verification confidence.
const (
	MinTier = 0
	MaxTier = 3
)

// User is a participant in the trust graph.
type User struct {
	ID          string
	DisplayName string
	Tier        int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TierMultiplier returns the edge-weight multiplier for a verification tier.
// Higher tiers amplify a truster's influence; tier 0 halves it so a swarm of
// unverified accounts contributes less per account than one verified account.
func TierMultiplier(tier int) float64 {
	switch tier {
	case 0:
		return 0.5
	case 1:
		return 1.0
	case 2:
		return 1.5
	default:
		return 2.0
	}
}
