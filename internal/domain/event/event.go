package event

import "time"

// Type identifies an inbound event from the surrounding application.
type Type string

const (
	TypeTrustGiven     Type = "trust_given"
	TypeTrustRevoked   Type = "trust_revoked"
	TypeTierChanged    Type = "verification_tier_changed"
	TypeReferralJoined Type = "referral_joined"
	TypeUserVerified   Type = "user_verified"
)

// Event is the flat inbound envelope. Which fields are meaningful depends on
// Type; Validate on the dispatcher enforces the per-type shape.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Truster   string    `json:"truster,omitempty"`
	Trusted   string    `json:"trusted,omitempty"`
	User      string    `json:"user,omitempty"`
	NewTier   int       `json:"new_tier,omitempty"`
	Inviter   string    `json:"inviter,omitempty"`
	Invitee   string    `json:"invitee,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"ts"`
}
