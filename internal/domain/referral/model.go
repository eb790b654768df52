package referral

import "time"

// MaxGeneration caps referral-chain depth. The cap is enforced when an edge
// is created so no read path ever needs cycle detection.
const MaxGeneration = 3

// Edge records that Inviter brought Invitee into the product. Generation is
// the invitee's depth in the referral chain, fixed at creation time and never
// recomputed.
type Edge struct {
	InviterID  string
	InviteeID  string
	Generation int
	CreatedAt  time.Time
}

// Ancestor is one entry of an invitee's inviter chain. Generation 1 is the
// direct inviter.
type Ancestor struct {
	UserID     string
	Generation int
}
