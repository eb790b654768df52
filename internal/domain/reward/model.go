package reward

import (
	"strconv"
	"time"
)

// Status values for a reward record's distribution lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusValidated    Status = "validated"
	StatusDistributing Status = "distributing"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
)

// AmountForGeneration is the fixed Zooz payout table per referral generation.
func AmountForGeneration(generation int) (int64, bool) {
	switch generation {
	case 1:
		return 5, true
	case 2:
		return 2, true
	case 3:
		return 1, true
	default:
		return 0, false
	}
}

// Record is one referral reward owed to one ancestor for one qualifying
// verification event. The (BeneficiaryID, SourceEventID, Generation) triple is
// unique, which makes the insert the idempotency boundary under at-least-once
// event delivery.
type Record struct {
	ID            string
	BeneficiaryID string
	SourceEventID string
	Generation    int
	Amount        int64
	Status        Status
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	DistributedAt *time.Time
}

// IdempotencyKey returns the wallet-credit key that keeps retried credits
// from double-paying.
func (r Record) IdempotencyKey() string {
	return "reward:" + r.SourceEventID + ":" + r.BeneficiaryID + ":" + strconv.Itoa(r.Generation)
}
