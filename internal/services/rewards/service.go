package rewards

import (
	"context"
	"errors"
	"time"

	"github.com/Coali-Network/trust_engine/internal/domain/referral"
	"github.com/Coali-Network/trust_engine/internal/domain/reward"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/metrics"
	"github.com/Coali-Network/trust_engine/internal/storage"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

// AncestorSource resolves an invitee's inviter chain.
type AncestorSource interface {
	Ancestors(ctx context.Context, invitee string) ([]referral.Ancestor, error)
}

// Service accrues referral rewards when an invitee completes verification.
// The unique (beneficiary, source event, generation) insert makes accrual
// idempotent under redelivered events; distribution is the poller's job.
type Service struct {
	referrals AncestorSource
	store     storage.RewardStore
	log       *logger.Logger
}

// New constructs a reward accrual service.
func New(referrals AncestorSource, store storage.RewardStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("rewards")
	}
	return &Service{referrals: referrals, store: store, log: log}
}

// HandleUserVerified accrues one pending reward record per ancestor of the
// verified user, up to three generations. Records already present for the
// same event are skipped, so replays of the same event id are harmless.
// Returns the records created by this call.
func (s *Service) HandleUserVerified(ctx context.Context, userID, eventID string, at time.Time) ([]reward.Record, error) {
	if userID == "" || eventID == "" {
		return nil, faults.Validation("user and event_id are required")
	}

	ancestors, err := s.referrals.Ancestors(ctx, userID)
	if err != nil {
		return nil, err
	}

	var created []reward.Record
	for _, anc := range ancestors {
		amount, ok := reward.AmountForGeneration(anc.Generation)
		if !ok {
			return created, faults.Consistency("ancestor chain for %s yielded generation %d", userID, anc.Generation)
		}
		rec := reward.Record{
			BeneficiaryID: anc.UserID,
			SourceEventID: eventID,
			Generation:    anc.Generation,
			Amount:        amount,
			Status:        reward.StatusPending,
			CreatedAt:     at.UTC(),
		}
		stored, err := s.store.CreateRewardRecord(ctx, rec)
		if errors.Is(err, faults.ErrDuplicateReward) {
			s.log.WithField("beneficiary", anc.UserID).
				WithField("event_id", eventID).
				WithField("generation", anc.Generation).
				Debug("reward already accrued for event")
			continue
		}
		if err != nil {
			return created, err
		}
		created = append(created, stored)
	}

	if len(created) > 0 {
		s.log.WithField("user", userID).
			WithField("event_id", eventID).
			WithField("records", len(created)).
			Info("referral rewards accrued")
	}
	return created, nil
}

// Validate moves a pending record to validated after re-checking its amount
// against the payout table. A mismatch marks the record failed rather than
// letting a bad amount reach the wallet.
func (s *Service) Validate(ctx context.Context, rec reward.Record) (reward.Record, error) {
	if rec.Status != reward.StatusPending {
		return rec, nil
	}
	amount, ok := reward.AmountForGeneration(rec.Generation)
	if !ok || amount != rec.Amount {
		rec.Status = reward.StatusFailed
		rec.LastError = "amount does not match payout table"
		metrics.RecordReward(rec.Generation, string(reward.StatusFailed))
		return s.store.UpdateRewardRecord(ctx, rec)
	}
	rec.Status = reward.StatusValidated
	return s.store.UpdateRewardRecord(ctx, rec)
}

// History returns a beneficiary's reward records.
func (s *Service) History(ctx context.Context, beneficiaryID string) ([]reward.Record, error) {
	return s.store.ListRewardRecords(ctx, beneficiaryID)
}
