package rewards

import (
	"context"
	"sync"
	"time"

	"github.com/Coali-Network/trust_engine/internal/domain/reward"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/metrics"
	"github.com/Coali-Network/trust_engine/internal/storage"
	"github.com/Coali-Network/trust_engine/internal/system"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

var _ system.Service = (*Distributor)(nil)

// DistributorConfig tunes the payout poller.
type DistributorConfig struct {
	PollInterval time.Duration
	// BaseBackoff is the delay after the first failed credit; it doubles per
	// attempt.
	BaseBackoff time.Duration
	// MaxAttempts bounds credit retries before a record is marked failed.
	MaxAttempts int
}

func (c DistributorConfig) withDefaults() DistributorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Distributor drives reward records from pending through validated to a
// wallet credit. It is the only writer of distribution state, so a record
// can never be credited by two paths at once.
type Distributor struct {
	rewards *Service
	store   storage.RewardStore
	wallet  WalletClient
	cfg     DistributorConfig
	log     *logger.Logger

	mu          sync.Mutex
	nextAttempt map[string]time.Time
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
}

// NewDistributor creates the payout poller.
func NewDistributor(rewards *Service, store storage.RewardStore, wallet WalletClient, cfg DistributorConfig, log *logger.Logger) *Distributor {
	if log == nil {
		log = logger.NewDefault("reward-distributor")
	}
	return &Distributor{
		rewards:     rewards,
		store:       store,
		wallet:      wallet,
		cfg:         cfg.withDefaults(),
		log:         log,
		nextAttempt: make(map[string]time.Time),
	}
}

func (d *Distributor) Name() string { return "reward-distributor" }

func (d *Distributor) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.Poll(runCtx)
			}
		}
	}()

	d.log.WithField("poll_interval", d.cfg.PollInterval.String()).Info("reward distributor started")
	return nil
}

func (d *Distributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.log.Info("reward distributor stopped")
	return nil
}

// Poll runs one distribution pass over every undistributed record. Exported
// so tests can drive the poller without waiting on the ticker.
func (d *Distributor) Poll(ctx context.Context) {
	records, err := d.store.ListUndistributedRewards(ctx)
	if err != nil {
		d.log.WithError(err).Warn("listing undistributed rewards failed")
		return
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if err := d.process(ctx, rec); err != nil {
			d.log.WithError(err).
				WithField("record", rec.ID).
				Warn("reward distribution step failed")
		}
	}
}

func (d *Distributor) process(ctx context.Context, rec reward.Record) error {
	if rec.Status == reward.StatusPending {
		var err error
		rec, err = d.rewards.Validate(ctx, rec)
		if err != nil || rec.Status != reward.StatusValidated {
			return err
		}
	}
	if rec.Status != reward.StatusValidated && rec.Status != reward.StatusDistributing {
		return nil
	}
	if !d.due(rec.ID) {
		return nil
	}

	rec.Status = reward.StatusDistributing
	rec.Attempts++
	rec, err := d.store.UpdateRewardRecord(ctx, rec)
	if err != nil {
		return err
	}

	creditErr := d.wallet.CreditTokens(ctx, rec.BeneficiaryID, rec.Amount, "referral reward", rec.IdempotencyKey())
	if creditErr == nil {
		now := time.Now().UTC()
		rec.Status = reward.StatusComplete
		rec.LastError = ""
		rec.DistributedAt = &now
		if _, err := d.store.UpdateRewardRecord(ctx, rec); err != nil {
			return err
		}
		d.clearBackoff(rec.ID)
		metrics.RecordReward(rec.Generation, string(reward.StatusComplete))
		d.log.WithField("beneficiary", rec.BeneficiaryID).
			WithField("amount", rec.Amount).
			WithField("generation", rec.Generation).
			Info("reward distributed")
		return nil
	}

	rec.LastError = creditErr.Error()
	if rec.Attempts >= d.cfg.MaxAttempts || !faults.IsTransient(creditErr) {
		rec.Status = reward.StatusFailed
	}
	if rec.Status == reward.StatusFailed {
		if _, err := d.store.UpdateRewardRecord(ctx, rec); err != nil {
			return err
		}
		d.clearBackoff(rec.ID)
		metrics.RecordReward(rec.Generation, string(reward.StatusFailed))
		d.log.WithField("record", rec.ID).
			WithField("beneficiary", rec.BeneficiaryID).
			WithField("attempts", rec.Attempts).
			Error("reward distribution exhausted retries; manual review required")
		return nil
	}

	if _, err := d.store.UpdateRewardRecord(ctx, rec); err != nil {
		return err
	}
	d.deferRecord(rec.ID, rec.Attempts)
	return creditErr
}

// due reports whether a record's backoff window has elapsed.
func (d *Distributor) due(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, ok := d.nextAttempt[id]
	return !ok || !time.Now().Before(next)
}

func (d *Distributor) deferRecord(id string, attempts int) {
	backoff := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
	}
	d.mu.Lock()
	d.nextAttempt[id] = time.Now().Add(backoff)
	d.mu.Unlock()
}

func (d *Distributor) clearBackoff(id string) {
	d.mu.Lock()
	delete(d.nextAttempt, id)
	d.mu.Unlock()
}
