package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Coali-Network/trust_engine/internal/domain/event"
	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/metrics"
	"github.com/Coali-Network/trust_engine/internal/services/referral"
	"github.com/Coali-Network/trust_engine/internal/services/rewards"
	"github.com/Coali-Network/trust_engine/internal/services/scoring"
	"github.com/Coali-Network/trust_engine/internal/services/trustgraph"
	"github.com/Coali-Network/trust_engine/internal/system"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

var _ system.Service = (*Dispatcher)(nil)

// Config tunes the ingest worker pool.
type Config struct {
	// Workers is the number of concurrent event processors.
	Workers int
	// QueueSize is the buffered submission queue; Submit rejects with a
	// transient error when it is full.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}

// Dispatcher routes inbound events to the owning service and marks affected
// users dirty for the score recomputer. Graph mutations are applied
// synchronously inside Process; score recomputation never is.
type Dispatcher struct {
	trust      *trustgraph.Service
	referrals  *referral.Service
	rewards    *rewards.Service
	recomputer *scoring.Recomputer
	cfg        Config
	log        *logger.Logger

	mu      sync.Mutex
	queue   chan event.Event
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs the event dispatcher.
func New(trust *trustgraph.Service, referrals *referral.Service, rewards *rewards.Service, recomputer *scoring.Recomputer, cfg Config, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("ingest")
	}
	return &Dispatcher{
		trust:      trust,
		referrals:  referrals,
		rewards:    rewards,
		recomputer: recomputer,
		cfg:        cfg.withDefaults(),
		log:        log,
	}
}

func (d *Dispatcher) Name() string { return "event-dispatcher" }

// Validate checks the per-type field shape without touching any store.
func Validate(ev event.Event) error {
	if ev.Type == "" {
		return faults.Validation("event type is required")
	}
	switch ev.Type {
	case event.TypeTrustGiven, event.TypeTrustRevoked:
		if ev.Truster == "" || ev.Trusted == "" {
			return faults.Validation("%s requires truster and trusted", ev.Type)
		}
	case event.TypeTierChanged:
		if ev.User == "" {
			return faults.Validation("%s requires user", ev.Type)
		}
	case event.TypeReferralJoined:
		if ev.Inviter == "" || ev.Invitee == "" {
			return faults.Validation("%s requires inviter and invitee", ev.Type)
		}
	case event.TypeUserVerified:
		if ev.User == "" || ev.EventID == "" {
			return faults.Validation("%s requires user and event_id", ev.Type)
		}
	default:
		return faults.Validation("unknown event type %q", ev.Type)
	}
	return nil
}

// Submit enqueues an event for asynchronous processing. A full queue is
// backpressure, reported as transient so callers retry.
func (d *Dispatcher) Submit(ev event.Event) error {
	if err := Validate(ev); err != nil {
		metrics.RecordEvent(string(ev.Type), "invalid")
		return err
	}

	d.mu.Lock()
	queue := d.queue
	running := d.running
	d.mu.Unlock()
	if !running {
		return faults.Transient("submit event", errors.New("dispatcher not running"))
	}

	select {
	case queue <- ev:
		return nil
	default:
		metrics.RecordEvent(string(ev.Type), "rejected")
		return faults.Transient("submit event", errors.New("queue full"))
	}
}

// Process applies one event synchronously. Exported for tests and for
// callers that need the mutation applied before returning.
func (d *Dispatcher) Process(ctx context.Context, ev event.Event) error {
	if err := Validate(ev); err != nil {
		metrics.RecordEvent(string(ev.Type), "invalid")
		return err
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var err error
	switch ev.Type {
	case event.TypeTrustGiven:
		var affected []string
		affected, err = d.trust.AddTrust(ctx, ev.Truster, ev.Trusted, at)
		if err == nil {
			d.recomputer.Enqueue(affected)
		}
	case event.TypeTrustRevoked:
		var affected []string
		affected, err = d.trust.RevokeTrust(ctx, ev.Truster, ev.Trusted, at)
		if err == nil {
			d.recomputer.Enqueue(affected)
		}
	case event.TypeTierChanged:
		var affected []string
		affected, err = d.trust.SetVerificationTier(ctx, ev.User, ev.NewTier)
		if err == nil {
			d.recomputer.Enqueue(affected)
		}
	case event.TypeReferralJoined:
		_, err = d.referrals.RecordReferral(ctx, ev.Inviter, ev.Invitee, at)
	case event.TypeUserVerified:
		_, err = d.rewards.HandleUserVerified(ctx, ev.User, ev.EventID, at)
	}

	if err != nil {
		metrics.RecordEvent(string(ev.Type), "error")
		return err
	}
	metrics.RecordEvent(string(ev.Type), "ok")
	return nil
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.queue = make(chan event.Event, d.cfg.QueueSize)
	d.cancel = cancel
	d.running = true
	queue := d.queue
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case ev := <-queue:
					if err := d.Process(runCtx, ev); err != nil {
						d.log.WithError(err).
							WithField("type", string(ev.Type)).
							WithField("id", ev.ID).
							Warn("event processing failed")
					}
				}
			}
		}()
	}

	d.log.WithField("workers", d.cfg.Workers).Info("event dispatcher started")
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
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

	d.log.Info("event dispatcher stopped")
	return nil
}
