package scoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Coali-Network/trust_engine/internal/faults"
	"github.com/Coali-Network/trust_engine/internal/system"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

var _ system.Service = (*Recomputer)(nil)

// RecomputerConfig tunes the background recompute runner.
type RecomputerConfig struct {
	// FullSchedule is a cron expression for the drift-correcting full
	// recompute. Defaults to a nightly run.
	FullSchedule string
	// RetryDelay is how long to wait before retrying after a convergence
	// failure.
	RetryDelay time.Duration
	// InitialFull triggers a full recompute when the runner starts so reads
	// have a snapshot to serve.
	InitialFull bool
}

func (c RecomputerConfig) withDefaults() RecomputerConfig {
	if c.FullSchedule == "" {
		c.FullSchedule = "0 3 * * *"
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
	return c
}

// Recomputer drains dirty-set signals into incremental recomputes and runs
// the scheduled full recompute. A mutation path only ever calls Enqueue and
// returns immediately; all score work happens here, off the write path.
type Recomputer struct {
	service *Service
	log     *logger.Logger
	cfg     RecomputerConfig

	mu            sync.Mutex
	pending       map[string]struct{}
	runningSeeds  map[string]struct{}
	runningCancel context.CancelFunc
	retryTimers   []*time.Timer
	signal        chan struct{}
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	running       bool
	cron          *cron.Cron
}

// NewRecomputer creates a lifecycle-managed recompute runner.
func NewRecomputer(service *Service, cfg RecomputerConfig, log *logger.Logger) *Recomputer {
	if log == nil {
		log = logger.NewDefault("score-recomputer")
	}
	return &Recomputer{
		service: service,
		log:     log,
		cfg:     cfg.withDefaults(),
		pending: make(map[string]struct{}),
		signal:  make(chan struct{}, 1),
	}
}

func (r *Recomputer) Name() string { return "score-recomputer" }

// Enqueue marks users dirty and nudges the worker. If a running incremental
// job covers any of the users, that job is cancelled: its inputs are already
// superseded and it must not overwrite newer results.
func (r *Recomputer) Enqueue(users []string) {
	if len(users) == 0 {
		return
	}
	var cancel context.CancelFunc
	r.mu.Lock()
	for _, u := range users {
		r.pending[u] = struct{}{}
	}
	for _, u := range users {
		if _, ok := r.runningSeeds[u]; ok {
			cancel = r.runningCancel
			break
		}
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Recomputer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	c := cron.New()
	if _, err := c.AddFunc(r.cfg.FullSchedule, func() { r.runFull(runCtx) }); err != nil {
		r.running = false
		r.cancel = nil
		r.mu.Unlock()
		cancel()
		return err
	}
	r.cron = c
	r.mu.Unlock()

	c.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(runCtx)
	}()

	if r.cfg.InitialFull {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runFull(runCtx)
		}()
	}

	r.log.WithField("full_schedule", r.cfg.FullSchedule).Info("score recomputer started")
	return nil
}

func (r *Recomputer) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	c := r.cron
	r.cron = nil
	timers := r.retryTimers
	r.retryTimers = nil
	r.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("score recomputer stopped")
	return nil
}

func (r *Recomputer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.signal:
		}
		r.drain(ctx)
	}
}

// drain processes pending dirty sets until the queue is empty. Each batch
// runs under its own cancellable context so a superseding Enqueue can abort
// it; aborted seeds go back on the queue.
func (r *Recomputer) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 || ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		seeds := r.pending
		r.pending = make(map[string]struct{})
		jobCtx, jobCancel := context.WithCancel(ctx)
		r.runningSeeds = seeds
		r.runningCancel = jobCancel
		r.mu.Unlock()

		seedList := make([]string, 0, len(seeds))
		for u := range seeds {
			seedList = append(seedList, u)
		}

		err := r.service.RecomputeUsers(jobCtx, seedList)
		superseded := jobCtx.Err() != nil && ctx.Err() == nil

		r.mu.Lock()
		r.runningSeeds = nil
		r.runningCancel = nil
		if superseded {
			for u := range seeds {
				r.pending[u] = struct{}{}
			}
		}
		r.mu.Unlock()
		jobCancel()

		if err != nil && !superseded && ctx.Err() == nil {
			if errors.Is(err, faults.ErrNotConverged) {
				r.scheduleRetry(ctx, seedList)
			} else {
				r.log.WithError(err).Warn("incremental recompute failed")
			}
		}
	}
}

func (r *Recomputer) runFull(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	err := r.service.RecomputeFull(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	if errors.Is(err, faults.ErrNotConverged) {
		r.log.WithField("retry_in", r.cfg.RetryDelay.String()).Warn("full recompute did not converge; retry scheduled")
		r.afterRetryDelay(ctx, func() { r.runFull(ctx) })
		return
	}
	r.log.WithError(err).Warn("full recompute failed")
}

func (r *Recomputer) scheduleRetry(ctx context.Context, seeds []string) {
	r.log.WithField("retry_in", r.cfg.RetryDelay.String()).
		WithField("seeds", len(seeds)).
		Warn("incremental recompute did not converge; retry scheduled")
	r.afterRetryDelay(ctx, func() { r.Enqueue(seeds) })
}

func (r *Recomputer) afterRetryDelay(ctx context.Context, fn func()) {
	timer := time.AfterFunc(r.cfg.RetryDelay, func() {
		if ctx.Err() == nil {
			fn()
		}
	})
	r.mu.Lock()
	if r.running {
		r.retryTimers = append(r.retryTimers, timer)
	} else {
		timer.Stop()
	}
	r.mu.Unlock()
}
