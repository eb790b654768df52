package leaderboard

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Coali-Network/trust_engine/internal/system"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

var _ system.Service = (*Rebuilder)(nil)

// RebuilderConfig tunes the periodic board rebuild.
type RebuilderConfig struct {
	// Schedule is a cron expression; "@every 1m" keeps boards at most a
	// minute behind the score state.
	Schedule string
	// InitialRebuild builds boards at startup so reads never see nil boards.
	InitialRebuild bool
}

func (c RebuilderConfig) withDefaults() RebuilderConfig {
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	return c
}

// Rebuilder runs the leaderboard rebuild on a schedule.
type Rebuilder struct {
	service *Service
	cfg     RebuilderConfig
	log     *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRebuilder creates the lifecycle-managed rebuild runner.
func NewRebuilder(service *Service, cfg RebuilderConfig, log *logger.Logger) *Rebuilder {
	if log == nil {
		log = logger.NewDefault("leaderboard-rebuilder")
	}
	return &Rebuilder{service: service, cfg: cfg.withDefaults(), log: log}
}

func (r *Rebuilder) Name() string { return "leaderboard-rebuilder" }

func (r *Rebuilder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)

	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.rebuild(runCtx) }); err != nil {
		r.mu.Unlock()
		cancel()
		return err
	}
	r.cron = c
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	c.Start()

	if r.cfg.InitialRebuild {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.rebuild(runCtx)
		}()
	}

	r.log.WithField("schedule", r.cfg.Schedule).Info("leaderboard rebuilder started")
	return nil
}

func (r *Rebuilder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	cancel := r.cancel
	r.cron = nil
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	<-c.Stop().Done()
	cancel()

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

	r.log.Info("leaderboard rebuilder stopped")
	return nil
}

func (r *Rebuilder) rebuild(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := r.service.Rebuild(ctx); err != nil {
		r.log.WithError(err).Warn("leaderboard rebuild failed")
		return
	}
	r.log.WithField("elapsed", time.Since(start).String()).Debug("leaderboards rebuilt")
}
