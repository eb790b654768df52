package app

import (
	"context"
	"fmt"

	"github.com/Coali-Network/trust_engine/internal/config"
	"github.com/Coali-Network/trust_engine/internal/ingest"
	"github.com/Coali-Network/trust_engine/internal/services/leaderboard"
	"github.com/Coali-Network/trust_engine/internal/services/referral"
	"github.com/Coali-Network/trust_engine/internal/services/rewards"
	"github.com/Coali-Network/trust_engine/internal/services/scoring"
	"github.com/Coali-Network/trust_engine/internal/services/trustgraph"
	"github.com/Coali-Network/trust_engine/internal/storage"
	"github.com/Coali-Network/trust_engine/internal/storage/memory"
	"github.com/Coali-Network/trust_engine/internal/system"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users     storage.UserStore
	Trust     storage.TrustStore
	Referrals storage.ReferralStore
	Scores    storage.ScoreStore
	Rewards   storage.RewardStore
}

// Application ties the engine's services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Trust        *trustgraph.Service
	Referrals    *referral.Service
	Scoring      *scoring.Service
	Recomputer   *scoring.Recomputer
	Rewards      *rewards.Service
	Distributor  *rewards.Distributor
	Leaderboards *leaderboard.Service
	Rebuilder    *leaderboard.Rebuilder
	Dispatcher   *ingest.Dispatcher
}

// New builds a fully initialised application. Mirror and wallet are
// optional; a nil wallet logs credits instead of sending them.
func New(cfg config.Config, stores Stores, mirror leaderboard.Mirror, wallet rewards.WalletClient, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Trust == nil {
		stores.Trust = mem
	}
	if stores.Referrals == nil {
		stores.Referrals = mem
	}
	if stores.Scores == nil {
		stores.Scores = mem
	}
	if stores.Rewards == nil {
		stores.Rewards = mem
	}

	manager := system.NewManager()

	trustSvc := trustgraph.New(stores.Users, stores.Trust, trustgraph.Config{
		HopBound: cfg.Scoring.HopBound,
	}, log.WithComponent("trustgraph"))
	referralSvc := referral.New(stores.Users, stores.Referrals, log.WithComponent("referral"))

	scoringSvc := scoring.New(stores.Users, stores.Trust, stores.Scores, scoring.Config{
		Damping:       cfg.Scoring.Damping,
		Baseline:      cfg.Scoring.Baseline,
		Epsilon:       cfg.Scoring.Epsilon,
		MaxIterations: cfg.Scoring.MaxIterations,
		HopBound:      cfg.Scoring.HopBound,
		TopSupporters: cfg.Scoring.TopSupporters,
	}, log.WithComponent("scoring"))
	recomputer := scoring.NewRecomputer(scoringSvc, scoring.RecomputerConfig{
		FullSchedule: cfg.Scoring.FullSchedule,
		RetryDelay:   cfg.Scoring.RetryDelay,
		InitialFull:  cfg.Scoring.InitialFull,
	}, log.WithComponent("score-recomputer"))

	rewardSvc := rewards.New(referralSvc, stores.Rewards, log.WithComponent("rewards"))
	if wallet == nil {
		wallet = loggingWallet{log: log.WithComponent("wallet")}
	}
	distributor := rewards.NewDistributor(rewardSvc, stores.Rewards, wallet, rewards.DistributorConfig{
		PollInterval: cfg.Rewards.PollInterval,
		BaseBackoff:  cfg.Rewards.BaseBackoff,
		MaxAttempts:  cfg.Rewards.MaxAttempts,
	}, log.WithComponent("reward-distributor"))

	leaderboardSvc := leaderboard.New(scoringSvc, stores.Users, stores.Scores, mirror, log.WithComponent("leaderboard"))
	rebuilder := leaderboard.NewRebuilder(leaderboardSvc, leaderboard.RebuilderConfig{
		Schedule:       cfg.Leaderboard.Schedule,
		InitialRebuild: cfg.Leaderboard.InitialRebuild,
	}, log.WithComponent("leaderboard-rebuilder"))

	dispatcher := ingest.New(trustSvc, referralSvc, rewardSvc, recomputer, ingest.Config{
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
	}, log.WithComponent("ingest"))

	for _, svc := range []system.Service{recomputer, distributor, rebuilder, dispatcher} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:      manager,
		log:          log,
		Trust:        trustSvc,
		Referrals:    referralSvc,
		Scoring:      scoringSvc,
		Recomputer:   recomputer,
		Rewards:      rewardSvc,
		Distributor:  distributor,
		Leaderboards: leaderboardSvc,
		Rebuilder:    rebuilder,
		Dispatcher:   dispatcher,
	}, nil
}

// Start brings every background runner up; a failure rolls back the ones
// already started.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts runners down in reverse registration order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// loggingWallet stands in when no wallet endpoint is configured, so dev
// environments can run the full distribution path.
type loggingWallet struct {
	log *logger.Logger
}

func (w loggingWallet) CreditTokens(_ context.Context, userID string, amount int64, reason, idempotencyKey string) error {
	w.log.WithField("user", userID).
		WithField("amount", amount).
		WithField("reason", reason).
		WithField("idempotency_key", idempotencyKey).
		Info("wallet credit (dry run)")
	return nil
}
