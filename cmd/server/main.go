package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/Coali-Network/trust_engine/internal/app"
	"github.com/Coali-Network/trust_engine/internal/config"
	"github.com/Coali-Network/trust_engine/internal/httpapi"
	"github.com/Coali-Network/trust_engine/internal/services/leaderboard"
	"github.com/Coali-Network/trust_engine/internal/services/rewards"
	"github.com/Coali-Network/trust_engine/internal/storage/postgres"
	redisstore "github.com/Coali-Network/trust_engine/internal/storage/redis"
	"github.com/Coali-Network/trust_engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/engine.yaml", "path to the engine config file")
	addr := flag.String("addr", "", "listen address override")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("server").WithError(err).Error("config load failed")
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}).WithComponent("server")

	var stores app.Stores
	if cfg.Database.DSN != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Error("open database failed")
			os.Exit(1)
		}
		if cfg.Database.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		if err := db.Ping(); err != nil {
			log.WithError(err).Error("database unreachable")
			os.Exit(1)
		}
		defer db.Close()
		pg := postgres.New(db)
		stores = app.Stores{Users: pg, Trust: pg, Referrals: pg, Scores: pg, Rewards: pg}
		log.Info("using postgres storage")
	} else {
		log.Warn("no database configured; using in-memory storage")
	}

	var mirror leaderboard.Mirror
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithError(err).Warn("redis unreachable; leaderboard mirror disabled")
		} else {
			mirror = redisstore.NewMirror(client, cfg.Redis.KeyPrefix)
			defer client.Close()
		}
	}

	var wallet rewards.WalletClient
	if cfg.Wallet.BaseURL != "" {
		wallet = rewards.NewHTTPWalletClient(cfg.Wallet.BaseURL, cfg.Wallet.Timeout)
	}

	application, err := app.New(cfg, stores, mirror, wallet, log)
	if err != nil {
		log.WithError(err).Error("application init failed")
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(runCtx); err != nil {
		log.WithError(err).Error("application start failed")
		os.Exit(1)
	}

	handler := httpapi.NewHandler(application.Dispatcher, application.Scoring, application.Rewards, application.Leaderboards, log.WithComponent("httpapi"))
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-runCtx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown incomplete")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop incomplete")
	}
	log.Info("server exited")
}
