package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/R3E-Network/vrfpool/internal/chain"
	"github.com/R3E-Network/vrfpool/internal/config"
	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/logging"
	"github.com/R3E-Network/vrfpool/internal/metrics"
	"github.com/R3E-Network/vrfpool/internal/middleware"
	"github.com/R3E-Network/vrfpool/internal/storage"
	"github.com/R3E-Network/vrfpool/internal/storage/cache"
	"github.com/R3E-Network/vrfpool/internal/storage/postgres"
	"github.com/R3E-Network/vrfpool/internal/storage/postgres/migrations"
	"github.com/R3E-Network/vrfpool/services/vrfpool/api"
	"github.com/R3E-Network/vrfpool/services/vrfpool/consume"
	"github.com/R3E-Network/vrfpool/services/vrfpool/maintenance"
	"github.com/R3E-Network/vrfpool/services/vrfpool/oracle"
	"github.com/R3E-Network/vrfpool/services/vrfpool/pregen"
	"github.com/R3E-Network/vrfpool/services/vrfpool/refill"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the auto-refill controller and maintenance jobs",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	log := logging.Component(logger, "main")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage. Refill and consumption decisions read levels uncached.
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	live := store.Fresh()

	// Chain
	client, err := chain.Dial(ctx, chain.Config{
		RPCURL:          cfg.RPCURL,
		ContractAddress: cfg.CoordinatorAddress,
		PrivateKeyHex:   cfg.SignerKey,
		ChainID:         cfg.ChainID,
		GasLimit:        cfg.GasLimit,
		Logger:          logging.Component(logger, "chain"),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	// Services
	engine := recovery.NewEngine(recovery.Config{
		Policies: map[recovery.ErrorType]recovery.Policy{
			recovery.TypeFulfillmentTimeout: monitorPolicy(cfg.MonitorTimeout),
		},
		Logger: logging.Component(logger, "recovery"),
		OnRecord: func(ce recovery.ClassifiedError) {
			metrics.RecordError(string(ce.Type))
		},
	})
	manager := oracle.New(client, store, engine, oracle.Config{
		MaxBatchSize:      cfg.MaxBatchSize,
		MinBalance:        cfg.MinBalance(),
		PoolTTL:           cfg.PoolTTL,
		Catalog:           cfg.SubTypes,
		PollBatch:         cfg.PollBatch,
		PollWorkers:       cfg.PollWorkers,
		ResubmitOnTimeout: true,
		Logger:            logging.Component(logger, "oracle"),
	})
	coordinator := pregen.New(manager, pregen.Config{
		Targets:            cfg.Targets,
		Catalog:            cfg.SubTypes,
		InterBatchDelay:    cfg.InterBatchDelay,
		LowThreshold:       cfg.LowThreshold,
		EmergencyThreshold: cfg.EmergencyThreshold,
		Logger:             logging.Component(logger, "pregen"),
	})
	controller := refill.New(coordinator, live, refill.Config{
		Targets:            cfg.Targets,
		LowThreshold:       cfg.LowThreshold,
		EmergencyThreshold: cfg.EmergencyThreshold,
		TickInterval:       cfg.RefillTick,
		Cooldown:           cfg.RefillCooldown,
		MaxRetries:         cfg.MaxRetries,
		Logger:             logging.Component(logger, "refill"),
	})
	consumer := consume.New(live, controller, consume.Config{
		LowThreshold: cfg.LowThreshold,
		Catalog:      cfg.SubTypes,
		Logger:       logging.Component(logger, "consume"),
	})
	svc := api.New(api.Config{
		Store:           store,
		Oracle:          manager,
		Pregen:          coordinator,
		Refill:          controller,
		Consumer:        consumer,
		Engine:          engine,
		RateLimiter:     middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logging.Component(logger, "ratelimit")),
		AllowedOrigins:  cfg.AllowedOrigins(),
		PollInterval:    cfg.PollInterval,
		AutoStartRefill: cfg.AutoStartRefill,
		Logger:          logging.Component(logger, "api"),
	})
	jobs := maintenance.New(store, coordinator, engine, maintenance.Config{
		Retention:     time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		SessionMaxAge: cfg.SessionMaxAge,
		Logger:        logging.Component(logger, "maintenance"),
	})

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":     cfg.HTTPAddr,
			"signer":   client.Signer().Hex(),
			"contract": client.Contract().Hex(),
		}).Info("vrfpool listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	jobs.Stop()
	if err := svc.Stop(); err != nil {
		log.WithError(err).Warn("service stop")
	}
	log.Info("stopped")
	return nil
}

// openStore returns the proof store with the count cache in front of it.
// Without DATABASE_URL the pool is kept in memory.
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*cache.Store, func(), error) {
	log := logging.Component(logger, "storage")
	var (
		inner   storage.ProofStore
		closers []func()
	)

	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set; proofs are kept in memory")
		inner = storage.NewMemory()
	} else {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := migrations.Up(ctx, db.DB); err != nil {
			db.Close()
			return nil, nil, err
		}
		closers = append(closers, func() { db.Close() })
		inner = postgres.New(db)
	}

	var backend cache.Backend
	if cfg.RedisURL != "" {
		redis, err := cache.NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable; using in-process cache")
			backend = cache.NewMemoryBackend()
		} else {
			backend = redis
			closers = append(closers, func() { redis.Close() })
		}
	} else {
		backend = cache.NewMemoryBackend()
	}

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return cache.Wrap(inner, backend, log), closeAll, nil
}

func monitorPolicy(timeout time.Duration) recovery.Policy {
	p := recovery.DefaultPolicies()[recovery.TypeFulfillmentTimeout]
	if timeout > 0 {
		p.Timeout = timeout
	}
	return p
}
