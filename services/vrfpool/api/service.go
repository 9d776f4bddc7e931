// Package api serves the proof pool over HTTP and owns its background workers.
package api

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/middleware"
	"github.com/R3E-Network/vrfpool/internal/storage"
	commonservice "github.com/R3E-Network/vrfpool/services/common/service"
	"github.com/R3E-Network/vrfpool/services/vrfpool/consume"
	"github.com/R3E-Network/vrfpool/services/vrfpool/oracle"
	"github.com/R3E-Network/vrfpool/services/vrfpool/pregen"
	"github.com/R3E-Network/vrfpool/services/vrfpool/refill"
)

const (
	ServiceID   = "vrfpool"
	ServiceName = "VRF Proof Pool"
	Version     = "1.0.0"
)

const (
	defaultPollInterval    = 15 * time.Second
	rateLimitCleanupPeriod = 5 * time.Minute
)

// Config wires the pool components into the HTTP service.
type Config struct {
	Store    storage.ProofStore
	Oracle   *oracle.Manager
	Pregen   *pregen.Coordinator
	Refill   *refill.Controller
	Consumer *consume.Service
	Engine   *recovery.Engine

	RateLimiter     *middleware.RateLimiter
	AllowedOrigins  []string
	PollInterval    time.Duration
	AutoStartRefill bool

	Clock  clock.Clock
	Logger *logrus.Entry
}

// Service is the pool's HTTP surface.
type Service struct {
	*commonservice.BaseService

	store    storage.ProofStore
	oracle   *oracle.Manager
	pregen   *pregen.Coordinator
	refill   *refill.Controller
	consumer *consume.Service
	engine   *recovery.Engine
	limiter  *middleware.RateLimiter
	clock    clock.Clock

	ctxMu  sync.Mutex
	runCtx context.Context
}

// New builds the service, registers its routes and background workers.
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	base := commonservice.NewBase(commonservice.BaseConfig{
		ID:      ServiceID,
		Name:    ServiceName,
		Version: Version,
		Logger:  cfg.Logger,
		Checks: []commonservice.Check{
			{Name: "store", Critical: true, Ping: cfg.Store.Ping},
			{Name: "oracle", Ping: func(ctx context.Context) error {
				if h := cfg.Oracle.Health(ctx); !h.Healthy() {
					return oracleHealthError(h)
				}
				return nil
			}},
		},
	})

	s := &Service{
		BaseService: base,
		store:       cfg.Store,
		oracle:      cfg.Oracle,
		pregen:      cfg.Pregen,
		refill:      cfg.Refill,
		consumer:    cfg.Consumer,
		engine:      cfg.Engine,
		limiter:     cfg.RateLimiter,
		clock:       cfg.Clock,
	}

	base.WithHydrate(func(ctx context.Context) error {
		s.setRunContext(ctx)
		if cfg.AutoStartRefill {
			s.refill.Start(ctx)
		}
		return nil
	})
	base.WithStats(s.statistics)

	base.AddTickerWorker("fulfillment-poller", cfg.PollInterval, func(ctx context.Context) error {
		res, err := s.oracle.PollFulfillments(ctx)
		if res.Fulfilled > 0 {
			s.refill.TriggerCheck()
		}
		return err
	})
	base.AddTickerWorker("timeout-resubmitter", cfg.PollInterval, func(ctx context.Context) error {
		_, err := s.oracle.ResubmitTimedOut(ctx)
		return err
	})
	if s.limiter != nil {
		base.AddTickerWorker("rate-limit-cleanup", rateLimitCleanupPeriod, func(context.Context) error {
			s.limiter.Cleanup()
			return nil
		})
	}

	base.RegisterStandardRoutes()
	s.registerRoutes(cfg.AllowedOrigins)
	return s
}

// Stop halts the refill controller and the background workers.
func (s *Service) Stop() error {
	s.refill.Stop()
	return s.BaseService.Stop()
}

func (s *Service) setRunContext(ctx context.Context) {
	s.ctxMu.Lock()
	s.runCtx = ctx
	s.ctxMu.Unlock()
}

// runContext is the context the service was started with. Long-lived work
// started from a request must not inherit the request's cancellation.
func (s *Service) runContext() context.Context {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

func (s *Service) statistics() map[string]any {
	return map[string]any{
		"oracle":      s.oracle.Stats(),
		"sessions":    s.pregen.Statistics(),
		"auto_refill": s.refill.Status().Counters,
		"timed_out":   s.oracle.TimedOut(),
	}
}
