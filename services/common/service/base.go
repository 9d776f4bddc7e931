// Package service provides the shared lifecycle and HTTP surface for pool services.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const healthCheckTimeout = 5 * time.Second

// Check pings one dependency. A failing critical check makes the service
// unhealthy; a failing non-critical one only degrades it.
type Check struct {
	Name     string
	Critical bool
	Ping     func(context.Context) error
}

// BaseConfig contains shared configuration for all services.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Logger  *logrus.Entry
	Router  *mux.Router
	Checks  []Check
}

// BaseService carries hydrate/worker wiring and stop handling:
// - Safe stop channel management (sync.Once prevents double-close panic)
// - Optional hydration hook for loading state on startup
// - Background worker management
// - Statistics provider for /info endpoint
type BaseService struct {
	id      string
	name    string
	version string
	router  *mux.Router
	log     *logrus.Entry

	// Lifecycle management
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Extensibility hooks
	hydrate func(context.Context) error
	statsFn func() map[string]any

	// Worker management
	workers []func(context.Context)

	// Health tracking
	checks          []Check
	healthMu        sync.RWMutex
	checkResults    map[string]string
	started         bool
	lastHealthCheck time.Time
	startTime       time.Time
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg BaseConfig) *BaseService {
	router := cfg.Router
	if router == nil {
		router = mux.NewRouter()
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BaseService{
		id:           cfg.ID,
		name:         cfg.Name,
		version:      cfg.Version,
		router:       router,
		log:          log.WithField("service", cfg.ID),
		stopCh:       make(chan struct{}),
		checks:       cfg.Checks,
		checkResults: make(map[string]string),
	}
}

// ID returns the service identifier.
func (b *BaseService) ID() string { return b.id }

// Name returns the human readable service name.
func (b *BaseService) Name() string { return b.name }

// Version returns the service version.
func (b *BaseService) Version() string { return b.version }

// Router returns the service router.
func (b *BaseService) Router() *mux.Router { return b.router }

// Logger returns the service logger.
func (b *BaseService) Logger() *logrus.Entry { return b.log }

// WithHydrate sets an optional hydrate hook executed during Start.
// The hydrate function is called before background workers are launched.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider function for the /info endpoint.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Workers should return when ctx is done or StopChan() is closed.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

// AddTickerWorker registers a periodic background worker.
// The worker function is called at the specified interval until Stop() is called.
func (b *BaseService) AddTickerWorker(name string, interval time.Duration, fn func(context.Context) error) *BaseService {
	worker := func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					b.log.WithError(err).WithField("worker", name).Warn("worker run failed")
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, then spins workers.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		worker := w
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			worker(ctx)
		}()
	}

	b.healthMu.Lock()
	b.started = true
	b.healthMu.Unlock()

	b.log.WithField("workers", len(b.workers)).Info("service started")
	return nil
}

// Stop signals workers and waits for them to return.
// This method is idempotent - calling it multiple times is safe due to sync.Once.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
		b.healthMu.Lock()
		b.started = false
		b.healthMu.Unlock()
		b.log.Info("service stopped")
	})
	return nil
}

// WorkerCount returns the number of registered workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// CheckHealth refreshes the cached health state by probing every check.
func (b *BaseService) CheckHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make(map[string]string, len(b.checks))
	for _, c := range b.checks {
		if err := c.Ping(ctx); err != nil {
			results[c.Name] = err.Error()
			continue
		}
		results[c.Name] = "ok"
	}

	b.healthMu.Lock()
	b.checkResults = results
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus runs the checks and returns healthy, degraded or unhealthy.
func (b *BaseService) HealthStatus(ctx context.Context) string {
	b.CheckHealth(ctx)
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthStatusLocked()
}

// Ready reports whether Start completed and no critical check is failing.
func (b *BaseService) Ready(ctx context.Context) bool {
	b.CheckHealth(ctx)
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.started && b.healthStatusLocked() != "unhealthy"
}

// HealthDetails returns a map describing the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	checks := make(map[string]string, len(b.checkResults))
	for k, v := range b.checkResults {
		checks[k] = v
	}
	details := map[string]any{"checks": checks}

	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()

	return details
}

func (b *BaseService) healthStatusLocked() string {
	status := "healthy"
	for _, c := range b.checks {
		if res, ok := b.checkResults[c.Name]; ok && res != "ok" {
			if c.Critical {
				return "unhealthy"
			}
			status = "degraded"
		}
	}
	return status
}
