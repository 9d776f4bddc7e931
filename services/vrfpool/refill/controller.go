// Package refill keeps the proof pool above its thresholds.
package refill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/metrics"
	"github.com/R3E-Network/vrfpool/internal/proof"
	"github.com/R3E-Network/vrfpool/services/vrfpool/pregen"
)

// State of the controller.
type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
)

// Defaults
const (
	DefaultTickInterval = 30 * time.Second
	DefaultCooldown     = 60 * time.Second
	DefaultMaxRetries   = 3

	MinTickInterval = 10 * time.Second
	MinCooldown     = 60 * time.Second
)

// Trigger labels for refill metrics.
const (
	TriggerTick      = "tick"
	TriggerForce     = "force"
	TriggerEmergency = "emergency"
)

// Refiller runs refill sessions.
type Refiller interface {
	RunProportionalRefill(ctx context.Context, shortfall int, types []proof.GameType) (*proof.RefillSession, error)
	RunEmergencyRefill(ctx context.Context, shortfalls map[proof.GameType]int) (*proof.RefillSession, error)
	Recommend(levels proof.PoolLevels) pregen.Recommendation
}

// LevelReader reads pool levels.
type LevelReader interface {
	CountAllTypes(ctx context.Context, now time.Time) (proof.PoolLevels, error)
	Ping(ctx context.Context) error
}

// Config configures a Controller.
type Config struct {
	Targets            map[proof.GameType]int
	LowThreshold       int
	EmergencyThreshold int
	TickInterval       time.Duration
	Cooldown           time.Duration
	// MaxRetries is the number of attempts per type per check when a refill
	// submits nothing.
	MaxRetries int
	Clock      clock.Clock
	Logger     *logrus.Entry
}

// Counters are the controller's running totals.
type Counters struct {
	Checks      int `json:"checks"`
	Refills     int `json:"refills"`
	Emergencies int `json:"emergencies"`
	Failures    int `json:"failures"`
	Skipped     int `json:"skipped"`
}

// Controller periodically compares pool levels with the thresholds and
// starts refills. Two refills for one game type never overlap.
type Controller struct {
	refiller Refiller
	levels   LevelReader
	clock    clock.Clock
	log      *logrus.Entry

	mu         sync.Mutex
	cfg        Config
	state      State
	stopCh     chan struct{}
	trigger    chan struct{}
	lastCheck  time.Time
	lastRefill map[proof.GameType]time.Time
	inFlight   map[proof.GameType]bool
	counters   Counters
}

// New creates a stopped Controller.
func New(refiller Refiller, levels LevelReader, cfg Config) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	targets := make(map[proof.GameType]int, len(cfg.Targets))
	for g, n := range cfg.Targets {
		targets[g] = n
	}
	cfg.Targets = targets

	return &Controller{
		refiller:   refiller,
		levels:     levels,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		cfg:        cfg,
		state:      StateStopped,
		trigger:    make(chan struct{}, 1),
		lastRefill: make(map[proof.GameType]time.Time),
		inFlight:   make(map[proof.GameType]bool),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start moves the controller to RUNNING. Starting a running controller is a no-op.
func (c *Controller) Start(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		return false
	}
	c.state = StateRunning
	c.stopCh = make(chan struct{})
	go c.loop(ctx, c.stopCh)

	c.log.WithFields(logrus.Fields{
		"tick":     c.cfg.TickInterval.String(),
		"cooldown": c.cfg.Cooldown.String(),
	}).Info("auto refill started")
	return true
}

// Stop moves the controller to STOPPED. A refill already running completes.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return false
	}
	c.state = StateStopped
	close(c.stopCh)
	c.log.Info("auto refill stopped")
	return true
}

// Running reports whether the controller is RUNNING.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning
}

func (c *Controller) loop(ctx context.Context, stop <-chan struct{}) {
	for {
		c.mu.Lock()
		interval := c.cfg.TickInterval
		c.mu.Unlock()

		timer := c.clock.Timer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-c.trigger:
			timer.Stop()
		case <-timer.C:
		}

		if _, err := c.check(ctx, false, TriggerTick); err != nil {
			c.log.WithError(err).Warn("auto refill check failed")
		}
	}
}

// TriggerCheck asks a running controller for an immediate check without
// waiting. Requests arriving while one is queued are dropped.
func (c *Controller) TriggerCheck() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// =============================================================================
// Checks
// =============================================================================

// CheckResult reports what one check did.
type CheckResult struct {
	Levels    map[string]int    `json:"levels"`
	Emergency bool              `json:"emergency"`
	Refilled  []string          `json:"refilled,omitempty"`
	Skipped   map[string]string `json:"skipped,omitempty"`
	Sessions  []string          `json:"sessions,omitempty"`
	CheckedAt time.Time         `json:"checkedAt"`
}

// ForceCheck runs a check now, optionally ignoring cooldowns. It works in
// either state.
func (c *Controller) ForceCheck(ctx context.Context, ignoreCooldown bool) (CheckResult, error) {
	return c.check(ctx, ignoreCooldown, TriggerForce)
}

func (c *Controller) check(ctx context.Context, ignoreCooldown bool, trigger string) (CheckResult, error) {
	now := c.clock.Now()
	levels, err := c.levels.CountAllTypes(ctx, now)
	if err != nil {
		c.mu.Lock()
		c.counters.Failures++
		c.mu.Unlock()
		return CheckResult{}, recovery.Storage(err, "count pool levels")
	}
	for _, g := range proof.AllGameTypes {
		metrics.SetPoolLevel(g.String(), levels[g])
	}

	c.mu.Lock()
	cfg := c.cfg
	c.lastCheck = now
	c.counters.Checks++
	c.mu.Unlock()

	result := CheckResult{
		Levels:    levels.ByName(),
		Skipped:   make(map[string]string),
		CheckedAt: now,
	}

	emergency := false
	for _, g := range proof.AllGameTypes {
		if levels[g] < cfg.EmergencyThreshold {
			emergency = true
			break
		}
	}
	result.Emergency = emergency

	if emergency {
		return result, c.emergencyRefill(ctx, cfg, levels, &result)
	}

	var errs *multierror.Error
	for _, g := range proof.ByPriority(proof.AllGameTypes) {
		n := levels[g]
		if n >= cfg.LowThreshold {
			continue
		}
		if !ignoreCooldown && !c.cooledDown(g, now, cfg.Cooldown) {
			result.Skipped[g.String()] = "cooldown"
			continue
		}
		if !c.acquire(g) {
			result.Skipped[g.String()] = "in_flight"
			continue
		}
		shortfall, types := cfg.Targets[g]-n, []proof.GameType{g}
		sess, err := c.run(ctx, cfg, types, func(ctx context.Context) (*proof.RefillSession, error) {
			return c.refiller.RunProportionalRefill(ctx, shortfall, types)
		})
		c.release(now, g)

		metrics.RecordRefill(trigger)
		result.Refilled = append(result.Refilled, g.String())
		if sess != nil {
			result.Sessions = append(result.Sessions, sess.ID)
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("refill %s: %w", g, err))
		}
	}
	c.countSkipped(len(result.Skipped))
	return result, errs.ErrorOrNil()
}

// emergencyRefill refills every type below target back to its target in one
// session, ignoring cooldowns. Types already in flight are left to their
// running refill.
func (c *Controller) emergencyRefill(ctx context.Context, cfg Config, levels proof.PoolLevels, result *CheckResult) error {
	var (
		types      []proof.GameType
		shortfall  int
		shortfalls = make(map[proof.GameType]int)
	)
	for _, g := range proof.ByPriority(proof.AllGameTypes) {
		n := levels[g]
		if n >= cfg.Targets[g] {
			continue
		}
		if !c.acquire(g) {
			result.Skipped[g.String()] = "in_flight"
			continue
		}
		types = append(types, g)
		shortfalls[g] = cfg.Targets[g] - n
		shortfall += shortfalls[g]
	}
	c.countSkipped(len(result.Skipped))
	if len(types) == 0 {
		return nil
	}

	c.log.WithFields(logrus.Fields{
		"types":     typeNames(types),
		"shortfall": shortfall,
		"levels":    result.Levels,
	}).Warn("emergency refill triggered")

	sess, err := c.run(ctx, cfg, types, func(ctx context.Context) (*proof.RefillSession, error) {
		return c.refiller.RunEmergencyRefill(ctx, shortfalls)
	})
	now := c.clock.Now()
	c.release(now, types...)

	c.mu.Lock()
	c.counters.Emergencies++
	c.mu.Unlock()
	metrics.RecordRefill(TriggerEmergency)

	result.Refilled = typeNames(types)
	if sess != nil {
		result.Sessions = append(result.Sessions, sess.ID)
	}
	if err != nil {
		return fmt.Errorf("emergency refill: %w", err)
	}
	return nil
}

// run calls refill, retrying while nothing gets submitted.
func (c *Controller) run(ctx context.Context, cfg Config, types []proof.GameType, refill func(context.Context) (*proof.RefillSession, error)) (*proof.RefillSession, error) {
	var (
		sess *proof.RefillSession
		err  error
	)
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		sess, err = refill(ctx)
		if err == nil || (sess != nil && sess.Succeeded > 0) || ctx.Err() != nil {
			break
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"types":   typeNames(types),
			"attempt": attempt,
		}).Warn("refill submitted nothing")
	}

	c.mu.Lock()
	c.counters.Refills++
	if err != nil {
		c.counters.Failures++
	}
	c.mu.Unlock()
	return sess, err
}

func (c *Controller) cooledDown(g proof.GameType, now time.Time, cooldown time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastRefill[g]
	return !ok || now.Sub(last) >= cooldown
}

func (c *Controller) acquire(g proof.GameType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[g] {
		return false
	}
	c.inFlight[g] = true
	return true
}

func (c *Controller) release(at time.Time, types ...proof.GameType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range types {
		delete(c.inFlight, g)
		c.lastRefill[g] = at
	}
}

func (c *Controller) countSkipped(n int) {
	c.mu.Lock()
	c.counters.Skipped += n
	c.mu.Unlock()
}

func typeNames(types []proof.GameType) []string {
	out := make([]string, len(types))
	for i, g := range types {
		out[i] = g.String()
	}
	return out
}

// =============================================================================
// Status
// =============================================================================

// Status is the controller's observable state.
type Status struct {
	State      State                `json:"state"`
	Running    bool                 `json:"isRunning"`
	LastCheck  *time.Time           `json:"lastCheck,omitempty"`
	LastRefill map[string]time.Time `json:"lastRefill"`
	InFlight   []string             `json:"inFlight"`
	Counters   Counters             `json:"counters"`
	Config     Settings             `json:"config"`
}

// Status returns a snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		State:      c.state,
		Running:    c.state == StateRunning,
		LastRefill: make(map[string]time.Time, len(c.lastRefill)),
		InFlight:   []string{},
		Counters:   c.counters,
		Config:     settingsOf(c.cfg),
	}
	if !c.lastCheck.IsZero() {
		t := c.lastCheck
		s.LastCheck = &t
	}
	for g, at := range c.lastRefill {
		s.LastRefill[g.String()] = at
	}
	for g := range c.inFlight {
		s.InFlight = append(s.InFlight, g.String())
	}
	sort.Strings(s.InFlight)
	return s
}

// HealthReport is the result of HealthCheck.
type HealthReport struct {
	Healthy        bool                  `json:"healthy"`
	Running        bool                  `json:"isRunning"`
	StoreReachable bool                  `json:"storeReachable"`
	Levels         map[string]int        `json:"levels,omitempty"`
	Recommendation pregen.Recommendation `json:"recommendation"`
	Error          string                `json:"error,omitempty"`
}

// HealthCheck pings the store and grades the current levels.
func (c *Controller) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Running: c.Running()}
	if err := c.levels.Ping(ctx); err != nil {
		report.Error = err.Error()
		return report
	}
	report.StoreReachable = true

	levels, err := c.levels.CountAllTypes(ctx, c.clock.Now())
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Levels = levels.ByName()
	report.Recommendation = c.refiller.Recommend(levels)
	report.Healthy = report.Recommendation.Level != pregen.LevelEmergency
	return report
}
