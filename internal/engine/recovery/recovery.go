// Package recovery classifies pool failures and applies a recovery policy per
// error type: bounded retries with backoff, alerts, escalation, fulfillment
// monitoring, or immediate failure.
package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Strategy defines how a classified error is handled.
type Strategy string

const (
	// StrategyRetry re-runs the failed operation with bounded attempts.
	StrategyRetry Strategy = "retry"

	// StrategyAlert notifies an operator without retrying.
	StrategyAlert Strategy = "alert"

	// StrategyEscalate logs at critical severity and gives up.
	StrategyEscalate Strategy = "escalate"

	// StrategyMonitor watches for asynchronous fulfillment and applies a fallback on timeout.
	StrategyMonitor Strategy = "monitor"

	// StrategyFail returns the error to the caller untouched.
	StrategyFail Strategy = "fail"
)

// Severity levels attached to alerts and escalations.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Policy is the recovery policy of one error type.
type Policy struct {
	Strategy Strategy

	// MaxAttempts bounds retries (StrategyRetry, and the monitor fallback).
	MaxAttempts int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Exponential doubles the delay after each attempt.
	Exponential bool

	// Severity is used for alerts and escalations.
	Severity string

	// Timeout is the monitor window (StrategyMonitor).
	Timeout time.Duration

	// Fallback is applied when a monitor window elapses.
	Fallback Strategy
}

// DefaultPolicies returns the strategy table used in production.
func DefaultPolicies() map[ErrorType]Policy {
	return map[ErrorType]Policy{
		TypeValidation:        {Strategy: StrategyFail},
		TypeConflict:          {Strategy: StrategyFail},
		TypeInsufficientFunds: {Strategy: StrategyAlert, Severity: SeverityCritical},
		TypeProtocol:          {Strategy: StrategyEscalate, Severity: SeverityCritical},
		TypeOracleRequest: {
			Strategy:     StrategyRetry,
			MaxAttempts:  3,
			InitialDelay: 10 * time.Second,
			MaxDelay:     2 * time.Minute,
			Exponential:  true,
		},
		TypeNetwork: {
			Strategy:     StrategyRetry,
			MaxAttempts:  3,
			InitialDelay: 5 * time.Second,
			MaxDelay:     time.Minute,
			Exponential:  true,
		},
		TypeStorage: {
			Strategy:     StrategyRetry,
			MaxAttempts:  2,
			InitialDelay: 3 * time.Second,
			MaxDelay:     30 * time.Second,
			Exponential:  true,
			Severity:     SeverityCritical,
		},
		TypeFulfillmentTimeout: {
			Strategy:     StrategyMonitor,
			Timeout:      5 * time.Minute,
			Fallback:     StrategyRetry,
			MaxAttempts:  1,
			InitialDelay: time.Second,
			MaxDelay:     time.Second,
		},
	}
}

// Config configures an Engine.
type Config struct {
	// Policies overrides entries of DefaultPolicies.
	Policies map[ErrorType]Policy

	// MaxLogEntries caps the rolling error log (default 1000).
	MaxLogEntries int

	Clock    clock.Clock
	Logger   *logrus.Entry
	Notifier Notifier

	// OnRecord is called for every classified error appended to the log.
	OnRecord func(ClassifiedError)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Alert(ctx context.Context, ce ClassifiedError, severity string)
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	Logger *logrus.Entry
}

// Alert implements Notifier.
func (n LogNotifier) Alert(_ context.Context, ce ClassifiedError, severity string) {
	n.Logger.WithFields(logrus.Fields{
		"error_type": ce.Type,
		"severity":   severity,
		"context":    ce.Context,
	}).Error("ALERT: " + ce.Message)
}

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// Outcome is what the engine did about an error.
type Outcome string

const (
	OutcomeRecovered  Outcome = "recovered"
	OutcomeFailed     Outcome = "failed"
	OutcomeAlerted    Outcome = "alerted"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeMonitoring Outcome = "monitoring"
)

// RecoveryResult reports the result of Handle.
type RecoveryResult struct {
	Outcome  Outcome
	Strategy Strategy
	Attempts int
	Err      error
}

// Recovered reports whether the operation eventually succeeded.
func (r RecoveryResult) Recovered() bool {
	return r.Outcome == OutcomeRecovered
}

// Engine classifies errors and executes recovery policies.
type Engine struct {
	mu       sync.Mutex
	policies map[ErrorType]Policy
	retries  map[string]int
	watches  map[string]*clock.Timer

	log      *errorLog
	clock    clock.Clock
	logger   *logrus.Entry
	notifier Notifier
	onRecord func(ClassifiedError)
}

// NewEngine creates a recovery engine.
func NewEngine(cfg Config) *Engine {
	policies := DefaultPolicies()
	for t, p := range cfg.Policies {
		policies[t] = p
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{Logger: cfg.Logger}
	}
	return &Engine{
		policies: policies,
		retries:  make(map[string]int),
		watches:  make(map[string]*clock.Timer),
		log:      newErrorLog(cfg.MaxLogEntries),
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		notifier: cfg.Notifier,
		onRecord: cfg.OnRecord,
	}
}

// Policy returns the policy applied to t.
func (e *Engine) Policy(t ErrorType) Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.policies[t]; ok {
		return p
	}
	return Policy{Strategy: StrategyEscalate, Severity: SeverityCritical}
}

// Classify maps err onto the taxonomy using the engine clock.
func (e *Engine) Classify(err error, fields map[string]any) ClassifiedError {
	return Classify(err, e.clock.Now(), fields)
}

// Record appends ce to the rolling error log.
func (e *Engine) Record(ce ClassifiedError) {
	e.log.add(ce)
	if e.onRecord != nil {
		e.onRecord(ce)
	}
}

// Capture classifies, records and returns err as a ClassifiedError.
func (e *Engine) Capture(err error, fields map[string]any) ClassifiedError {
	ce := e.Classify(err, fields)
	e.Record(ce)
	return ce
}

// Handle records ce and executes its policy. op is the operation to re-run
// for retrying strategies; with a nil op a retry policy escalates.
func (e *Engine) Handle(ctx context.Context, ce ClassifiedError, op Operation) RecoveryResult {
	e.Record(ce)
	policy := e.Policy(ce.Type)

	entry := e.logger.WithFields(logrus.Fields{
		"error_type": ce.Type,
		"strategy":   policy.Strategy,
		"retry_key":  ce.RetryKey(),
	})

	switch policy.Strategy {
	case StrategyFail:
		entry.Debug("error not recoverable: " + ce.Message)
		return RecoveryResult{Outcome: OutcomeFailed, Strategy: StrategyFail, Err: ce}

	case StrategyAlert:
		e.notifier.Alert(ctx, ce, severityOr(policy.Severity, SeverityCritical))
		return RecoveryResult{Outcome: OutcomeAlerted, Strategy: StrategyAlert, Err: ce}

	case StrategyRetry:
		return e.retry(ctx, ce, policy, op)

	case StrategyMonitor:
		// A timeout has already elapsed when a FulfillmentTimeoutError reaches
		// Handle, so the fallback applies directly.
		if policy.Fallback == StrategyRetry {
			return e.retry(ctx, ce, policy, op)
		}
		return e.escalate(ctx, ce, policy, 0)

	default:
		return e.escalate(ctx, ce, policy, 0)
	}
}

// HandleError classifies err and handles it.
func (e *Engine) HandleError(ctx context.Context, err error, fields map[string]any, op Operation) RecoveryResult {
	return e.Handle(ctx, e.Classify(err, fields), op)
}

func (e *Engine) escalate(ctx context.Context, ce ClassifiedError, policy Policy, attempts int) RecoveryResult {
	e.logger.WithFields(logrus.Fields{
		"error_type": ce.Type,
		"severity":   SeverityCritical,
		"attempts":   attempts,
		"context":    ce.Context,
	}).Error("ESCALATED: " + ce.Message)
	e.notifier.Alert(ctx, ce, severityOr(policy.Severity, SeverityCritical))
	return RecoveryResult{Outcome: OutcomeEscalated, Strategy: StrategyEscalate, Attempts: attempts, Err: ce}
}

func (e *Engine) retry(ctx context.Context, ce ClassifiedError, policy Policy, op Operation) RecoveryResult {
	key := ce.RetryKey()
	if op == nil {
		return e.escalate(ctx, ce, policy, 0)
	}

	e.mu.Lock()
	used := e.retries[key]
	e.mu.Unlock()
	remaining := policy.MaxAttempts - used
	if remaining <= 0 {
		e.ResetRetry(key)
		return e.escalate(ctx, ce, policy, used)
	}

	backoff := newBackoff(policy, remaining)

	// The failure being handled already happened, so wait before the first attempt.
	select {
	case <-ctx.Done():
		return RecoveryResult{Outcome: OutcomeFailed, Strategy: StrategyRetry, Err: ctx.Err()}
	case <-e.clock.After(policy.InitialDelay):
	}

	var (
		attempts int
		lastErr  error = ce
		abort    *ClassifiedError
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		e.mu.Lock()
		e.retries[key]++
		e.mu.Unlock()
		attempts++

		opErr := op(ctx)
		if opErr == nil {
			return nil
		}
		lastErr = opErr
		next := e.Classify(opErr, ce.Context)
		if e.Policy(next.Type).Strategy != StrategyRetry {
			abort = &next
			return opErr
		}
		e.logger.WithFields(logrus.Fields{
			"retry_key": key,
			"attempt":   attempts,
			"error":     opErr,
		}).Warn("retry attempt failed")
		return retry.RetryableError(opErr)
	})

	if err == nil {
		e.ResetRetry(key)
		e.logger.WithFields(logrus.Fields{
			"retry_key": key,
			"attempts":  attempts,
		}).Info("operation recovered")
		return RecoveryResult{Outcome: OutcomeRecovered, Strategy: StrategyRetry, Attempts: attempts}
	}

	if abort != nil {
		res := e.Handle(ctx, *abort, nil)
		res.Attempts = attempts
		return res
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return RecoveryResult{Outcome: OutcomeFailed, Strategy: StrategyRetry, Attempts: attempts, Err: err}
		}
	}

	e.ResetRetry(key)
	exhausted := ce
	exhausted.Err = lastErr
	exhausted.Message = "retries exhausted: " + lastErr.Error()
	return e.escalate(ctx, exhausted, policy, attempts)
}

func newBackoff(p Policy, attempts int) retry.Backoff {
	base := p.InitialDelay
	if base <= 0 {
		base = time.Millisecond
	}
	var b retry.Backoff
	if p.Exponential {
		b = retry.NewExponential(base)
	} else {
		b = retry.NewConstant(base)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

func severityOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// =============================================================================
// Retry Budgets
// =============================================================================

// ResetRetry clears the retry budget for key.
func (e *Engine) ResetRetry(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retries, key)
}

// RetryInfo returns the attempts used per retry key.
func (e *Engine) RetryInfo() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.retries))
	for k, v := range e.retries {
		out[k] = v
	}
	return out
}

// =============================================================================
// Monitoring
// =============================================================================

// Watch starts a monitor window for key. If Resolve is not called within the
// FulfillmentTimeout policy window, a FulfillmentTimeoutError is recorded and
// onTimeout runs. Watching an already watched key restarts its window.
func (e *Engine) Watch(key string, onTimeout func(ClassifiedError)) {
	timeout := e.Policy(TypeFulfillmentTimeout).Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.watches[key]; ok {
		t.Stop()
	}
	e.watches[key] = e.clock.AfterFunc(timeout, func() {
		e.mu.Lock()
		delete(e.watches, key)
		e.mu.Unlock()

		ce := e.Capture(FulfillmentTimeout(key), nil)
		e.logger.WithFields(logrus.Fields{
			"request_id": key,
			"timeout":    timeout.String(),
		}).Warn("fulfillment monitor expired")
		if onTimeout != nil {
			onTimeout(ce)
		}
	})
}

// Resolve stops the monitor window for key. It reports whether a watch was active.
func (e *Engine) Resolve(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.watches[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(e.watches, key)
	return true
}

// Watching returns the number of open monitor windows.
func (e *Engine) Watching() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watches)
}

// =============================================================================
// Statistics
// =============================================================================

// ErrorRate returns errors per hour over the trailing window.
func (e *Engine) ErrorRate(windowHours int) float64 {
	if windowHours <= 0 {
		return 0
	}
	since := e.clock.Now().Add(-time.Duration(windowHours) * time.Hour)
	return float64(e.log.countSince(since)) / float64(windowHours)
}

// Stats summarizes the error log.
type Stats struct {
	TotalErrors  int               `json:"totalErrors"`
	ErrorsByType map[ErrorType]int `json:"errorsByType"`
	RecentErrors []ClassifiedError `json:"recentErrors"`
	ErrorRate    float64           `json:"errorRate"`
	RetryBudgets map[string]int    `json:"retryBudgets,omitempty"`
}

// Stats returns totals, the last ten errors and the 24h error rate.
func (e *Engine) Stats() Stats {
	total, byType := e.log.totals()
	return Stats{
		TotalErrors:  total,
		ErrorsByType: byType,
		RecentErrors: e.log.recent(10),
		ErrorRate:    e.ErrorRate(24),
		RetryBudgets: e.RetryInfo(),
	}
}
