// Package pregen expands pool targets into oracle batches and runs them as
// tracked refill sessions.
package pregen

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/metrics"
	"github.com/R3E-Network/vrfpool/internal/proof"
)

// AutoRefillCaller is the caller id used for controller-initiated refills.
const AutoRefillCaller = "auto-refill"

// Defaults
const (
	DefaultInitialBatchSize = 200
	DefaultInterBatchDelay  = 2 * time.Second
	DefaultSessionMaxAge    = 24 * time.Hour
)

// Submitter sends one batch to the oracle.
type Submitter interface {
	SubmitBatch(ctx context.Context, items []proof.BatchItem) ([]proof.ProofRequest, error)
	MaxBatchSize() int
}

// Config configures a Coordinator.
type Config struct {
	Targets            map[proof.GameType]int
	Catalog            proof.Catalog
	InterBatchDelay    time.Duration
	LowThreshold       int
	EmergencyThreshold int
	Clock              clock.Clock
	Logger             *logrus.Entry
}

// InitialOptions tune RunInitialBatch.
type InitialOptions struct {
	// BatchSize is the total number of requests (default 200).
	BatchSize int
	// Distribution weights per game type; nil uses the configured targets.
	Distribution map[proof.GameType]float64
	// Force starts the batch even when the pool needs no refill. It never
	// bypasses the one-active-session-per-caller check.
	Force bool
}

// Coordinator owns refill sessions.
type Coordinator struct {
	submitter Submitter
	cfg       Config
	clock     clock.Clock
	limiter   *rate.Limiter
	log       *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*proof.RefillSession
	active   map[string]string // caller id -> session id
}

// New creates a Coordinator.
func New(submitter Submitter, cfg Config) *Coordinator {
	if cfg.Catalog == nil {
		cfg.Catalog = proof.DefaultCatalog()
	}
	if cfg.Targets == nil {
		cfg.Targets = make(map[proof.GameType]int)
		for _, g := range proof.AllGameTypes {
			cfg.Targets[g] = 50
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	limit := rate.Inf
	if cfg.InterBatchDelay > 0 {
		limit = rate.Every(cfg.InterBatchDelay)
	}
	return &Coordinator{
		submitter: submitter,
		cfg:       cfg,
		clock:     cfg.Clock,
		limiter:   rate.NewLimiter(limit, 1),
		log:       cfg.Logger,
		sessions:  make(map[string]*proof.RefillSession),
		active:    make(map[string]string),
	}
}

// Targets returns the configured per-game targets.
func (c *Coordinator) Targets() map[proof.GameType]int {
	out := make(map[proof.GameType]int, len(c.cfg.Targets))
	for g, n := range c.cfg.Targets {
		out[g] = n
	}
	return out
}

// =============================================================================
// Runs
// =============================================================================

// RunInitialBatch fills the pool from empty for callerID and waits for every
// chunk. The returned error aggregates chunk failures; the session is
// returned either way.
func (c *Coordinator) RunInitialBatch(ctx context.Context, callerID string, opts InitialOptions) (*proof.RefillSession, error) {
	sess, items, err := c.prepareInitial(callerID, opts)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, sess.ID, items)
}

// StartInitialBatch registers the session and runs it in the background.
// The returned snapshot is the session as registered.
func (c *Coordinator) StartInitialBatch(ctx context.Context, callerID string, opts InitialOptions) (*proof.RefillSession, error) {
	sess, items, err := c.prepareInitial(callerID, opts)
	if err != nil {
		return nil, err
	}
	snapshot := c.snapshot(sess)
	go func() {
		_, _ = c.execute(context.WithoutCancel(ctx), sess.ID, items)
	}()
	return snapshot, nil
}

func (c *Coordinator) prepareInitial(callerID string, opts InitialOptions) (*proof.RefillSession, []proof.BatchItem, error) {
	if callerID == "" {
		return nil, nil, recovery.Validation("caller id is required")
	}
	size := opts.BatchSize
	if size == 0 {
		size = DefaultInitialBatchSize
	}
	if size < 0 {
		return nil, nil, recovery.Validation("batch size must be positive, got %d", size)
	}

	weights := opts.Distribution
	if len(weights) == 0 {
		weights = make(map[proof.GameType]float64, len(c.cfg.Targets))
		for g, t := range c.cfg.Targets {
			weights[g] = float64(t)
		}
	}
	for g, w := range weights {
		if !g.Valid() {
			return nil, nil, recovery.ValidationWrap(fmt.Errorf("%w: %d", proof.ErrInvalidGameType, uint8(g)))
		}
		if w < 0 {
			return nil, nil, recovery.Validation("distribution for %s is negative", g)
		}
	}

	items := ComputeAllocation(distribute(size, weights), c.cfg.Catalog)
	if len(items) == 0 {
		return nil, nil, recovery.Validation("distribution allocates no requests")
	}

	sess, err := c.register(callerID, proof.SessionInitial, items)
	if err != nil {
		return nil, nil, err
	}
	metrics.RecordRefill("initial")
	return sess, items, nil
}

// RunProportionalRefill requests shortfall proofs across types by target
// share. It never requests more than shortfall.
func (c *Coordinator) RunProportionalRefill(ctx context.Context, shortfall int, types []proof.GameType) (*proof.RefillSession, error) {
	if shortfall <= 0 {
		return nil, recovery.Validation("shortfall must be positive, got %d", shortfall)
	}
	if len(types) == 0 {
		types = proof.AllGameTypes
	}
	items := proportionalAllocation(shortfall, types, c.cfg.Targets, c.cfg.Catalog)
	if len(items) == 0 {
		return nil, recovery.Validation("no configured targets for %v", types)
	}
	return c.runAuto(ctx, proof.SessionRefill, items)
}

// RunEmergencyRefill requests exactly each type's own shortfall in one
// emergency session, so no type is filled past its deficit at the expense of
// another.
func (c *Coordinator) RunEmergencyRefill(ctx context.Context, shortfalls map[proof.GameType]int) (*proof.RefillSession, error) {
	items := shortfallAllocation(shortfalls, c.cfg.Catalog)
	if len(items) == 0 {
		return nil, recovery.Validation("no positive shortfall in %v", shortfalls)
	}
	return c.runAuto(ctx, proof.SessionEmergency, items)
}

func (c *Coordinator) runAuto(ctx context.Context, kind proof.SessionKind, items []proof.BatchItem) (*proof.RefillSession, error) {
	sess, err := c.register(AutoRefillCaller, kind, items)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, sess.ID, items)
}

// register records a new active session. Every caller except the auto refill
// controller is limited to one active session.
func (c *Coordinator) register(callerID string, kind proof.SessionKind, items []proof.BatchItem) (*proof.RefillSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, busy := c.active[callerID]; busy {
		return nil, recovery.Conflict("session %s already in progress for %s", id, callerID).
			With("sessionId", id)
	}

	now := c.clock.Now().UTC()
	sess := &proof.RefillSession{
		ID:         fmt.Sprintf("%s_%d_%s", callerID, now.UnixMilli(), uuid.NewString()[:8]),
		CallerID:   callerID,
		Kind:       kind,
		Allocation: proof.Allocate(items),
		Requested:  len(items),
		Status:     proof.SessionActive,
		StartedAt:  now,
	}
	c.sessions[sess.ID] = sess
	if callerID != AutoRefillCaller {
		c.active[callerID] = sess.ID
	}
	return sess, nil
}

// execute submits items chunk by chunk. A failed chunk is recorded and the
// run moves on.
func (c *Coordinator) execute(ctx context.Context, sessionID string, items []proof.BatchItem) (*proof.RefillSession, error) {
	size := c.submitter.MaxBatchSize()
	if size <= 0 {
		size = len(items)
	}
	chunks := chunk(items, size)

	c.mu.Lock()
	sess := c.sessions[sessionID]
	entry := c.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"caller_id":  sess.CallerID,
		"kind":       sess.Kind,
	})
	c.mu.Unlock()
	entry.WithFields(logrus.Fields{
		"requests": len(items),
		"chunks":   len(chunks),
	}).Info("refill session started")

	var errs *multierror.Error
	for i, batch := range chunks {
		result := proof.ChunkResult{Index: i, Items: len(batch)}

		if err := c.limiter.Wait(ctx); err != nil {
			result.Error = err.Error()
			result.ErrorType = string(recovery.TypeNetwork)
			result.SubmittedAt = c.clock.Now().UTC()
			c.recordChunk(sessionID, result)
			errs = multierror.Append(errs, fmt.Errorf("chunk %d: %w", i, err))
			for j := i + 1; j < len(chunks); j++ {
				c.recordChunk(sessionID, proof.ChunkResult{
					Index: j, Items: len(chunks[j]), Error: "not submitted: " + err.Error(),
					ErrorType: string(recovery.TypeNetwork), SubmittedAt: result.SubmittedAt,
				})
			}
			break
		}

		result.SubmittedAt = c.clock.Now().UTC()
		reqs, err := c.submitter.SubmitBatch(ctx, batch)
		if err != nil {
			result.Error = err.Error()
			if t, ok := recovery.TypeOf(err); ok {
				result.ErrorType = string(t)
			}
			errs = multierror.Append(errs, fmt.Errorf("chunk %d: %w", i, err))
			entry.WithError(err).WithField("chunk", i).Warn("refill chunk failed")
		} else {
			for _, r := range reqs {
				result.RequestIDs = append(result.RequestIDs, r.RequestID)
			}
			if len(reqs) > 0 {
				result.TxHash = reqs[0].TxHash
				result.BlockNumber = reqs[0].BlockNumber
			}
		}
		c.recordChunk(sessionID, result)
	}

	sess = c.finish(sessionID)
	entry.WithFields(logrus.Fields{
		"status":    sess.Status,
		"succeeded": sess.Succeeded,
		"failed":    sess.Failed,
	}).Info("refill session finished")
	return sess, errs.ErrorOrNil()
}

func (c *Coordinator) recordChunk(sessionID string, result proof.ChunkResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sessions[sessionID]
	sess.Chunks = append(sess.Chunks, result)
	if result.Succeeded() {
		sess.Succeeded += result.Items
	} else {
		sess.Failed += result.Items
	}
}

func (c *Coordinator) finish(sessionID string) *proof.RefillSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sessions[sessionID]
	now := c.clock.Now().UTC()
	sess.CompletedAt = &now
	if sess.Succeeded == 0 {
		sess.Status = proof.SessionFailed
	} else {
		sess.Status = proof.SessionCompleted
	}
	if c.active[sess.CallerID] == sessionID {
		delete(c.active, sess.CallerID)
	}
	return c.snapshot(sess)
}

// =============================================================================
// Session registry
// =============================================================================

// Session returns a copy of the session with id.
func (c *Coordinator) Session(id string) (*proof.RefillSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	if !ok {
		return nil, false
	}
	return c.snapshot(sess), true
}

// ActiveSessions returns copies of every running session, oldest first.
func (c *Coordinator) ActiveSessions() []proof.RefillSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []proof.RefillSession
	for _, sess := range c.sessions {
		if sess.Status == proof.SessionActive {
			out = append(out, *c.snapshot(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Statistics summarizes the registry.
type Statistics struct {
	Sessions  int `json:"sessions"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Requested int `json:"requested"`
	Succeeded int `json:"succeeded"`
	Rejected  int `json:"rejected"`
}

// Statistics returns registry totals.
func (c *Coordinator) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Statistics{Sessions: len(c.sessions)}
	for _, sess := range c.sessions {
		switch sess.Status {
		case proof.SessionActive:
			s.Active++
		case proof.SessionCompleted:
			s.Completed++
		case proof.SessionFailed:
			s.Failed++
		}
		s.Requested += sess.Requested
		s.Succeeded += sess.Succeeded
		s.Rejected += sess.Failed
	}
	return s
}

// CleanupSessions drops finished sessions started more than maxAge ago.
func (c *Coordinator) CleanupSessions(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	cutoff := c.clock.Now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, sess := range c.sessions {
		if sess.Status != proof.SessionActive && sess.StartedAt.Before(cutoff) {
			delete(c.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		c.log.WithField("removed", removed).Debug("old refill sessions removed")
	}
	return removed
}

// snapshot deep-copies sess; callers hold c.mu or own sess.
func (c *Coordinator) snapshot(sess *proof.RefillSession) *proof.RefillSession {
	cp := *sess
	cp.Chunks = append([]proof.ChunkResult(nil), sess.Chunks...)
	cp.Allocation = make(map[string]int, len(sess.Allocation))
	for k, v := range sess.Allocation {
		cp.Allocation[k] = v
	}
	if sess.CompletedAt != nil {
		t := *sess.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
