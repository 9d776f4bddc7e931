// Package oracle submits randomness requests to the VRF coordinator and
// reconciles their fulfillment into the proof store.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/R3E-Network/vrfpool/internal/chain"
	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/metrics"
	"github.com/R3E-Network/vrfpool/internal/proof"
	"github.com/R3E-Network/vrfpool/internal/storage"
)

// Defaults
const (
	DefaultMaxBatchSize    = 50
	DefaultPoolTTL         = 24 * time.Hour
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = time.Minute
)

// DefaultMinBalance is 0.1 ETH in wei.
var DefaultMinBalance = big.NewInt(100_000_000_000_000_000)

// Chain is the coordinator surface the manager needs.
type Chain interface {
	Signer() common.Address
	Balance(ctx context.Context) (*big.Int, error)
	RequestBatch(ctx context.Context, gameTypes []uint8, subTypes []string) (*chain.BatchReceipt, error)
	GetRequest(ctx context.Context, requestID *big.Int) (*chain.RequestInfo, error)
	ContractInfo(ctx context.Context) (*chain.ContractInfo, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config configures a Manager.
type Config struct {
	MaxBatchSize int
	MinBalance   *big.Int
	PoolTTL      time.Duration
	Catalog      proof.Catalog

	// BreakerFailures consecutive submission failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	PollBatch   int
	PollWorkers int

	// ResubmitOnTimeout queues a replacement for requests whose monitor
	// window expires while still pending.
	ResubmitOnTimeout bool

	Clock  clock.Clock
	Logger *logrus.Entry
}

// Manager is the only component that talks to the coordinator.
type Manager struct {
	// mu serializes submissions so nonces never race.
	mu sync.Mutex

	chain   Chain
	store   storage.ProofStore
	engine  *recovery.Engine
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	clock   clock.Clock
	log     *logrus.Entry

	timedOutMu sync.Mutex
	timedOut   map[string]proof.BatchItem

	statsMu sync.Mutex
	stats   Stats
}

// Stats are the manager's running counters.
type Stats struct {
	Batches        int       `json:"batches"`
	Requests       int       `json:"requests"`
	Failures       int       `json:"failures"`
	Reconciled     int       `json:"reconciled"`
	Resubmitted    int       `json:"resubmitted"`
	LastSubmission time.Time `json:"lastSubmission,omitempty"`
	BreakerState   string    `json:"breakerState"`
}

// New creates a Manager.
func New(ch Chain, store storage.ProofStore, engine *recovery.Engine, cfg Config) *Manager {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.MinBalance == nil {
		cfg.MinBalance = DefaultMinBalance
	}
	if cfg.PoolTTL <= 0 {
		cfg.PoolTTL = DefaultPoolTTL
	}
	if cfg.Catalog == nil {
		cfg.Catalog = proof.DefaultCatalog()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 100
	}
	if cfg.PollWorkers <= 0 {
		cfg.PollWorkers = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Manager{
		chain:    ch,
		store:    store,
		engine:   engine,
		cfg:      cfg,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		timedOut: make(map[string]proof.BatchItem),
	}
	failures := cfg.BreakerFailures
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "vrf-coordinator",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	return m
}

// MaxBatchSize returns the largest batch SubmitBatch accepts.
func (m *Manager) MaxBatchSize() int { return m.cfg.MaxBatchSize }

// =============================================================================
// Submission
// =============================================================================

// SubmitBatch requests randomness for items in one transaction and records a
// pending proof per item. Request ids map to items by position.
func (m *Manager) SubmitBatch(ctx context.Context, items []proof.BatchItem) ([]proof.ProofRequest, error) {
	fields := map[string]any{"items": len(items)}

	if err := m.validate(items); err != nil {
		m.engine.HandleError(ctx, err, fields, nil)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.guard(ctx); err != nil {
		m.engine.HandleError(ctx, err, fields, nil)
		m.countFailure()
		return nil, err
	}

	start := m.clock.Now()
	receipt, err := m.submit(ctx, items)
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			res := m.engine.HandleError(ctx, err, fields, func(ctx context.Context) error {
				r, err := m.submit(ctx, items)
				if err == nil {
					receipt = r
				}
				return err
			})
			if res.Recovered() {
				err = nil
			} else if res.Err != nil {
				err = res.Err
			}
		} else {
			err = recovery.OracleRequest(err, "circuit open")
			m.engine.HandleError(ctx, err, fields, nil)
		}
	}
	if err != nil {
		m.countFailure()
		metrics.RecordBatch(false, 0, 0)
		return nil, err
	}

	reqs := m.pendingRecords(items, receipt)
	if err := m.persist(ctx, reqs, receipt); err != nil {
		m.countFailure()
		metrics.RecordBatch(false, 0, 0)
		return nil, err
	}

	elapsed := m.clock.Since(start)
	metrics.RecordBatch(true, len(reqs), elapsed)
	m.statsMu.Lock()
	m.stats.Batches++
	m.stats.Requests += len(reqs)
	m.stats.LastSubmission = m.clock.Now()
	m.statsMu.Unlock()

	for i := range reqs {
		m.watch(reqs[i].RequestID, items[i])
	}

	m.log.WithFields(logrus.Fields{
		"tx_hash":     receipt.TxHash.Hex(),
		"block":       receipt.BlockNumber,
		"requests":    len(reqs),
		"gas_used":    receipt.GasUsed,
		"duration_ms": elapsed.Milliseconds(),
	}).Info("VRF batch recorded")
	return reqs, nil
}

func (m *Manager) validate(items []proof.BatchItem) error {
	if len(items) == 0 {
		return recovery.Validation("batch is empty")
	}
	if len(items) > m.cfg.MaxBatchSize {
		return recovery.Validation("batch of %d exceeds maximum %d", len(items), m.cfg.MaxBatchSize)
	}
	for i, item := range items {
		if err := m.cfg.Catalog.Validate(item); err != nil {
			return recovery.ValidationWrap(fmt.Errorf("item %d: %w", i, err))
		}
	}
	return nil
}

// guard refuses to submit while the signer is below the funding floor.
func (m *Manager) guard(ctx context.Context) error {
	bal, err := m.chain.Balance(ctx)
	if err != nil {
		return recovery.Network(err)
	}
	if bal.Cmp(m.cfg.MinBalance) < 0 {
		return recovery.InsufficientFunds(m.chain.Signer().Hex(), bal.String(), m.cfg.MinBalance.String())
	}
	return nil
}

// submit sends one transaction through the breaker and checks the receipt.
func (m *Manager) submit(ctx context.Context, items []proof.BatchItem) (*chain.BatchReceipt, error) {
	gameTypes := make([]uint8, len(items))
	subTypes := make([]string, len(items))
	for i, item := range items {
		gameTypes[i] = uint8(item.GameType)
		subTypes[i] = item.GameSubType
	}

	out, err := m.breaker.Execute(func() (interface{}, error) {
		receipt, err := m.chain.RequestBatch(ctx, gameTypes, subTypes)
		if err != nil {
			return nil, err
		}
		if !receipt.Succeeded() {
			return nil, recovery.OracleRequest(nil, "transaction %s reverted", receipt.TxHash.Hex()).
				With("txHash", receipt.TxHash.Hex())
		}
		if len(receipt.RequestIDs) != len(items) {
			return nil, recovery.Protocol("expected %d request ids, got %d", len(items), len(receipt.RequestIDs)).
				With("txHash", receipt.TxHash.Hex())
		}
		return receipt, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*chain.BatchReceipt), nil
}

func (m *Manager) pendingRecords(items []proof.BatchItem, receipt *chain.BatchReceipt) []proof.ProofRequest {
	now := m.clock.Now().UTC()
	reqs := make([]proof.ProofRequest, len(items))
	for i, item := range items {
		reqs[i] = proof.ProofRequest{
			RequestID:   receipt.RequestIDs[i].String(),
			GameType:    item.GameType,
			GameSubType: item.GameSubType,
			Status:      proof.StatusPending,
			TxHash:      receipt.TxHash.Hex(),
			BlockNumber: receipt.BlockNumber,
			CreatedAt:   now,
			ExpiresAt:   now.Add(m.cfg.PoolTTL),
		}
	}
	return reqs
}

// persist stores the batch, retrying per the storage policy. The transaction
// is already mined, so only the insert is retried.
func (m *Manager) persist(ctx context.Context, reqs []proof.ProofRequest, receipt *chain.BatchReceipt) error {
	insert := func(ctx context.Context) error {
		err := m.store.InsertPending(ctx, reqs)
		if errors.Is(err, storage.ErrDuplicate) {
			return nil
		}
		return err
	}
	err := insert(ctx)
	if err == nil {
		return nil
	}

	serr := recovery.Storage(err, "insert pending").With("txHash", receipt.TxHash.Hex())
	res := m.engine.Handle(ctx, m.engine.Classify(serr, nil), insert)
	if res.Recovered() {
		return nil
	}
	m.log.WithFields(logrus.Fields{
		"tx_hash":  receipt.TxHash.Hex(),
		"requests": len(reqs),
	}).WithError(err).Error("mined requests could not be recorded")
	return serr
}

func (m *Manager) countFailure() {
	m.statsMu.Lock()
	m.stats.Failures++
	m.statsMu.Unlock()
}

// =============================================================================
// Reconciliation
// =============================================================================

// ReconcileFulfillment records the oracle's answer for a pending request.
// It is idempotent: replays and requests in any other state report false.
func (m *Manager) ReconcileFulfillment(ctx context.Context, requestID, randomValue, txHash string, blockNumber uint64) (bool, error) {
	if requestID == "" {
		return false, recovery.Validation("requestId is required")
	}
	if randomValue == "" {
		return false, recovery.Validation("random value is required")
	}
	if _, ok := new(big.Int).SetString(requestID, 10); !ok {
		return false, recovery.Validation("requestId %q is not a decimal integer", requestID)
	}
	if v, ok := new(big.Int).SetString(randomValue, 10); !ok || v.Sign() < 0 {
		return false, recovery.Validation("random value %q is not a non-negative decimal integer", randomValue)
	}

	applied, err := m.store.MarkFulfilled(ctx, storage.Fulfillment{
		RequestID:   requestID,
		RandomValue: randomValue,
		TxHash:      txHash,
		BlockNumber: blockNumber,
		At:          m.clock.Now().UTC(),
	})
	if errors.Is(err, proof.ErrNotFound) {
		return false, err
	}
	if err != nil {
		serr := recovery.Storage(err, "mark fulfilled").With("requestId", requestID)
		m.engine.HandleError(ctx, serr, nil, nil)
		return false, serr
	}

	entry := m.log.WithField("request_id", requestID)
	if !applied {
		entry.Debug("fulfillment ignored: request not pending")
		return false, nil
	}

	m.engine.Resolve(requestID)
	m.timedOutMu.Lock()
	delete(m.timedOut, requestID)
	m.timedOutMu.Unlock()

	metrics.RecordFulfillment()
	m.statsMu.Lock()
	m.stats.Reconciled++
	m.statsMu.Unlock()
	entry.WithField("tx_hash", txHash).Info("VRF request fulfilled")
	return true, nil
}

// =============================================================================
// Monitoring
// =============================================================================

func (m *Manager) watch(requestID string, item proof.BatchItem) {
	m.engine.Watch(requestID, func(ce recovery.ClassifiedError) {
		if !m.cfg.ResubmitOnTimeout {
			return
		}
		m.timedOutMu.Lock()
		m.timedOut[requestID] = item
		m.timedOutMu.Unlock()
	})
}

// TimedOut returns the number of requests waiting for a replacement.
func (m *Manager) TimedOut() int {
	m.timedOutMu.Lock()
	defer m.timedOutMu.Unlock()
	return len(m.timedOut)
}

// ResubmitTimedOut submits replacements for requests whose monitor window
// expired and that are still pending. The stale rows are left to the TTL sweep.
func (m *Manager) ResubmitTimedOut(ctx context.Context) (int, error) {
	m.timedOutMu.Lock()
	queued := m.timedOut
	m.timedOut = make(map[string]proof.BatchItem)
	m.timedOutMu.Unlock()

	var items []proof.BatchItem
	for id, item := range queued {
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, proof.ErrNotFound) {
				continue
			}
			m.requeue(id, item)
			return 0, recovery.Storage(err, "load timed out request")
		}
		if rec.Status == proof.StatusPending {
			items = append(items, item)
		}
	}
	proof.SortByPriority(items)

	submitted := 0
	for start := 0; start < len(items); start += m.cfg.MaxBatchSize {
		end := start + m.cfg.MaxBatchSize
		if end > len(items) {
			end = len(items)
		}
		reqs, err := m.SubmitBatch(ctx, items[start:end])
		if err != nil {
			return submitted, fmt.Errorf("resubmit %d timed out requests: %w", end-start, err)
		}
		submitted += len(reqs)
	}

	if submitted > 0 {
		m.statsMu.Lock()
		m.stats.Resubmitted += submitted
		m.statsMu.Unlock()
		m.log.WithField("requests", submitted).Warn("resubmitted timed out VRF requests")
	}
	return submitted, nil
}

func (m *Manager) requeue(id string, item proof.BatchItem) {
	m.timedOutMu.Lock()
	m.timedOut[id] = item
	m.timedOutMu.Unlock()
}

// =============================================================================
// Introspection
// =============================================================================

// Health describes the signer and coordinator reachability.
type Health struct {
	Signer      string `json:"signer"`
	Balance     string `json:"balance"`
	MinBalance  string `json:"minBalance"`
	Funded      bool   `json:"funded"`
	Reachable   bool   `json:"reachable"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Breaker     string `json:"breaker"`
	Error       string `json:"error,omitempty"`
}

// Healthy reports whether the signer is funded and the chain reachable.
func (h Health) Healthy() bool {
	return h.Reachable && h.Funded
}

// Health pings the chain.
func (m *Manager) Health(ctx context.Context) Health {
	h := Health{
		Signer:     m.chain.Signer().Hex(),
		MinBalance: m.cfg.MinBalance.String(),
		Breaker:    m.breaker.State().String(),
	}
	block, err := m.chain.BlockNumber(ctx)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Reachable = true
	h.BlockNumber = block

	bal, err := m.chain.Balance(ctx)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Balance = bal.String()
	h.Funded = bal.Cmp(m.cfg.MinBalance) >= 0
	return h
}

// ContractInfo reads the coordinator summary.
func (m *Manager) ContractInfo(ctx context.Context) (*chain.ContractInfo, error) {
	info, err := m.chain.ContractInfo(ctx)
	if err != nil {
		return nil, recovery.Network(err)
	}
	return info, nil
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	s := m.stats
	s.BreakerState = m.breaker.State().String()
	return s
}
