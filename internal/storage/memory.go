package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/vrfpool/internal/proof"
)

var _ ProofStore = (*Memory)(nil)

// Memory is a thread-safe in-memory ProofStore. It backs local runs without a
// database and the service tests.
type Memory struct {
	mu       sync.RWMutex
	requests map[string]*proof.ProofRequest
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{requests: make(map[string]*proof.ProofRequest)}
}

func (m *Memory) InsertPending(_ context.Context, reqs []proof.ProofRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range reqs {
		if _, exists := m.requests[reqs[i].RequestID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicate, reqs[i].RequestID)
		}
	}
	for i := range reqs {
		rec := reqs[i]
		rec.Status = proof.StatusPending
		m.requests[rec.RequestID] = &rec
	}
	return nil
}

func (m *Memory) MarkFulfilled(_ context.Context, f Fulfillment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.requests[f.RequestID]
	if !ok {
		return false, proof.ErrNotFound
	}
	if rec.Status != proof.StatusPending {
		return false, nil
	}
	at := f.At
	rec.Status = proof.StatusFulfilled
	rec.RandomValue = f.RandomValue
	rec.FulfillTxHash = f.TxHash
	rec.FulfillBlock = f.BlockNumber
	rec.FulfilledAt = &at
	return true, nil
}

func (m *Memory) MarkFailed(_ context.Context, requestID string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.requests[requestID]
	if !ok {
		return false, proof.ErrNotFound
	}
	if rec.Status != proof.StatusPending {
		return false, nil
	}
	rec.Status = proof.StatusFailed
	return true, nil
}

func (m *Memory) Get(_ context.Context, requestID string) (*proof.ProofRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.requests[requestID]
	if !ok {
		return nil, proof.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) GetNextAvailable(_ context.Context, g proof.GameType, subType string, now time.Time) (*proof.ProofRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *proof.ProofRequest
	for _, rec := range m.requests {
		if rec.GameType != g || rec.GameSubType != subType || !rec.Available(now) {
			continue
		}
		if best == nil || older(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, proof.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) ClaimAndConsume(_ context.Context, requestID, consumerID string, now time.Time) (*proof.ProofRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.requests[requestID]
	if !ok {
		return nil, proof.ErrNotFound
	}
	if !rec.Available(now) {
		return nil, proof.ErrAlreadyConsumed
	}
	at := now
	rec.Status = proof.StatusConsumed
	rec.ConsumerID = consumerID
	rec.ConsumedAt = &at
	cp := *rec
	return &cp, nil
}

func (m *Memory) CountByType(_ context.Context, g proof.GameType, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.requests {
		if rec.GameType == g && rec.Available(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountAllTypes(_ context.Context, now time.Time) (proof.PoolLevels, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	levels := make(proof.PoolLevels, len(proof.AllGameTypes))
	for _, g := range proof.AllGameTypes {
		levels[g] = 0
	}
	for _, rec := range m.requests {
		if rec.Available(now) {
			levels[rec.GameType]++
		}
	}
	return levels, nil
}

func (m *Memory) CountBySubType(_ context.Context, g proof.GameType, now time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, rec := range m.requests {
		if rec.GameType == g && rec.Available(now) {
			out[rec.GameSubType]++
		}
	}
	return out, nil
}

func (m *Memory) ListPending(_ context.Context, limit int) ([]proof.ProofRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []proof.ProofRequest
	for _, rec := range m.requests {
		if rec.Status == proof.StatusPending {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return older(&out[i], &out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SweepExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.requests {
		if (rec.Status == proof.StatusPending || rec.Status == proof.StatusFulfilled) && rec.Expired(now) {
			rec.Status = proof.StatusExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.requests {
		if (rec.Status == proof.StatusExpired || rec.Status == proof.StatusFailed) && rec.CreatedAt.Before(cutoff) {
			delete(m.requests, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) SystemStats(_ context.Context, now time.Time) (proof.SystemStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		stats     proof.SystemStats
		fulfilled int
		totalSecs float64
		recent    int
		succeeded int
	)
	since := now.Add(-SuccessWindow)
	for _, rec := range m.requests {
		stats.Total++
		switch {
		case rec.Available(now):
			stats.Available++
		case rec.Status == proof.StatusConsumed:
			stats.Used++
		case rec.Status == proof.StatusPending:
			stats.Pending++
		case rec.Status == proof.StatusFailed:
			stats.Failed++
		default:
			stats.Expired++
		}
		if rec.FulfilledAt != nil {
			fulfilled++
			totalSecs += rec.FulfilledAt.Sub(rec.CreatedAt).Seconds()
		}
		if !rec.CreatedAt.Before(since) {
			recent++
			if rec.Status == proof.StatusFulfilled || rec.Status == proof.StatusConsumed {
				succeeded++
			}
		}
	}
	if fulfilled > 0 {
		stats.AvgFulfillmentSecs = totalSecs / float64(fulfilled)
	}
	stats.Derive(recent, succeeded)
	return stats, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// older orders by creation time, then by numeric request id so requests from
// one batch keep their on-chain order.
func older(a, b *proof.ProofRequest) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return requestIDLess(a.RequestID, b.RequestID)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// requestIDLess compares decimal request ids numerically.
func requestIDLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
