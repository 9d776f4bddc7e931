package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/vrfpool/internal/proof"
)

func seed(t *testing.T, m *Memory, now time.Time, n int, g proof.GameType, sub string) []string {
	t.Helper()
	ids := make([]string, n)
	reqs := make([]proof.ProofRequest, n)
	for i := range reqs {
		ids[i] = fmt.Sprintf("%s-%s-%d", g, sub, i)
		reqs[i] = proof.ProofRequest{
			RequestID:   ids[i],
			GameType:    g,
			GameSubType: sub,
			TxHash:      "0xabc",
			BlockNumber: 10,
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
			ExpiresAt:   now.Add(24 * time.Hour),
		}
	}
	require.NoError(t, m.InsertPending(context.Background(), reqs))
	return ids
}

func fulfill(t *testing.T, m *Memory, id string, at time.Time) {
	t.Helper()
	ok, err := m.MarkFulfilled(context.Background(), Fulfillment{RequestID: id, RandomValue: "123", TxHash: "0xf", BlockNumber: 11, At: at})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemory_InsertPendingRejectsDuplicates(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	seed(t, m, now, 1, proof.GameWheel, "standard")

	err := m.InsertPending(context.Background(), []proof.ProofRequest{{RequestID: "WHEEL-standard-0"}, {RequestID: "new"}})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, m.Len())
}

func TestMemory_MarkFulfilledIsIdempotent(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	ids := seed(t, m, now, 1, proof.GameRoulette, "standard")

	fulfill(t, m, ids[0], now)
	first, err := m.Get(context.Background(), ids[0])
	require.NoError(t, err)

	ok, err := m.MarkFulfilled(context.Background(), Fulfillment{RequestID: ids[0], RandomValue: "999", At: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, ok)

	second, err := m.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMemory_GetNextAvailableReturnsOldest(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	ids := seed(t, m, now, 3, proof.GamePlinko, "8")
	fulfill(t, m, ids[2], now)
	fulfill(t, m, ids[1], now)

	next, err := m.GetNextAvailable(context.Background(), proof.GamePlinko, "8", now)
	require.NoError(t, err)
	assert.Equal(t, ids[1], next.RequestID)

	_, err = m.GetNextAvailable(context.Background(), proof.GamePlinko, "10", now)
	assert.ErrorIs(t, err, proof.ErrNotFound)
}

func TestMemory_SameBatchOrdersByNumericID(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	var reqs []proof.ProofRequest
	for _, id := range []string{"10", "9", "100"} {
		reqs = append(reqs, proof.ProofRequest{
			RequestID: id, GameType: proof.GameWheel, GameSubType: "standard",
			CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		})
	}
	require.NoError(t, m.InsertPending(context.Background(), reqs))

	pending, err := m.ListPending(context.Background(), 10)
	require.NoError(t, err)
	var order []string
	for _, p := range pending {
		order = append(order, p.RequestID)
	}
	assert.Equal(t, []string{"9", "10", "100"}, order)

	for _, id := range []string{"100", "10", "9"} {
		fulfill(t, m, id, now)
	}
	next, err := m.GetNextAvailable(context.Background(), proof.GameWheel, "standard", now)
	require.NoError(t, err)
	assert.Equal(t, "9", next.RequestID)

	assert.True(t, requestIDLess("9", "10"))
	assert.False(t, requestIDLess("10", "10"))
}

func TestMemory_ClaimAndConsumeAtMostOnce(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	ids := seed(t, m, now, 1, proof.GameMines, "3")
	fulfill(t, m, ids[0], now)

	const consumers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.ClaimAndConsume(context.Background(), ids[0], fmt.Sprintf("0x%040d", i), now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, proof.ErrAlreadyConsumed):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, consumers-1, conflicts)
}

func TestMemory_ExpirySweep(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	ids := seed(t, m, now, 2, proof.GameWheel, "standard")
	fulfill(t, m, ids[0], now)

	later := now.Add(25 * time.Hour)
	_, err := m.GetNextAvailable(context.Background(), proof.GameWheel, "standard", later)
	assert.ErrorIs(t, err, proof.ErrNotFound)

	n, err := m.CountByType(context.Background(), proof.GameWheel, later)
	require.NoError(t, err)
	assert.Zero(t, n)

	swept, err := m.SweepExpired(context.Background(), later)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	swept, err = m.SweepExpired(context.Background(), later)
	require.NoError(t, err)
	assert.Zero(t, swept)

	rec, err := m.Get(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, proof.StatusExpired, rec.Status)
}

func TestMemory_CountAllTypesIncludesZeros(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	ids := seed(t, m, now, 2, proof.GameMines, "1")
	fulfill(t, m, ids[0], now)

	levels, err := m.CountAllTypes(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, levels, 4)
	assert.Equal(t, 1, levels[proof.GameMines])
	assert.Equal(t, 0, levels[proof.GameWheel])
}

func TestMemory_PurgeAndStats(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	old := now.Add(-40 * 24 * time.Hour)
	oldIDs := seed(t, m, old, 2, proof.GamePlinko, "12")
	ids := seed(t, m, now, 3, proof.GameRoulette, "standard")

	_, err := m.MarkFailed(context.Background(), oldIDs[0], now)
	require.NoError(t, err)
	_, err = m.SweepExpired(context.Background(), now)
	require.NoError(t, err)

	fulfill(t, m, ids[0], now.Add(10*time.Second))
	fulfill(t, m, ids[1], now.Add(20*time.Second))
	_, err = m.ClaimAndConsume(context.Background(), ids[1], "0x1", now)
	require.NoError(t, err)

	stats, err := m.SystemStats(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 1, stats.Used)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Expired)
	assert.InDelta(t, 0.5, stats.UtilizationRate, 0.001)

	purged, err := m.PurgeOlderThan(context.Background(), now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
	assert.Equal(t, 3, m.Len())
}
