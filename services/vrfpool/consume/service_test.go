package consume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/proof"
	"github.com/R3E-Network/vrfpool/internal/storage"
	"github.com/R3E-Network/vrfpool/pkg/testutil"
)

const user = "0x00000000000000000000000000000000000000Aa"

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) TriggerCheck() { c.n.Add(1) }

// racingStore loses the first lost claims to another consumer.
type racingStore struct {
	*storage.Memory
	mu   sync.Mutex
	lost int
}

func (r *racingStore) ClaimAndConsume(ctx context.Context, id, consumer string, now time.Time) (*proof.ProofRequest, error) {
	r.mu.Lock()
	if r.lost > 0 {
		r.lost--
		r.mu.Unlock()
		if _, err := r.Memory.ClaimAndConsume(ctx, id, "0xother", now); err != nil {
			return nil, err
		}
		return nil, proof.ErrAlreadyConsumed
	}
	r.mu.Unlock()
	return r.Memory.ClaimAndConsume(ctx, id, consumer, now)
}

func fill(t *testing.T, m *storage.Memory, now time.Time, g proof.GameType, sub string, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, n)
	reqs := make([]proof.ProofRequest, n)
	for i := range reqs {
		ids[i] = fmt.Sprintf("%s-%s-%d", g, sub, i)
		reqs[i] = proof.ProofRequest{
			RequestID:   ids[i],
			GameType:    g,
			GameSubType: sub,
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
			ExpiresAt:   now.Add(24 * time.Hour),
		}
	}
	require.NoError(t, m.InsertPending(ctx, reqs))
	for _, id := range ids {
		ok, err := m.MarkFulfilled(ctx, storage.Fulfillment{RequestID: id, RandomValue: "42", At: now})
		require.NoError(t, err)
		require.True(t, ok)
	}
	return ids
}

func newService(store Store, trig Trigger, clk clock.Clock) *Service {
	return New(store, trig, Config{LowThreshold: 25, Clock: clk, Logger: testutil.NullLogger()})
}

func TestConsume_ReturnsOldestAndTriggersRefill(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	m := storage.NewMemory()
	ids := fill(t, m, clk.Now(), proof.GameRoulette, proof.DefaultSubType, 3)
	trig := &countingTrigger{}
	svc := newService(m, trig, clk)

	got, err := svc.Consume(context.Background(), user, proof.GameRoulette, "")
	require.NoError(t, err)
	assert.Equal(t, ids[0], got.RequestID)
	assert.Equal(t, proof.StatusConsumed, got.Status)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", got.ConsumerID)
	assert.Equal(t, int32(1), trig.n.Load())

	got, err = svc.Consume(context.Background(), user, proof.GameRoulette, proof.DefaultSubType)
	require.NoError(t, err)
	assert.Equal(t, ids[1], got.RequestID)
}

func TestConsume_EmptyPool(t *testing.T) {
	m := storage.NewMemory()
	trig := &countingTrigger{}
	svc := newService(m, trig, clock.NewMock())

	_, err := svc.Consume(context.Background(), user, proof.GamePlinko, "16")
	assert.ErrorIs(t, err, proof.ErrPoolEmpty)
	assert.Equal(t, int32(1), trig.n.Load())
}

func TestConsume_ExpiredProofIsNotServed(t *testing.T) {
	clk := clock.NewMock()
	m := storage.NewMemory()
	fill(t, m, clk.Now(), proof.GameWheel, proof.DefaultSubType, 1)
	svc := newService(m, nil, clk)

	clk.Add(25 * time.Hour)
	_, err := svc.Consume(context.Background(), user, proof.GameWheel, "")
	assert.ErrorIs(t, err, proof.ErrPoolEmpty)
}

func TestConsume_RetriesLostClaims(t *testing.T) {
	clk := clock.NewMock()
	m := storage.NewMemory()
	ids := fill(t, m, clk.Now(), proof.GameMines, "3", 4)
	store := &racingStore{Memory: m, lost: 2}
	svc := newService(store, nil, clk)

	got, err := svc.Consume(context.Background(), user, proof.GameMines, "3")
	require.NoError(t, err)
	assert.Equal(t, ids[2], got.RequestID)
}

func TestConsume_GivesUpAfterMaxAttempts(t *testing.T) {
	clk := clock.NewMock()
	m := storage.NewMemory()
	fill(t, m, clk.Now(), proof.GameMines, "3", MaxClaimAttempts+1)
	store := &racingStore{Memory: m, lost: MaxClaimAttempts}
	svc := newService(store, nil, clk)

	_, err := svc.Consume(context.Background(), user, proof.GameMines, "3")
	assert.ErrorIs(t, err, proof.ErrPoolEmpty)
}

func TestConsume_Validation(t *testing.T) {
	trig := &countingTrigger{}
	svc := newService(storage.NewMemory(), trig, clock.NewMock())
	ctx := context.Background()

	cases := []struct {
		name    string
		address string
		game    proof.GameType
		sub     string
	}{
		{"bad address", "0x123", proof.GameWheel, ""},
		{"bad game", user, proof.GameType(9), ""},
		{"bad subtype", user, proof.GamePlinko, "9"},
		{"mines needs count", user, proof.GameMines, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Consume(ctx, tc.address, tc.game, tc.sub)
			require.Error(t, err)
			assert.True(t, recovery.IsType(err, recovery.TypeValidation))
		})
	}
	assert.Zero(t, trig.n.Load())
}

type failingStore struct{ *storage.Memory }

func (failingStore) GetNextAvailable(context.Context, proof.GameType, string, time.Time) (*proof.ProofRequest, error) {
	return nil, errors.New("connection reset")
}

func TestConsume_StorageFailure(t *testing.T) {
	svc := newService(failingStore{storage.NewMemory()}, nil, clock.NewMock())
	_, err := svc.Consume(context.Background(), user, proof.GameWheel, "")
	require.Error(t, err)
	assert.True(t, recovery.IsType(err, recovery.TypeStorage))
}

func TestUserStatus(t *testing.T) {
	clk := clock.NewMock()
	m := storage.NewMemory()
	svc := newService(m, nil, clk)
	ctx := context.Background()

	status, err := svc.UserStatus(ctx, user)
	require.NoError(t, err)
	assert.False(t, status.IsReady)
	assert.True(t, status.NeedsRefill)
	assert.Equal(t, 0, status.Total)

	fill(t, m, clk.Now(), proof.GameMines, "1", 30)
	fill(t, m, clk.Now(), proof.GamePlinko, "8", 30)
	fill(t, m, clk.Now(), proof.GameRoulette, proof.DefaultSubType, 30)
	fill(t, m, clk.Now(), proof.GameWheel, proof.DefaultSubType, 24)

	status, err = svc.UserStatus(ctx, user)
	require.NoError(t, err)
	assert.True(t, status.IsReady)
	assert.True(t, status.NeedsRefill)
	assert.Equal(t, 114, status.Total)
	assert.Equal(t, 24, status.CountsByType["WHEEL"])

	_, err = svc.UserStatus(ctx, "nope")
	assert.True(t, recovery.IsType(err, recovery.TypeValidation))
}
