package refill

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/proof"
	"github.com/R3E-Network/vrfpool/pkg/testutil"
	"github.com/R3E-Network/vrfpool/services/vrfpool/pregen"
)

// =============================================================================
// Fakes
// =============================================================================

type refillCall struct {
	emergency  bool
	shortfall  int
	types      []proof.GameType
	shortfalls map[proof.GameType]int
}

type fakeRefiller struct {
	mu      sync.Mutex
	calls   []refillCall
	err     error
	partial bool
	entered chan struct{}
	release chan struct{}
}

func (f *fakeRefiller) record(call refillCall) (*proof.RefillSession, error) {
	shortfall := call.shortfall
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err, partial := f.err, f.partial
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	sess := &proof.RefillSession{ID: "sess", Requested: shortfall}
	if err == nil || partial {
		sess.Succeeded = shortfall
	}
	return sess, err
}

func (f *fakeRefiller) RunProportionalRefill(_ context.Context, shortfall int, types []proof.GameType) (*proof.RefillSession, error) {
	return f.record(refillCall{shortfall: shortfall, types: append([]proof.GameType(nil), types...)})
}

func (f *fakeRefiller) RunEmergencyRefill(_ context.Context, shortfalls map[proof.GameType]int) (*proof.RefillSession, error) {
	call := refillCall{emergency: true, shortfalls: make(map[proof.GameType]int, len(shortfalls))}
	for _, g := range proof.ByPriority(proof.AllGameTypes) {
		if n, ok := shortfalls[g]; ok {
			call.types = append(call.types, g)
			call.shortfalls[g] = n
			call.shortfall += n
		}
	}
	return f.record(call)
}

func (f *fakeRefiller) Recommend(levels proof.PoolLevels) pregen.Recommendation {
	for _, n := range levels {
		if n < 10 {
			return pregen.Recommendation{Level: pregen.LevelEmergency}
		}
	}
	return pregen.Recommendation{Level: pregen.LevelNormal}
}

func (f *fakeRefiller) snapshot() []refillCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]refillCall(nil), f.calls...)
}

type fakeLevels struct {
	mu      sync.Mutex
	levels  proof.PoolLevels
	err     error
	pingErr error
}

func (f *fakeLevels) set(l proof.PoolLevels) {
	f.mu.Lock()
	f.levels = l
	f.mu.Unlock()
}

func (f *fakeLevels) CountAllTypes(context.Context, time.Time) (proof.PoolLevels, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(proof.PoolLevels, len(f.levels))
	for g, n := range f.levels {
		out[g] = n
	}
	return out, nil
}

func (f *fakeLevels) Ping(context.Context) error { return f.pingErr }

// countingSubmitter accepts every batch and counts items per game type.
type countingSubmitter struct {
	mu     sync.Mutex
	counts map[proof.GameType]int
	nextID int
}

func (s *countingSubmitter) MaxBatchSize() int { return 50 }

func (s *countingSubmitter) SubmitBatch(_ context.Context, items []proof.BatchItem) ([]proof.ProofRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[proof.GameType]int)
	}
	out := make([]proof.ProofRequest, len(items))
	for i, item := range items {
		s.nextID++
		s.counts[item.GameType]++
		out[i] = proof.ProofRequest{RequestID: strconv.Itoa(s.nextID), GameType: item.GameType, GameSubType: item.GameSubType}
	}
	return out, nil
}

func (s *countingSubmitter) byType() map[proof.GameType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[proof.GameType]int, len(s.counts))
	for g, n := range s.counts {
		out[g] = n
	}
	return out
}

func levels(mines, plinko, roulette, wheel int) proof.PoolLevels {
	return proof.PoolLevels{
		proof.GameMines:    mines,
		proof.GamePlinko:   plinko,
		proof.GameRoulette: roulette,
		proof.GameWheel:    wheel,
	}
}

func newController(r Refiller, l LevelReader, clk clock.Clock) *Controller {
	return New(r, l, Config{
		Targets: map[proof.GameType]int{
			proof.GameMines: 50, proof.GamePlinko: 50, proof.GameRoulette: 50, proof.GameWheel: 50,
		},
		LowThreshold:       25,
		EmergencyThreshold: 10,
		Clock:              clk,
		Logger:             testutil.NullLogger(),
	})
}

// =============================================================================
// Checks
// =============================================================================

func TestCheck_RefillsOnlyLowTypes(t *testing.T) {
	ref := &fakeRefiller{}
	lv := &fakeLevels{levels: levels(10, 30, 50, 50)}
	c := newController(ref, lv, clock.NewMock())

	res, err := c.ForceCheck(context.Background(), false)
	require.NoError(t, err)

	assert.False(t, res.Emergency)
	assert.Equal(t, []string{"MINES"}, res.Refilled)
	calls := ref.snapshot()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].emergency)
	assert.Equal(t, 40, calls[0].shortfall)
	assert.Equal(t, []proof.GameType{proof.GameMines}, calls[0].types)
}

func TestCheck_CooldownSuppressesRepeat(t *testing.T) {
	ref := &fakeRefiller{}
	lv := &fakeLevels{levels: levels(50, 20, 50, 50)}
	clk := clock.NewMock()
	c := newController(ref, lv, clk)
	ctx := context.Background()

	_, err := c.ForceCheck(ctx, false)
	require.NoError(t, err)

	clk.Add(30 * time.Second)
	res, err := c.ForceCheck(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "cooldown", res.Skipped["PLINKO"])
	assert.Len(t, ref.snapshot(), 1)

	res, err = c.ForceCheck(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"PLINKO"}, res.Refilled)
	assert.Len(t, ref.snapshot(), 2)

	clk.Add(DefaultCooldown)
	_, err = c.ForceCheck(ctx, false)
	require.NoError(t, err)
	assert.Len(t, ref.snapshot(), 3)
}

func TestCheck_EmergencyRefillsAllBelowTarget(t *testing.T) {
	ref := &fakeRefiller{}
	lv := &fakeLevels{levels: levels(5, 20, 50, 50)}
	clk := clock.NewMock()
	c := newController(ref, lv, clk)
	ctx := context.Background()

	res, err := c.ForceCheck(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Emergency)
	assert.Equal(t, []string{"PLINKO", "MINES"}, res.Refilled)

	calls := ref.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].emergency)
	assert.Equal(t, 75, calls[0].shortfall)
	assert.Equal(t, []proof.GameType{proof.GamePlinko, proof.GameMines}, calls[0].types)
	assert.Equal(t, map[proof.GameType]int{proof.GamePlinko: 30, proof.GameMines: 45}, calls[0].shortfalls)

	// Emergencies ignore the cooldown.
	_, err = c.ForceCheck(ctx, false)
	require.NoError(t, err)
	assert.Len(t, ref.snapshot(), 2)
	assert.Equal(t, 2, c.Status().Counters.Emergencies)
}

func TestCheck_EmergencyRestoresEveryTypeToTarget(t *testing.T) {
	sub := &countingSubmitter{}
	coord := pregen.New(sub, pregen.Config{
		Targets: map[proof.GameType]int{
			proof.GameMines: 50, proof.GamePlinko: 50, proof.GameRoulette: 50, proof.GameWheel: 50,
		},
		LowThreshold:       25,
		EmergencyThreshold: 10,
		Logger:             testutil.NullLogger(),
	})
	lv := &fakeLevels{levels: levels(5, 49, 49, 49)}
	c := newController(coord, lv, clock.NewMock())

	res, err := c.ForceCheck(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Emergency)

	got := sub.byType()
	for g, before := range lv.levels {
		assert.Equal(t, 50, before+got[g], "%s after emergency refill", g)
	}
}

func TestCheck_ThresholdIsStrict(t *testing.T) {
	ref := &fakeRefiller{}
	lv := &fakeLevels{levels: levels(25, 25, 25, 25)}
	c := newController(ref, lv, clock.NewMock())

	res, err := c.ForceCheck(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, res.Refilled)
	assert.Empty(t, ref.snapshot())
}

func TestCheck_InFlightTypeIsSkipped(t *testing.T) {
	ref := &fakeRefiller{entered: make(chan struct{}, 1), release: make(chan struct{})}
	lv := &fakeLevels{levels: levels(50, 50, 50, 20)}
	c := newController(ref, lv, clock.NewMock())
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.ForceCheck(ctx, true)
	}()
	<-ref.entered
	assert.Equal(t, []string{"WHEEL"}, c.Status().InFlight)

	res, err := c.ForceCheck(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "in_flight", res.Skipped["WHEEL"])

	close(ref.release)
	<-done
	assert.Len(t, ref.snapshot(), 1)
	assert.Empty(t, c.Status().InFlight)
}

func TestCheck_RetriesWhenNothingSubmitted(t *testing.T) {
	ref := &fakeRefiller{err: recovery.OracleRequest(errors.New("revert"), "batch failed")}
	lv := &fakeLevels{levels: levels(50, 50, 20, 50)}
	c := newController(ref, lv, clock.NewMock())

	_, err := c.ForceCheck(context.Background(), true)
	require.Error(t, err)
	assert.Len(t, ref.snapshot(), DefaultMaxRetries)
	assert.Equal(t, 1, c.Status().Counters.Failures)
}

func TestCheck_PartialSuccessIsNotRetried(t *testing.T) {
	ref := &fakeRefiller{err: errors.New("one chunk failed"), partial: true}
	lv := &fakeLevels{levels: levels(50, 50, 20, 50)}
	c := newController(ref, lv, clock.NewMock())

	_, err := c.ForceCheck(context.Background(), true)
	require.Error(t, err)
	assert.Len(t, ref.snapshot(), 1)
}

func TestCheck_StoreFailure(t *testing.T) {
	lv := &fakeLevels{err: errors.New("db down")}
	c := newController(&fakeRefiller{}, lv, clock.NewMock())

	_, err := c.ForceCheck(context.Background(), false)
	require.Error(t, err)
	assert.True(t, recovery.IsType(err, recovery.TypeStorage))
	assert.Equal(t, 1, c.Status().Counters.Failures)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestStartStop_Idempotent(t *testing.T) {
	c := newController(&fakeRefiller{}, &fakeLevels{levels: levels(50, 50, 50, 50)}, clock.NewMock())
	ctx := context.Background()

	assert.True(t, c.Start(ctx))
	assert.False(t, c.Start(ctx))
	assert.Equal(t, StateRunning, c.Status().State)

	assert.True(t, c.Stop())
	assert.False(t, c.Stop())
	assert.Equal(t, StateStopped, c.Status().State)
}

func TestLoop_TicksAndTriggers(t *testing.T) {
	ref := &fakeRefiller{}
	lv := &fakeLevels{levels: levels(50, 50, 50, 50)}
	clk := clock.NewMock()
	c := newController(ref, lv, clk)

	c.Start(context.Background())
	defer c.Stop()

	c.TriggerCheck()
	assert.Eventually(t, func() bool { return c.Status().Counters.Checks == 1 }, time.Second, 5*time.Millisecond)

	// Wait for the loop to arm its next timer before advancing the clock.
	time.Sleep(20 * time.Millisecond)
	clk.Add(DefaultTickInterval)
	assert.Eventually(t, func() bool { return c.Status().Counters.Checks == 2 }, time.Second, 5*time.Millisecond)

	lv.set(levels(50, 50, 50, 15))
	c.TriggerCheck()
	assert.Eventually(t, func() bool { return len(ref.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTriggerCheck_DropsWhenQueued(t *testing.T) {
	c := newController(&fakeRefiller{}, &fakeLevels{}, clock.NewMock())
	c.TriggerCheck()
	c.TriggerCheck()
	c.TriggerCheck()
	assert.Len(t, c.trigger, 1)
}

// =============================================================================
// Settings
// =============================================================================

func TestUpdateConfig(t *testing.T) {
	c := newController(&fakeRefiller{}, &fakeLevels{}, clock.NewMock())

	tick := int64(45_000)
	ratio := 0.2
	old, updated, changes, err := c.UpdateConfig(Patch{TickIntervalMs: &tick, EmergencyThresholdRatio: &ratio})
	require.NoError(t, err)

	assert.Equal(t, DefaultTickInterval.Milliseconds(), old.TickIntervalMs)
	assert.Equal(t, tick, updated.TickIntervalMs)
	assert.Equal(t, 5, updated.EmergencyThreshold)
	assert.Contains(t, changes, "tickIntervalMs")
	assert.Contains(t, changes, "emergencyThreshold")
	assert.NotContains(t, changes, "cooldownMs")
	assert.Equal(t, tick, c.Status().Config.TickIntervalMs)
}

func TestUpdateConfig_EmergencyFloorIsOne(t *testing.T) {
	c := New(&fakeRefiller{}, &fakeLevels{}, Config{LowThreshold: 5, EmergencyThreshold: 2, Logger: testutil.NullLogger()})
	ratio := 0.1
	_, updated, _, err := c.UpdateConfig(Patch{EmergencyThresholdRatio: &ratio})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.EmergencyThreshold)
}

func TestUpdateConfig_Rejects(t *testing.T) {
	c := newController(&fakeRefiller{}, &fakeLevels{}, clock.NewMock())
	short := int64(5_000)
	cooldown := int64(1_000)
	retries := 11
	ratio := 1.5

	cases := map[string]Patch{
		"empty":    {},
		"tick":     {TickIntervalMs: &short},
		"cooldown": {CooldownMs: &cooldown},
		"retries":  {MaxRetries: &retries},
		"ratio":    {EmergencyThresholdRatio: &ratio},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, _, err := c.UpdateConfig(p)
			require.Error(t, err)
			assert.True(t, recovery.IsType(err, recovery.TypeValidation))
		})
	}
	assert.Equal(t, DefaultTickInterval.Milliseconds(), c.Status().Config.TickIntervalMs)
}

// =============================================================================
// Health
// =============================================================================

func TestHealthCheck(t *testing.T) {
	lv := &fakeLevels{levels: levels(50, 50, 50, 50)}
	c := newController(&fakeRefiller{}, lv, clock.NewMock())
	ctx := context.Background()

	report := c.HealthCheck(ctx)
	assert.True(t, report.Healthy)
	assert.True(t, report.StoreReachable)
	assert.Equal(t, 50, report.Levels["MINES"])

	lv.set(levels(3, 50, 50, 50))
	assert.False(t, c.HealthCheck(ctx).Healthy)

	lv.pingErr = errors.New("unreachable")
	report = c.HealthCheck(ctx)
	assert.False(t, report.StoreReachable)
	assert.Equal(t, "unreachable", report.Error)
}
