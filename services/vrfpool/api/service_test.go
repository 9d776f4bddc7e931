package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
	"github.com/R3E-Network/vrfpool/internal/middleware"
	"github.com/R3E-Network/vrfpool/internal/proof"
	"github.com/R3E-Network/vrfpool/internal/storage"
	"github.com/R3E-Network/vrfpool/pkg/testutil"
	"github.com/R3E-Network/vrfpool/services/vrfpool/consume"
	"github.com/R3E-Network/vrfpool/services/vrfpool/oracle"
	"github.com/R3E-Network/vrfpool/services/vrfpool/pregen"
	"github.com/R3E-Network/vrfpool/services/vrfpool/refill"
)

const player = "0x1111111111111111111111111111111111111111"

// =============================================================================
// Helpers
// =============================================================================

type fixture struct {
	chain   *testutil.MockChain
	store   *storage.Memory
	oracle  *oracle.Manager
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.New()
	log := testutil.NullLogger()
	targets := map[proof.GameType]int{
		proof.GameMines: 50, proof.GamePlinko: 50, proof.GameRoulette: 50, proof.GameWheel: 50,
	}

	f := &fixture{chain: testutil.NewMockChain(), store: storage.NewMemory()}
	engine := testutil.NewEngine(clk)
	f.oracle = oracle.New(f.chain, f.store, engine, oracle.Config{Clock: clk, Logger: log})
	coord := pregen.New(f.oracle, pregen.Config{
		Targets:            targets,
		LowThreshold:       25,
		EmergencyThreshold: 10,
		Clock:              clk,
		Logger:             log,
	})
	ctrl := refill.New(coord, f.store, refill.Config{
		Targets:            targets,
		LowThreshold:       25,
		EmergencyThreshold: 10,
		Clock:              clk,
		Logger:             log,
	})
	consumer := consume.New(f.store, ctrl, consume.Config{LowThreshold: 25, Clock: clk, Logger: log})

	f.service = New(Config{
		Store:          f.store,
		Oracle:         f.oracle,
		Pregen:         coord,
		Refill:         ctrl,
		Consumer:       consumer,
		Engine:         engine,
		RateLimiter:    middleware.NewRateLimiter(1000, 1000, log),
		AllowedOrigins: []string{"*"},
		Clock:          clk,
		Logger:         log,
	})
	t.Cleanup(func() { _ = f.service.Stop() })
	return f
}

// seed stores n fulfilled proofs for the key.
func (f *fixture) seed(t *testing.T, g proof.GameType, sub string, n int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	reqs := make([]proof.ProofRequest, n)
	for i := range reqs {
		reqs[i] = proof.ProofRequest{
			RequestID:   fmt.Sprintf("seed-%s-%s-%d", g, sub, i),
			GameType:    g,
			GameSubType: sub,
			CreatedAt:   now.Add(time.Duration(i) * time.Millisecond),
			ExpiresAt:   now.Add(time.Hour),
		}
	}
	require.NoError(t, f.store.InsertPending(ctx, reqs))
	for _, r := range reqs {
		_, err := f.store.MarkFulfilled(ctx, storage.Fulfillment{RequestID: r.RequestID, RandomValue: "7", At: now})
		require.NoError(t, err)
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, gjson.Result) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.service.Router().ServeHTTP(rec, req)
	return rec, gjson.ParseBytes(rec.Body.Bytes())
}

// =============================================================================
// Consumption
// =============================================================================

func TestConsumeEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seed(t, proof.GameRoulette, proof.DefaultSubType, 1)

	body := fmt.Sprintf(`{"userAddress":%q,"gameType":"roulette"}`, player)
	rec, res := f.do(t, http.MethodPost, "/vrf/consume", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, res.Get("success").Bool())
	assert.Equal(t, "seed-ROULETTE-standard-0", res.Get("proof.requestId").String())
	assert.Equal(t, "7", res.Get("proof.randomValue").String())
	assert.NotEmpty(t, rec.Header().Get(middleware.TraceHeader))

	rec, res = f.do(t, http.MethodPost, "/vrf/consume", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, res.Get("success").Bool())
	assert.True(t, res.Get("needsRefill").Bool())
	assert.Equal(t, errTypePoolEmpty, res.Get("type").String())
}

func TestConsumeEndpointValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"unknown game": fmt.Sprintf(`{"userAddress":%q,"gameType":"poker"}`, player),
		"bad address":  `{"userAddress":"0x12","gameType":"WHEEL"}`,
		"bad subtype":  fmt.Sprintf(`{"userAddress":%q,"gameType":"PLINKO","gameSubType":"9"}`, player),
		"not json":     `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, res := f.do(t, http.MethodPost, "/vrf/consume", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(recovery.TypeValidation), res.Get("type").String())
		})
	}
}

func TestUserStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seed(t, proof.GameWheel, proof.DefaultSubType, 3)

	rec, res := f.do(t, http.MethodGet, "/vrf/user-status?address="+player, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), res.Get("data.countsByType.WHEEL").Int())
	assert.False(t, res.Get("data.isReady").Bool())
	assert.True(t, res.Get("data.needsRefill").Bool())

	rec, _ = f.do(t, http.MethodGet, "/vrf/user-status?address=nobody", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Pregeneration
// =============================================================================

func TestGenerateBatchRunsInBackground(t *testing.T) {
	f := newFixture(t)

	body := fmt.Sprintf(`{"userAddress":%q,"batchSize":4,"gameDistribution":{"ROULETTE":1}}`, player)
	rec, res := f.do(t, http.MethodPost, "/vrf/generate-batch", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := res.Get("sessionId").String()
	require.NotEmpty(t, id)
	assert.Equal(t, int64(4), res.Get("requested").Int())
	assert.Equal(t, int64(4), res.Get("allocation.ROULETTE/standard").Int())

	assert.Eventually(t, func() bool {
		_, res := f.do(t, http.MethodGet, "/vrf/sessions/"+id, "")
		return res.Get("data.status").String() == string(proof.SessionCompleted)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.chain.RequestIDs(), 4)
}

func TestGenerateBatchValidation(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/vrf/generate-batch", `{"userAddress":"bad"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := fmt.Sprintf(`{"userAddress":%q,"gameDistribution":{"BLACKJACK":1}}`, player)
	rec, _ = f.do(t, http.MethodPost, "/vrf/generate-batch", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.chain.Calls())
}

func TestGenerateBatchSkipsWhenLevelsSufficient(t *testing.T) {
	f := newFixture(t)
	f.seed(t, proof.GameMines, "1", 25)
	f.seed(t, proof.GamePlinko, "8", 25)
	f.seed(t, proof.GameRoulette, proof.DefaultSubType, 25)
	f.seed(t, proof.GameWheel, proof.DefaultSubType, 25)

	body := fmt.Sprintf(`{"userAddress":%q,"batchSize":4,"gameDistribution":{"WHEEL":1}}`, player)
	rec, res := f.do(t, http.MethodPost, "/vrf/generate-batch", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, actionNoActionNeeded, res.Get("action").String())
	assert.False(t, res.Get("currentStatus.needsRefill").Bool())
	assert.Zero(t, f.chain.Calls())

	forced := fmt.Sprintf(`{"userAddress":%q,"batchSize":4,"gameDistribution":{"WHEEL":1},"options":{"force":true}}`, player)
	rec, _ = f.do(t, http.MethodPost, "/vrf/generate-batch", forced)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestGenerateBatchForceStillConflicts(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.chain.SetRequestHook(func() { <-release })
	t.Cleanup(func() { close(release) })

	body := fmt.Sprintf(`{"userAddress":%q,"batchSize":4,"gameDistribution":{"WHEEL":1},"options":{"force":true}}`, player)
	rec, res := f.do(t, http.MethodPost, "/vrf/generate-batch", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := res.Get("sessionId").String()

	for i := 0; i < 2; i++ {
		rec, res = f.do(t, http.MethodPost, "/vrf/generate-batch", body)
		assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
		assert.Equal(t, string(recovery.TypeConflict), res.Get("type").String())
	}

	_, res = f.do(t, http.MethodGet, "/vrf/sessions/"+first, "")
	assert.Equal(t, string(proof.SessionActive), res.Get("data.status").String())
}

func TestGetSessionNotFound(t *testing.T) {
	f := newFixture(t)
	rec, res := f.do(t, http.MethodGet, "/vrf/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errTypeNotFound, res.Get("type").String())
}

// =============================================================================
// Status
// =============================================================================

func TestSystemStatusEmptyPool(t *testing.T) {
	f := newFixture(t)

	rec, res := f.do(t, http.MethodGet, "/vrf/system-status", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, HealthUnhealthy, res.Get("data.health").String())
	assert.True(t, res.Get("data.components.contract").Bool())
	assert.False(t, res.Get("data.components.storage").Bool())
	assert.Equal(t, SeverityCritical, res.Get("data.recommendations.0.type").String())
	assert.True(t, res.Get("data.contract").Exists())
}

func TestSystemStatusHealthy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, proof.GameMines, "1", 15)
	f.seed(t, proof.GamePlinko, "8", 15)
	f.seed(t, proof.GameRoulette, proof.DefaultSubType, 15)
	f.seed(t, proof.GameWheel, proof.DefaultSubType, 15)

	_, res := f.do(t, http.MethodGet, "/vrf/system-status", "")
	assert.Equal(t, HealthHealthy, res.Get("data.health").String())
	recs := res.Get("data.recommendations").Array()
	require.Len(t, recs, 1)
	assert.Equal(t, SeverityInfo, recs[0].Get("type").String())
	assert.Equal(t, int64(60), res.Get("data.systemStats.available").Int())
}

func TestRecommendations(t *testing.T) {
	levels := proof.PoolLevels{proof.GameMines: 2, proof.GamePlinko: 10, proof.GameRoulette: 10, proof.GameWheel: 10}
	recs := recommendations(levels, proof.SystemStats{SuccessRate: 0.5}, 7)

	var severities []string
	for _, r := range recs {
		severities = append(severities, r.Severity)
	}
	// 32 available, elevated error rate, low success rate and MINES below 5.
	assert.Equal(t, []string{SeverityWarning, SeverityWarning, SeverityWarning, SeverityWarning}, severities)
	assert.Contains(t, recs[3].Message, "MINES")
}

func TestOverallHealth(t *testing.T) {
	assert.Equal(t, HealthHealthy, overallHealth(ComponentHealth{true, true, true}))
	assert.Equal(t, HealthDegraded, overallHealth(ComponentHealth{true, true, false}))
	assert.Equal(t, HealthUnhealthy, overallHealth(ComponentHealth{false, true, true}))
	assert.Equal(t, HealthUnhealthy, overallHealth(ComponentHealth{true, false, true}))
}

// =============================================================================
// Auto-refill
// =============================================================================

func TestAutoRefillLifecycle(t *testing.T) {
	f := newFixture(t)

	rec, res := f.do(t, http.MethodPost, "/vrf/auto-refill", `{"action":"start"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, res.Get("data.changed").Bool())
	assert.Equal(t, string(refill.StateRunning), res.Get("data.status.state").String())

	_, res = f.do(t, http.MethodGet, "/vrf/auto-refill?detailed=true", "")
	assert.True(t, res.Get("data.status.isRunning").Bool())
	assert.True(t, res.Get("data.health.storeReachable").Bool())

	_, res = f.do(t, http.MethodPost, "/vrf/auto-refill", `{"action":"stop"}`)
	assert.Equal(t, string(refill.StateStopped), res.Get("data.status.state").String())

	rec, _ = f.do(t, http.MethodPost, "/vrf/auto-refill", `{"action":"explode"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAutoRefillForceCheck(t *testing.T) {
	f := newFixture(t)
	f.seed(t, proof.GameMines, "1", 30)
	f.seed(t, proof.GamePlinko, "8", 30)
	f.seed(t, proof.GameRoulette, proof.DefaultSubType, 30)
	f.seed(t, proof.GameWheel, proof.DefaultSubType, 20)

	rec, res := f.do(t, http.MethodPost, "/vrf/auto-refill", `{"action":"force_check","options":{"ignoreCooldown":true}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "WHEEL", res.Get("data.result.refilled.0").String())
	assert.Len(t, f.chain.RequestIDs(), 30)
}

func TestAutoRefillConfigUpdate(t *testing.T) {
	f := newFixture(t)

	rec, res := f.do(t, http.MethodPut, "/vrf/auto-refill", `{"config":{"cooldownMs":120000,"maxRetries":2}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(60000), res.Get("data.oldConfig.cooldownMs").Int())
	assert.Equal(t, int64(120000), res.Get("data.newConfig.cooldownMs").Int())
	assert.Equal(t, int64(2), res.Get("data.changes.maxRetries.new").Int())

	rec, res = f.do(t, http.MethodPut, "/vrf/auto-refill", `{"config":{"tickIntervalMs":1000}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, res.Get("error").String(), "tickIntervalMs")

	rec, _ = f.do(t, http.MethodPut, "/vrf/auto-refill", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Fulfillment webhook
// =============================================================================

func TestFulfillmentWebhook(t *testing.T) {
	f := newFixture(t)
	reqs, err := f.oracle.SubmitBatch(context.Background(), []proof.BatchItem{{GameType: proof.GameWheel, GameSubType: proof.DefaultSubType}})
	require.NoError(t, err)
	id := reqs[0].RequestID

	body := fmt.Sprintf(`{"requestId":%s,"randomWords":["98765"],"transactionHash":"0xfeed","blockNumber":321}`, id)
	rec, res := f.do(t, http.MethodPost, "/vrf/fulfillment", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, res.Get("data.applied").Bool())

	stored, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "98765", stored.RandomValue)
	assert.Equal(t, uint64(321), stored.FulfillBlock)

	_, res = f.do(t, http.MethodPost, "/vrf/fulfillment", body)
	assert.False(t, res.Get("data.applied").Bool())

	rec, _ = f.do(t, http.MethodPost, "/vrf/fulfillment", `{"request_id":"424242","random_value":"1","tx_hash":"0x1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/vrf/fulfillment", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFulfillmentWebhookRejectsUnusablePayloads(t *testing.T) {
	f := newFixture(t)
	reqs, err := f.oracle.SubmitBatch(context.Background(), []proof.BatchItem{{GameType: proof.GameWheel, GameSubType: proof.DefaultSubType}})
	require.NoError(t, err)
	id := reqs[0].RequestID

	cases := map[string]string{
		"missing tx hash": fmt.Sprintf(`{"requestId":%q,"randomWords":["1"]}`, id),
		"hex word":        fmt.Sprintf(`{"requestId":%q,"randomWords":["0xabc"],"transactionHash":"0x1"}`, id),
		"fractional word": fmt.Sprintf(`{"requestId":%q,"randomWords":[1.5],"transactionHash":"0x1"}`, id),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, res := f.do(t, http.MethodPost, "/vrf/fulfillment", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, string(recovery.TypeValidation), res.Get("type").String())
		})
	}

	stored, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, proof.StatusPending, stored.Status)
}

// =============================================================================
// Infrastructure
// =============================================================================

func TestStandardAndMetricsRoutes(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vrfpool_")

	rec, res := f.do(t, http.MethodGet, "/info", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ServiceName, res.Get("service").String())
}

func TestPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/vrf/consume", nil)
	req.Header.Set("Origin", "https://casino.example")
	rec := httptest.NewRecorder()
	f.service.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://casino.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{recovery.Validation("bad"), http.StatusBadRequest},
		{recovery.Conflict("busy"), http.StatusConflict},
		{recovery.InsufficientFunds("0x1", "1", "2"), http.StatusServiceUnavailable},
		{proof.ErrPoolEmpty, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", proof.ErrNotFound), http.StatusNotFound},
		{recovery.Storage(fmt.Errorf("db"), "insert"), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := classifyHTTP(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
