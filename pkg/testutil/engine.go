package testutil

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
)

// FastPolicies keeps the production strategies with millisecond delays.
func FastPolicies() map[recovery.ErrorType]recovery.Policy {
	return map[recovery.ErrorType]recovery.Policy{
		recovery.TypeOracleRequest: {Strategy: recovery.StrategyRetry, MaxAttempts: 3, InitialDelay: time.Millisecond, Exponential: true},
		recovery.TypeNetwork:       {Strategy: recovery.StrategyRetry, MaxAttempts: 3, InitialDelay: time.Millisecond, Exponential: true},
		recovery.TypeStorage:       {Strategy: recovery.StrategyRetry, MaxAttempts: 2, InitialDelay: time.Millisecond},
	}
}

// NewEngine returns a recovery engine with fast retries and a silent logger.
// Pass a mock clock only to tests that never retry, since retries wait on it.
func NewEngine(clk clock.Clock) *recovery.Engine {
	if clk == nil {
		clk = clock.New()
	}
	return recovery.NewEngine(recovery.Config{
		Policies: FastPolicies(),
		Clock:    clk,
		Logger:   NullLogger(),
	})
}
