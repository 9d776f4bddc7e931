package oracle

import (
	"context"
	"math/big"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/vrfpool/internal/engine/recovery"
)

// PollResult summarizes one fulfillment poll.
type PollResult struct {
	Checked   int `json:"checked"`
	Fulfilled int `json:"fulfilled"`
	StillOpen int `json:"stillOpen"`
	Failed    int `json:"failed"`
}

// PollFulfillments checks the oldest pending requests against the
// coordinator and reconciles the fulfilled ones. Lookups run concurrently.
func (m *Manager) PollFulfillments(ctx context.Context) (PollResult, error) {
	pending, err := m.store.ListPending(ctx, m.cfg.PollBatch)
	if err != nil {
		return PollResult{}, recovery.Storage(err, "list pending")
	}
	if len(pending) == 0 {
		return PollResult{}, nil
	}

	var (
		mu     sync.Mutex
		result = PollResult{Checked: len(pending)}
		errs   *multierror.Error
	)
	record := func(fulfilled bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			result.Failed++
			errs = multierror.Append(errs, err)
		case fulfilled:
			result.Fulfilled++
		default:
			result.StillOpen++
		}
	}

	pool := workerpool.New(m.cfg.PollWorkers)
	for _, rec := range pending {
		requestID := rec.RequestID
		pool.Submit(func() {
			if ctx.Err() != nil {
				record(false, ctx.Err())
				return
			}
			record(m.pollOne(ctx, requestID))
		})
	}
	pool.StopWait()

	if result.Fulfilled > 0 || result.Failed > 0 {
		m.log.WithFields(logrus.Fields{
			"checked":   result.Checked,
			"fulfilled": result.Fulfilled,
			"failed":    result.Failed,
		}).Info("fulfillment poll finished")
	}
	return result, errs.ErrorOrNil()
}

func (m *Manager) pollOne(ctx context.Context, requestID string) (bool, error) {
	id, ok := new(big.Int).SetString(requestID, 10)
	if !ok {
		return false, recovery.Validation("stored request id %q is not a decimal integer", requestID)
	}
	info, err := m.chain.GetRequest(ctx, id)
	if err != nil {
		return false, recovery.Network(err).With("requestId", requestID)
	}
	if !info.Fulfilled || len(info.RandomWords) == 0 {
		return false, nil
	}
	return m.ReconcileFulfillment(ctx, requestID, info.RandomWords[0].String(), "", 0)
}
