// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/vrfpool/internal/chain"
)

// OneEther is 1e18 wei.
var OneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// NullLogger returns an entry that discards output.
func NullLogger() *logrus.Entry {
	log := logrus.New()
	log.Out = io.Discard
	return logrus.NewEntry(log)
}

// MockChain is an in-memory VRF coordinator. Request ids are assigned
// sequentially starting at 1.
type MockChain struct {
	mu sync.Mutex

	signer   common.Address
	balance  *big.Int
	nextID   int64
	calls    int
	requests map[string]*chain.RequestInfo
	order    []string

	// Failure injection; each applies to RequestBatch.
	failErr  error
	failN    int // remaining failures, -1 means always
	revert   bool
	dropIDs  int
	blockErr error

	// hook runs at the start of every RequestBatch, outside the lock.
	hook func()
}

// NewMockChain creates a funded mock coordinator.
func NewMockChain() *MockChain {
	return &MockChain{
		signer:   common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		balance:  new(big.Int).Set(OneEther),
		nextID:   1,
		requests: make(map[string]*chain.RequestInfo),
	}
}

// SetBalance sets the signer balance in wei.
func (c *MockChain) SetBalance(wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = new(big.Int).Set(wei)
}

// FailNext makes the next n RequestBatch calls return err. n < 0 fails forever.
func (c *MockChain) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failN = n
	c.failErr = err
}

// SetRevert makes mined receipts report a revert.
func (c *MockChain) SetRevert(revert bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revert = revert
}

// DropRequestIDs makes receipts carry n fewer request ids than items.
func (c *MockChain) DropRequestIDs(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropIDs = n
}

// SetBlockError makes BlockNumber fail.
func (c *MockChain) SetBlockError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockErr = err
}

// SetRequestHook installs fn to run at the start of every RequestBatch call.
// It runs without the mock's lock held, so it may block.
func (c *MockChain) SetRequestHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = fn
}

// Calls returns the number of RequestBatch calls, including failed ones.
func (c *MockChain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// RequestIDs returns every issued request id in order.
func (c *MockChain) RequestIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Request returns the on-chain view of a request.
func (c *MockChain) Request(id string) (*chain.RequestInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.requests[id]
	return info, ok
}

// Fulfill marks a request fulfilled with word.
func (c *MockChain) Fulfill(id string, word int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.requests[id]; ok {
		info.Fulfilled = true
		info.RandomWords = []*big.Int{big.NewInt(word)}
	}
}

// FulfillAll fulfills every open request; the word is the request id times 1000.
func (c *MockChain) FulfillAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, info := range c.requests {
		if info.Fulfilled {
			continue
		}
		v, _ := new(big.Int).SetString(id, 10)
		info.Fulfilled = true
		info.RandomWords = []*big.Int{new(big.Int).Mul(v, big.NewInt(1000))}
		n++
	}
	return n
}

// Signer implements oracle.Chain.
func (c *MockChain) Signer() common.Address { return c.signer }

// Balance implements oracle.Chain.
func (c *MockChain) Balance(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

// RequestBatch implements oracle.Chain.
func (c *MockChain) RequestBatch(_ context.Context, gameTypes []uint8, subTypes []string) (*chain.BatchReceipt, error) {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++

	if c.failN != 0 {
		if c.failN > 0 {
			c.failN--
		}
		return nil, c.failErr
	}

	receipt := &chain.BatchReceipt{
		TxHash:      common.BigToHash(big.NewInt(int64(c.calls))),
		BlockNumber: uint64(100 + c.calls),
		Status:      types.ReceiptStatusSuccessful,
		GasUsed:     uint64(21000 * len(gameTypes)),
	}
	if c.revert {
		receipt.Status = types.ReceiptStatusFailed
		return receipt, nil
	}

	n := len(gameTypes) - c.dropIDs
	for i := 0; i < n; i++ {
		id := big.NewInt(c.nextID)
		c.nextID++
		key := id.String()
		c.requests[key] = &chain.RequestInfo{
			Requester:   c.signer,
			GameType:    gameTypes[i],
			GameSubType: subTypes[i],
			Timestamp:   big.NewInt(int64(c.calls)),
		}
		c.order = append(c.order, key)
		receipt.RequestIDs = append(receipt.RequestIDs, id)
	}
	return receipt, nil
}

// GetRequest implements oracle.Chain.
func (c *MockChain) GetRequest(_ context.Context, requestID *big.Int) (*chain.RequestInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.requests[requestID.String()]
	if !ok {
		return nil, fmt.Errorf("execution reverted: unknown request %s", requestID)
	}
	cp := *info
	cp.RandomWords = append([]*big.Int(nil), info.RandomWords...)
	return &cp, nil
}

// ContractInfo implements oracle.Chain.
func (c *MockChain) ContractInfo(context.Context) (*chain.ContractInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fulfilled := 0
	for _, info := range c.requests {
		if info.Fulfilled {
			fulfilled++
		}
	}
	return &chain.ContractInfo{
		ContractAddress: common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		TreasuryAddress: c.signer,
		SubscriptionID:  1,
		TotalRequests:   big.NewInt(int64(len(c.requests))),
		TotalFulfilled:  big.NewInt(int64(fulfilled)),
	}, nil
}

// BlockNumber implements oracle.Chain.
func (c *MockChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blockErr != nil {
		return 0, c.blockErr
	}
	return uint64(100 + c.calls), nil
}
