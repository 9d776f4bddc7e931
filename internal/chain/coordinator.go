package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// =============================================================================
// Coordinator ABI
// =============================================================================

// CoordinatorABI is the subset of the casino VRF coordinator used by the pool.
const CoordinatorABI = `[
  {"type":"function","name":"requestRandomWordsBatch","stateMutability":"nonpayable",
   "inputs":[{"name":"gameTypes","type":"uint8[]"},{"name":"gameSubTypes","type":"string[]"}],
   "outputs":[{"name":"requestIds","type":"uint256[]"}]},
  {"type":"function","name":"getRequest","stateMutability":"view",
   "inputs":[{"name":"requestId","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple","components":[
     {"name":"requester","type":"address"},
     {"name":"gameType","type":"uint8"},
     {"name":"gameSubType","type":"string"},
     {"name":"fulfilled","type":"bool"},
     {"name":"randomWords","type":"uint256[]"},
     {"name":"timestamp","type":"uint256"}]}]},
  {"type":"function","name":"getContractInfo","stateMutability":"view","inputs":[],
   "outputs":[
     {"name":"contractAddress","type":"address"},
     {"name":"treasuryAddress","type":"address"},
     {"name":"subscriptionId","type":"uint64"},
     {"name":"totalRequests","type":"uint256"},
     {"name":"totalFulfilled","type":"uint256"}]},
  {"type":"event","name":"VRFRequested","anonymous":false,"inputs":[
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"gameType","type":"uint8","indexed":false},
     {"name":"gameSubType","type":"string","indexed":false},
     {"name":"requester","type":"address","indexed":false}]},
  {"type":"event","name":"VRFFulfilled","anonymous":false,"inputs":[
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"randomWords","type":"uint256[]","indexed":false}]}
]`

const (
	methodRequestBatch = "requestRandomWordsBatch"
	methodGetRequest   = "getRequest"
	methodContractInfo = "getContractInfo"
	eventRequested     = "VRFRequested"
	eventFulfilled     = "VRFFulfilled"
)

var coordinatorABI = mustParseABI(CoordinatorABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse coordinator abi: %v", err))
	}
	return parsed
}

// RequestedTopic is topic0 of VRFRequested.
func RequestedTopic() common.Hash {
	return coordinatorABI.Events[eventRequested].ID
}

// FulfilledTopic is topic0 of VRFFulfilled.
func FulfilledTopic() common.Hash {
	return coordinatorABI.Events[eventFulfilled].ID
}

// ParseRequestedIDs extracts request ids from the VRFRequested logs emitted by
// contract, in log order.
func ParseRequestedIDs(logs []*types.Log, contract common.Address) ([]*big.Int, error) {
	topic := RequestedTopic()
	var ids []*big.Int
	for _, lg := range logs {
		if lg == nil || lg.Address != contract || len(lg.Topics) == 0 || lg.Topics[0] != topic {
			continue
		}
		if len(lg.Topics) < 2 {
			return nil, fmt.Errorf("VRFRequested log %d has no indexed request id", lg.Index)
		}
		ids = append(ids, new(big.Int).SetBytes(lg.Topics[1].Bytes()))
	}
	return ids, nil
}

// Fulfillment is a decoded VRFFulfilled event.
type Fulfillment struct {
	RequestID   *big.Int
	RandomWords []*big.Int
	TxHash      common.Hash
	BlockNumber uint64
}

// ParseFulfilled decodes a VRFFulfilled log.
func ParseFulfilled(lg types.Log) (*Fulfillment, error) {
	if len(lg.Topics) < 2 || lg.Topics[0] != FulfilledTopic() {
		return nil, fmt.Errorf("not a VRFFulfilled log")
	}
	var body struct {
		RandomWords []*big.Int
	}
	if err := coordinatorABI.UnpackIntoInterface(&body, eventFulfilled, lg.Data); err != nil {
		return nil, fmt.Errorf("unpack VRFFulfilled: %w", err)
	}
	return &Fulfillment{
		RequestID:   new(big.Int).SetBytes(lg.Topics[1].Bytes()),
		RandomWords: body.RandomWords,
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
	}, nil
}

// RequestInfo is the on-chain view of one request.
type RequestInfo struct {
	Requester   common.Address
	GameType    uint8
	GameSubType string
	Fulfilled   bool
	RandomWords []*big.Int
	Timestamp   *big.Int
}

// ContractInfo is the result of getContractInfo.
type ContractInfo struct {
	ContractAddress common.Address `json:"contractAddress"`
	TreasuryAddress common.Address `json:"treasuryAddress"`
	SubscriptionID  uint64         `json:"subscriptionId"`
	TotalRequests   *big.Int       `json:"totalRequests"`
	TotalFulfilled  *big.Int       `json:"totalFulfilled"`
}

// BatchReceipt describes a mined batch request.
type BatchReceipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64
	GasUsed     uint64
	RequestIDs  []*big.Int
}

// Succeeded reports whether the transaction executed without reverting.
func (r *BatchReceipt) Succeeded() bool {
	return r.Status == types.ReceiptStatusSuccessful
}
