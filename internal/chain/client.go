package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Config holds the coordinator client configuration.
type Config struct {
	RPCURL           string
	ContractAddress  string
	PrivateKeyHex    string
	ChainID          int64
	GasLimit         uint64 // 0 means estimate
	GasBufferPercent uint64
	MineTimeout      time.Duration
	Logger           *logrus.Entry
}

// Client talks to the VRF coordinator contract through a JSON-RPC endpoint.
type Client struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
	signer   common.Address
	chainID  *big.Int
	cfg      Config
	log      *logrus.Entry
}

// Dial connects to the RPC endpoint and binds the coordinator.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid coordinator address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	if cfg.GasBufferPercent == 0 {
		cfg.GasBufferPercent = 20
	}
	if cfg.MineTimeout <= 0 {
		cfg.MineTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = eth.ChainID(ctx); err != nil {
			eth.Close()
			return nil, fmt.Errorf("read chain id: %w", err)
		}
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &Client{
		eth:      eth,
		contract: bind.NewBoundContract(address, coordinatorABI, eth, eth, eth),
		address:  address,
		key:      key,
		signer:   crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		cfg:      cfg,
		log:      cfg.Logger.WithField("contract", address.Hex()),
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Signer returns the address that pays for requests.
func (c *Client) Signer() common.Address { return c.signer }

// Contract returns the coordinator address.
func (c *Client) Contract() common.Address { return c.address }

// Balance returns the signer's balance in wei.
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, c.signer, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", c.signer.Hex(), err)
	}
	return bal, nil
}

// RequestBatch submits requestRandomWordsBatch and waits for it to be mined.
// The returned receipt carries the request ids in log order.
func (c *Client) RequestBatch(ctx context.Context, gameTypes []uint8, subTypes []string) (*BatchReceipt, error) {
	if len(gameTypes) != len(subTypes) {
		return nil, fmt.Errorf("game types and subtypes differ in length: %d vs %d", len(gameTypes), len(subTypes))
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	gas, err := c.gasLimit(ctx, gameTypes, subTypes)
	if err != nil {
		return nil, err
	}
	opts.GasLimit = gas

	tx, err := c.contract.Transact(opts, methodRequestBatch, gameTypes, subTypes)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", methodRequestBatch, err)
	}
	c.log.WithFields(logrus.Fields{
		"tx_hash": tx.Hash().Hex(),
		"items":   len(gameTypes),
		"gas":     gas,
	}).Info("VRF batch submitted")

	mineCtx, cancel := context.WithTimeout(ctx, c.cfg.MineTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(mineCtx, c.eth, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}

	out := &BatchReceipt{
		TxHash:  receipt.TxHash,
		Status:  receipt.Status,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if !out.Succeeded() {
		return out, nil
	}
	ids, err := ParseRequestedIDs(receipt.Logs, c.address)
	if err != nil {
		return out, err
	}
	out.RequestIDs = ids
	return out, nil
}

func (c *Client) gasLimit(ctx context.Context, gameTypes []uint8, subTypes []string) (uint64, error) {
	if c.cfg.GasLimit > 0 {
		return c.cfg.GasLimit, nil
	}
	data, err := coordinatorABI.Pack(methodRequestBatch, gameTypes, subTypes)
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", methodRequestBatch, err)
	}
	est, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.signer, To: &c.address, Data: data})
	if err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	return WithBuffer(est, c.cfg.GasBufferPercent), nil
}

// WithBuffer adds percent on top of a gas estimate.
func WithBuffer(estimate, percent uint64) uint64 {
	return estimate + estimate*percent/100
}

// GetRequest reads one request from the coordinator.
func (c *Client) GetRequest(ctx context.Context, requestID *big.Int) (*RequestInfo, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodGetRequest, requestID); err != nil {
		return nil, fmt.Errorf("call %s(%s): %w", methodGetRequest, requestID, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", methodGetRequest, len(out))
	}
	info := abi.ConvertType(out[0], new(RequestInfo)).(*RequestInfo)
	return info, nil
}

// ContractInfo reads the coordinator's summary.
func (c *Client) ContractInfo(ctx context.Context) (*ContractInfo, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodContractInfo); err != nil {
		return nil, fmt.Errorf("call %s: %w", methodContractInfo, err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("%s returned %d values", methodContractInfo, len(out))
	}
	return &ContractInfo{
		ContractAddress: *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		TreasuryAddress: *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		SubscriptionID:  *abi.ConvertType(out[2], new(uint64)).(*uint64),
		TotalRequests:   abi.ConvertType(out[3], new(big.Int)).(*big.Int),
		TotalFulfilled:  abi.ConvertType(out[4], new(big.Int)).(*big.Int),
	}, nil
}

// BlockNumber returns the latest block height; used as a liveness check.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}
