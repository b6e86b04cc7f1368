package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// tsCacheLimit bounds the timestamp cache; hitting it drops the cache whole,
// which is fine since lookups cluster inside the current batch.
const tsCacheLimit = 4096

// Client wraps go-ethereum RPC and provides helper methods.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	mu      sync.RWMutex
	tsCache map[uint64]time.Time
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		tsCache:   make(map[uint64]time.Time),
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// BlockTimestamp returns the block timestamp, using an in-memory cache to
// avoid redundant header fetches within a batch.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	c.mu.RLock()
	ts, ok := c.tsCache[number]
	c.mu.RUnlock()
	if ok {
		return ts, nil
	}

	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, err
	}

	ts = time.Unix(int64(header.Time), 0).UTC()
	c.cacheTimestamp(number, ts)

	return ts, nil
}

func (c *Client) cacheTimestamp(number uint64, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tsCache) >= tsCacheLimit {
		c.tsCache = make(map[uint64]time.Time, tsCacheLimit)
	}
	c.tsCache[number] = ts
}

// FilterLogs returns logs emitted by the given address in an inclusive block
// range.
func (c *Client) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, address common.Address) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{address},
	}
	return c.ethClient.FilterLogs(ctx, query)
}

// TransactionReceipt returns the receipt for a transaction hash.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.ethClient.TransactionReceipt(ctx, txHash)
}

// TransactionSender resolves the sender of the transaction at the given
// position without re-deriving the signature locally.
func (c *Client) TransactionSender(ctx context.Context, txHash, blockHash common.Hash, txIndex uint) (common.Address, error) {
	tx, _, err := c.ethClient.TransactionByHash(ctx, txHash)
	if err != nil {
		return common.Address{}, err
	}
	return c.ethClient.TransactionSender(ctx, tx, blockHash, txIndex)
}
