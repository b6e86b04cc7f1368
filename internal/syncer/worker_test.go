package syncer

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"registryScope/internal/registry"
	"registryScope/internal/storage/storagetest"
)

const (
	testChainID = "11155111"
	testCID     = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
)

var (
	registryAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	wasmAddr     = common.HexToAddress("0x3333333333333333333333333333333333333333")
	senderAddr   = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type fakeClient struct {
	head uint64
	logs []types.Log

	// filterFailures makes the first N FilterLogs calls fail.
	filterFailures int
	filterCalls    int
}

func (c *fakeClient) LatestBlockNumber(context.Context) (uint64, error) {
	return c.head, nil
}

func (c *fakeClient) BlockTimestamp(_ context.Context, number uint64) (time.Time, error) {
	return time.Unix(int64(number)*12, 0).UTC(), nil
}

func (c *fakeClient) FilterLogs(_ context.Context, fromBlock, toBlock uint64, address common.Address) ([]types.Log, error) {
	c.filterCalls++
	if c.filterCalls <= c.filterFailures {
		return nil, fmt.Errorf("rpc unavailable")
	}
	var out []types.Log
	for _, l := range c.logs {
		if l.Address == address && l.BlockNumber >= fromBlock && l.BlockNumber <= toBlock {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *fakeClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{GasUsed: 21000, EffectiveGasPrice: big.NewInt(5)}, nil
}

func (c *fakeClient) TransactionSender(context.Context, common.Hash, common.Hash, uint) (common.Address, error) {
	return senderAddr, nil
}

func workflowLog(t *testing.T, name string, block uint64, args ...interface{}) types.Log {
	t.Helper()
	contractABI, err := registry.WorkflowRegistryABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	event := contractABI.Events[name]
	data, err := event.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return types.Log{
		Address:     registryAddr,
		Topics:      []common.Hash{event.ID},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
	}
}

func wasmCreatedLog(t *testing.T, block uint64) types.Log {
	t.Helper()
	contractABI, err := registry.WasmRegistryABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	event := contractABI.Events["WasmCreated"]
	data, err := event.Inputs.NonIndexed().Pack(testCID)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	var id [32]byte
	id[31] = 9
	return types.Log{
		Address: wasmAddr,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(id[:]),
			common.BytesToHash(common.LeftPadBytes(senderAddr.Bytes(), 32)),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
	}
}

func newTestWorker(t *testing.T, cfg Config, client ChainClient, store *storagetest.Store) *Worker {
	t.Helper()
	w, err := NewWorker(cfg, client, store, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	w.SetBackoff(FixedBackoff{})
	return w
}

func baseConfig() Config {
	return Config{
		ChainID:           testChainID,
		RegistryAddress:   registryAddr,
		BatchSize:         2000,
		ConfirmationDelay: 5,
		PollInterval:      time.Second,
		RetryDelay:        time.Second,
		SyncThreshold:     50,
	}
}

func TestTickProcessesBatch(t *testing.T) {
	store := storagetest.New()
	require.NoError(t, store.EnsureChain(context.Background(), testChainID, 99, false))

	client := &fakeClient{
		head: 110,
		logs: []types.Log{
			workflowLog(t, "Created", 100, testCID),
			workflowLog(t, "Run", 105, testCID),
			// Unrelated event on the registry address must be skipped.
			{
				Address:     registryAddr,
				Topics:      []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))},
				BlockNumber: 102,
			},
		},
	}
	w := newTestWorker(t, baseConfig(), client, store)

	require.NoError(t, w.Tick(context.Background()))

	require.Len(t, store.Logs, 2)
	wf := store.Workflows[testCID]
	require.NotNil(t, wf)
	require.Equal(t, int64(1), wf.Runs)
	require.False(t, wf.IsCancelled)

	// Run events carry the receipt excerpt, Created does not.
	require.Nil(t, store.Logs[0].TxReceipt)
	require.NotNil(t, store.Logs[1].TxReceipt)
	require.Equal(t, uint64(21000), store.Logs[1].TxReceipt.GasUsed)
	require.Equal(t, "5", store.Logs[1].TxReceipt.GasPrice)
	require.Equal(t, senderAddr.Hex(), store.Logs[1].TxReceipt.From)

	// Cursor sits at the safe block: head minus the confirmation delay.
	chainDoc, err := store.GetChain(context.Background(), testChainID)
	require.NoError(t, err)
	require.Equal(t, uint64(105), chainDoc.LastProcessedBlock)
	require.True(t, chainDoc.IsSynced)
}

func TestTickIsIdempotentOnceCaughtUp(t *testing.T) {
	store := storagetest.New()
	require.NoError(t, store.EnsureChain(context.Background(), testChainID, 99, false))

	client := &fakeClient{head: 110, logs: []types.Log{workflowLog(t, "Created", 100, testCID)}}
	w := newTestWorker(t, baseConfig(), client, store)

	require.NoError(t, w.Tick(context.Background()))
	require.NoError(t, w.Tick(context.Background()))

	require.Len(t, store.Logs, 1, "caught-up ticks must not replay processed blocks")
	chainDoc, err := store.GetChain(context.Background(), testChainID)
	require.NoError(t, err)
	require.Equal(t, uint64(105), chainDoc.LastProcessedBlock)
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	store := storagetest.New()
	require.NoError(t, store.EnsureChain(context.Background(), testChainID, 99, false))

	client := &fakeClient{head: 110}
	w := newTestWorker(t, baseConfig(), client, store)
	require.NoError(t, w.Tick(context.Background()))

	// A node answering with a stale head after restart must not rewind the
	// persisted cursor.
	client.head = 60
	require.NoError(t, w.Tick(context.Background()))

	chainDoc, err := store.GetChain(context.Background(), testChainID)
	require.NoError(t, err)
	require.Equal(t, uint64(105), chainDoc.LastProcessedBlock)
}

func TestBatchRetriesUntilSuccess(t *testing.T) {
	store := storagetest.New()
	require.NoError(t, store.EnsureChain(context.Background(), testChainID, 99, false))

	client := &fakeClient{
		head:           110,
		logs:           []types.Log{workflowLog(t, "Created", 100, testCID)},
		filterFailures: 3,
	}
	w := newTestWorker(t, baseConfig(), client, store)

	require.NoError(t, w.Tick(context.Background()))

	require.Equal(t, 4, client.filterCalls)
	require.NotNil(t, store.Workflows[testCID])
}

func TestFailedBatchRollsBackBeforeRetry(t *testing.T) {
	store := storagetest.New()
	require.NoError(t, store.EnsureChain(context.Background(), testChainID, 99, false))

	// The second log insert of the first transaction fails, so the Created
	// already applied in that scope must roll back with it.
	store.InsertLogEventHook = func(call int) error {
		if call == 2 {
			return fmt.Errorf("storage hiccup")
		}
		return nil
	}

	client := &fakeClient{
		head: 110,
		logs: []types.Log{
			workflowLog(t, "Created", 100, testCID),
			workflowLog(t, "Run", 105, testCID),
		},
	}
	w := newTestWorker(t, baseConfig(), client, store)

	require.NoError(t, w.Tick(context.Background()))

	// The retried batch committed exactly once: no duplicated log entries,
	// no double-counted runs.
	require.Len(t, store.Logs, 2)
	require.Len(t, store.Workflows, 1)
	require.Equal(t, int64(1), store.Workflows[testCID].Runs)

	chainDoc, err := store.GetChain(context.Background(), testChainID)
	require.NoError(t, err)
	require.Equal(t, uint64(105), chainDoc.LastProcessedBlock)
}

func TestHeadBelowConfirmationDelay(t *testing.T) {
	store := storagetest.New()
	require.NoError(t, store.EnsureChain(context.Background(), testChainID, 0, false))

	cfg := baseConfig()
	cfg.ConfirmationDelay = 100
	client := &fakeClient{head: 40}
	w := newTestWorker(t, cfg, client, store)

	require.NoError(t, w.Tick(context.Background()))
	require.Zero(t, client.filterCalls)

	// No safe blocks to process, but the cursor is within the threshold of
	// the head, so the young chain still reports as synced.
	chainDoc, err := store.GetChain(context.Background(), testChainID)
	require.NoError(t, err)
	require.True(t, chainDoc.IsSynced)
}

func TestSyncStatusTracksLag(t *testing.T) {
	store := storagetest.New()
	require.NoError(t, store.EnsureChain(context.Background(), testChainID, 99, false))

	cfg := baseConfig()
	cfg.SyncThreshold = 5
	client := &fakeClient{head: 110}
	w := newTestWorker(t, cfg, client, store)

	// Lag after this tick equals the confirmation delay, which matches the
	// threshold, so the chain stays out of sync.
	require.NoError(t, w.Tick(context.Background()))
	chainDoc, err := store.GetChain(context.Background(), testChainID)
	require.NoError(t, err)
	require.False(t, chainDoc.IsSynced)

	cfg.ConfirmationDelay = 0
	w = newTestWorker(t, cfg, client, store)
	require.NoError(t, w.Tick(context.Background()))
	chainDoc, err = store.GetChain(context.Background(), testChainID)
	require.NoError(t, err)
	require.True(t, chainDoc.IsSynced)
}

func TestWasmRegistrySyncedIndependently(t *testing.T) {
	store := storagetest.New()
	require.NoError(t, store.EnsureChain(context.Background(), testChainID, 99, true))

	cfg := baseConfig()
	addr := wasmAddr
	cfg.WasmRegistryAddress = &addr
	client := &fakeClient{
		head: 110,
		logs: []types.Log{
			workflowLog(t, "Created", 100, testCID),
			wasmCreatedLog(t, 103),
		},
	}
	w := newTestWorker(t, cfg, client, store)

	require.NoError(t, w.Tick(context.Background()))

	require.Len(t, store.Wasm, 1)
	for _, m := range store.Wasm {
		require.Equal(t, testCID, m.IpfsHash)
		require.Equal(t, senderAddr.Hex(), m.Owner)
		require.False(t, m.HasWasm)
	}

	chainDoc, err := store.GetChain(context.Background(), testChainID)
	require.NoError(t, err)
	require.Equal(t, uint64(105), chainDoc.LastProcessedBlock)
	require.NotNil(t, chainDoc.WasmLastProcessedBlock)
	require.Equal(t, uint64(105), *chainDoc.WasmLastProcessedBlock)
}
