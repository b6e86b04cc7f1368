package reduce

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"registryScope/internal/model"
	"registryScope/internal/registry"
	"registryScope/internal/storage"
	"registryScope/internal/storage/storagetest"
)

const wfHash = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

func apply(t *testing.T, store *storagetest.Store, in Input) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		return Apply(context.Background(), tx, in)
	})
	require.NoError(t, err)
}

func input(chainID string, ev *registry.Event) Input {
	return Input{
		ChainID:   chainID,
		Event:     ev,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func createdEvent(hash string, block uint64) *registry.Event {
	return &registry.Event{
		Kind:        model.EventCreated,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xabc"),
		IpfsHash:    hash,
	}
}

func runEvent(hash string, block uint64) *registry.Event {
	return &registry.Event{
		Kind:        model.EventRun,
		BlockNumber: block,
		IpfsHash:    hash,
	}
}

func runWithNonce(hash string, nonce uint64) *registry.Event {
	return &registry.Event{
		Kind:     model.EventRunWithMetadata,
		IpfsHash: hash,
		JobID:    "7",
		Nonce:    nonce,
	}
}

func TestCreatedFirstEventWins(t *testing.T) {
	store := storagetest.New()

	apply(t, store, input("11155111", createdEvent(wfHash, 100)))
	apply(t, store, input("421614", createdEvent(wfHash, 120)))

	require.Len(t, store.Logs, 2)
	require.Len(t, store.Workflows, 1)

	wf := store.Workflows[wfHash]
	require.Equal(t, int64(1), wf.CreateEventID, "workflow must keep the first Created log")
	require.False(t, wf.IsCancelled)
	require.False(t, wf.HasMeta)
}

func TestRunBeforeCreatedOnlyLogs(t *testing.T) {
	store := storagetest.New()

	apply(t, store, input("11155111", runEvent(wfHash, 90)))

	require.Len(t, store.Logs, 1)
	require.Empty(t, store.Workflows)
}

func TestRunsTrackPerChainMaximum(t *testing.T) {
	store := storagetest.New()
	apply(t, store, input("11155111", createdEvent(wfHash, 100)))

	apply(t, store, input("11155111", runEvent(wfHash, 101)))
	apply(t, store, input("11155111", runEvent(wfHash, 102)))
	apply(t, store, input("421614", runEvent(wfHash, 103)))

	wf := store.Workflows[wfHash]
	require.Equal(t, int64(2), wf.ChainsRuns["11155111"])
	require.Equal(t, int64(1), wf.ChainsRuns["421614"])
	require.Equal(t, int64(2), wf.Runs, "runs is the maximum over per-chain counters")
}

func TestLegacyFlatCounterKeepsIncrementing(t *testing.T) {
	store := storagetest.New()
	apply(t, store, input("11155111", createdEvent(wfHash, 100)))
	store.Workflows[wfHash].Runs = 5
	store.Workflows[wfHash].ChainsRuns = map[string]int64{}

	apply(t, store, input("11155111", runEvent(wfHash, 101)))

	wf := store.Workflows[wfHash]
	require.Equal(t, int64(6), wf.Runs)
	require.Empty(t, wf.ChainsRuns, "pre-migration rows never grow per-chain counters")
}

func TestNonceDeduplicatedAcrossChains(t *testing.T) {
	store := storagetest.New()
	apply(t, store, input("11155111", createdEvent(wfHash, 100)))

	apply(t, store, input("11155111", runWithNonce(wfHash, 42)))
	apply(t, store, input("421614", runWithNonce(wfHash, 42)))

	require.Len(t, store.Logs, 3, "deduplicated run still produces a log entry")

	wf := store.Workflows[wfHash]
	require.Equal(t, int64(1), wf.Runs)
	require.Equal(t, int64(1), wf.ChainsRuns["11155111"])
	require.Zero(t, wf.ChainsRuns["421614"])
}

func TestFreshNoncesCount(t *testing.T) {
	store := storagetest.New()
	apply(t, store, input("11155111", createdEvent(wfHash, 100)))

	apply(t, store, input("11155111", runWithNonce(wfHash, 1)))
	apply(t, store, input("11155111", runWithNonce(wfHash, 2)))

	require.Equal(t, int64(2), store.Workflows[wfHash].Runs)
}

func TestExecutionBudgetCancels(t *testing.T) {
	store := storagetest.New()
	apply(t, store, input("11155111", createdEvent(wfHash, 100)))
	store.Workflows[wfHash].Meta = map[string]any{
		"workflow": map[string]any{"count": int64(2)},
	}

	apply(t, store, input("11155111", runEvent(wfHash, 101)))
	require.False(t, store.Workflows[wfHash].IsCancelled)

	apply(t, store, input("11155111", runEvent(wfHash, 102)))
	require.True(t, store.Workflows[wfHash].IsCancelled)
}

func TestCancelledIsMonotonic(t *testing.T) {
	store := storagetest.New()
	apply(t, store, input("11155111", createdEvent(wfHash, 100)))

	cancel := &registry.Event{Kind: model.EventCancelled, IpfsHash: wfHash, BlockNumber: 110}
	apply(t, store, input("11155111", cancel))

	wf := store.Workflows[wfHash]
	require.True(t, wf.IsCancelled)
	require.NotNil(t, wf.CancelEventID)
	first := *wf.CancelEventID

	apply(t, store, input("421614", cancel))
	wf = store.Workflows[wfHash]
	require.True(t, wf.IsCancelled)
	require.Equal(t, first, *wf.CancelEventID, "repeat cancellation must not rebind the cancel event")
	require.Len(t, store.Logs, 3)
}

func TestCancelledWorkflowStillCountsRuns(t *testing.T) {
	store := storagetest.New()
	apply(t, store, input("11155111", createdEvent(wfHash, 100)))
	apply(t, store, input("11155111", &registry.Event{Kind: model.EventCancelled, IpfsHash: wfHash}))

	apply(t, store, input("11155111", runEvent(wfHash, 120)))

	wf := store.Workflows[wfHash]
	require.True(t, wf.IsCancelled)
	require.Equal(t, int64(1), wf.Runs)
}

func TestMidBatchFailureLeavesNoPartialState(t *testing.T) {
	store := storagetest.New()

	batchErr := fmt.Errorf("second event unusable")
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		if err := Apply(context.Background(), tx, input("11155111", createdEvent(wfHash, 100))); err != nil {
			return err
		}
		return batchErr
	})
	require.ErrorIs(t, err, batchErr)

	// The transaction scope rolled back: nothing from the batch is visible.
	require.Empty(t, store.Logs)
	require.Empty(t, store.Workflows)
}

func TestWasmCreatedFirstEventWins(t *testing.T) {
	store := storagetest.New()
	id := common.HexToHash("0x07").Hex()

	ev := &registry.Event{
		Kind:     model.EventWasmCreated,
		WasmID:   id,
		IpfsHash: wfHash,
		Owner:    "0x2222222222222222222222222222222222222222",
	}
	apply(t, store, input("11155111", ev))
	apply(t, store, input("11155111", ev))

	require.Len(t, store.Logs, 2)
	require.Len(t, store.Wasm, 1)
	require.Equal(t, int64(1), store.Wasm[id].CreateEventID)
}

func TestWasmUpdatedRotatesHashAndResetsCode(t *testing.T) {
	store := storagetest.New()
	id := common.HexToHash("0x07").Hex()

	apply(t, store, input("11155111", &registry.Event{
		Kind:     model.EventWasmCreated,
		WasmID:   id,
		IpfsHash: wfHash,
		Owner:    "0x2222222222222222222222222222222222222222",
	}))
	store.Wasm[id].HasWasm = true
	store.Wasm[id].WasmCode = []byte{0x00, 0x61, 0x73, 0x6d}
	store.Wasm[id].WasmCodeSize = 4

	newHash := "QmbWqxBEKC3P8tqsKc98xmWNzrzDtRLMiMPL8wBuTGsMnR"
	apply(t, store, input("11155111", &registry.Event{
		Kind:        model.EventWasmUpdated,
		WasmID:      id,
		OldIpfsHash: wfHash,
		NewIpfsHash: newHash,
	}))

	m := store.Wasm[id]
	require.Equal(t, newHash, m.IpfsHash)
	require.False(t, m.HasWasm)
	require.Nil(t, m.WasmCode)
	require.Zero(t, m.WasmCodeSize)
	require.Len(t, m.UpdateHistory, 1)
	require.Equal(t, wfHash, m.UpdateHistory[0].OldIpfsHash)
	require.Equal(t, newHash, m.UpdateHistory[0].NewIpfsHash)
}

func TestWasmUpdatedForUnknownModuleOnlyLogs(t *testing.T) {
	store := storagetest.New()

	apply(t, store, input("11155111", &registry.Event{
		Kind:        model.EventWasmUpdated,
		WasmID:      common.HexToHash("0x09").Hex(),
		OldIpfsHash: wfHash,
		NewIpfsHash: wfHash,
	}))

	require.Len(t, store.Logs, 1)
	require.Empty(t, store.Wasm)
}
