// Package syncer runs one long-lived synchronization loop per configured
// chain, folding registry events into the store batch by batch.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"registryScope/internal/model"
	"registryScope/internal/reduce"
	"registryScope/internal/registry"
	"registryScope/internal/storage"
)

// ChainClient is the node RPC surface the worker consumes.
type ChainClient interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (time.Time, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, address common.Address) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionSender(ctx context.Context, txHash, blockHash common.Hash, txIndex uint) (common.Address, error)
}

// Config holds runtime settings for one chain worker.
type Config struct {
	ChainID             string
	RegistryAddress     common.Address
	WasmRegistryAddress *common.Address
	BatchSize           uint64
	ConfirmationDelay   uint64
	PollInterval        time.Duration
	RetryDelay          time.Duration
	SyncThreshold       uint64
}

// registryTarget binds one on-chain registry to its decoder and cursor.
type registryTarget struct {
	name    string
	address common.Address
	decoder *registry.Decoder
	cursor  func(*model.Chain) uint64
	advance func(ctx context.Context, tx storage.Tx, chainID string, block uint64) error
}

// Worker synchronizes one chain's registries with the store.
type Worker struct {
	cfg     Config
	chain   ChainClient
	store   storage.Store
	logger  *zap.Logger
	retry   Backoff
	targets []registryTarget
}

// NewWorker builds a worker and its per-registry decoders.
func NewWorker(cfg Config, chainClient ChainClient, store storage.Store, logger *zap.Logger) (*Worker, error) {
	if cfg.BatchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("chain_id", cfg.ChainID))

	mainDecoder, err := registry.NewWorkflowDecoder()
	if err != nil {
		return nil, err
	}
	targets := []registryTarget{{
		name:    "registry",
		address: cfg.RegistryAddress,
		decoder: mainDecoder,
		cursor:  func(c *model.Chain) uint64 { return c.LastProcessedBlock },
		advance: func(ctx context.Context, tx storage.Tx, chainID string, block uint64) error {
			return tx.UpdateLastProcessed(ctx, chainID, block)
		},
	}}

	if cfg.WasmRegistryAddress != nil {
		wasmDecoder, err := registry.NewWasmDecoder()
		if err != nil {
			return nil, err
		}
		targets = append(targets, registryTarget{
			name:    "wasm_registry",
			address: *cfg.WasmRegistryAddress,
			decoder: wasmDecoder,
			cursor: func(c *model.Chain) uint64 {
				if c.WasmLastProcessedBlock == nil {
					return 0
				}
				return *c.WasmLastProcessedBlock
			},
			advance: func(ctx context.Context, tx storage.Tx, chainID string, block uint64) error {
				return tx.UpdateWasmLastProcessed(ctx, chainID, block)
			},
		})
	}

	return &Worker{
		cfg:     cfg,
		chain:   chainClient,
		store:   store,
		logger:  logger,
		retry:   FixedBackoff{Interval: cfg.RetryDelay},
		targets: targets,
	}, nil
}

// SetBackoff overrides the batch retry policy.
func (w *Worker) SetBackoff(b Backoff) { w.retry = b }

// Run executes the synchronization loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("chain worker started")
	for {
		if err := w.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("sync iteration failed", zap.Error(err))
		}
		if err := Wait(ctx, w.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// Tick runs a single synchronization iteration: reload cursors, process every
// registry up to the safe block, then recompute the sync flag.
func (w *Worker) Tick(ctx context.Context) error {
	// Reload persisted cursors; in-memory state may be stale after restart
	// or external mutation.
	chainDoc, err := w.store.GetChain(ctx, w.cfg.ChainID)
	if err != nil {
		return fmt.Errorf("load chain state: %w", err)
	}

	head, err := w.chain.LatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get chain head: %w", err)
	}

	cursors := make([]uint64, len(w.targets))
	for i, target := range w.targets {
		cursors[i] = target.cursor(chainDoc)
	}

	// A chain younger than the confirmation delay has no safe blocks yet;
	// the sync flag is still recomputed below.
	if head >= w.cfg.ConfirmationDelay {
		safe := head - w.cfg.ConfirmationDelay
		for i, target := range w.targets {
			cursor, err := w.syncTarget(ctx, target, cursors[i], safe)
			if err != nil {
				return err
			}
			cursors[i] = cursor
		}
	}

	// The chain is synced iff every configured registry is within the
	// threshold of the head.
	synced := true
	for _, cursor := range cursors {
		// A cursor at or past a stale head means zero lag.
		if cursor < head && head-cursor >= w.cfg.SyncThreshold {
			synced = false
			break
		}
	}
	if synced != chainDoc.IsSynced {
		if err := w.store.UpdateSyncStatus(ctx, w.cfg.ChainID, synced); err != nil {
			return fmt.Errorf("update sync flag: %w", err)
		}
		w.logger.Info("sync status changed", zap.Bool("is_synced", synced))
	}
	return nil
}

// syncTarget walks the unprocessed range in fixed-size batches. A failing
// batch is retried indefinitely with a fixed delay; batches are never skipped.
func (w *Worker) syncTarget(ctx context.Context, target registryTarget, cursor, safe uint64) (uint64, error) {
	if safe < cursor+1 {
		return cursor, nil
	}

	ranges, err := SplitRange(cursor+1, safe, w.cfg.BatchSize)
	if err != nil {
		return cursor, err
	}

	for _, blockRange := range ranges {
		for attempt := 0; ; attempt++ {
			err := w.processBatch(ctx, target, blockRange)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return cursor, ctx.Err()
			}
			w.logger.Error("batch failed, retrying",
				zap.String("registry", target.name),
				zap.Uint64("from", blockRange.From),
				zap.Uint64("to", blockRange.To),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			if err := Wait(ctx, w.retry.Delay(attempt)); err != nil {
				return cursor, err
			}
		}
		cursor = blockRange.To
	}
	return cursor, nil
}

// processBatch fetches, decodes and commits one block range. All reducer
// effects and the cursor advance share a single transaction; any failure
// rolls the whole batch back.
func (w *Worker) processBatch(ctx context.Context, target registryTarget, blockRange BlockRange) error {
	w.logger.Info("fetch logs",
		zap.String("registry", target.name),
		zap.Uint64("from", blockRange.From),
		zap.Uint64("to", blockRange.To),
	)

	rawLogs, err := w.chain.FilterLogs(ctx, blockRange.From, blockRange.To, target.address)
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	inputs := make([]reduce.Input, 0, len(rawLogs))
	for _, raw := range rawLogs {
		if len(raw.Topics) == 0 {
			continue
		}
		if _, ok := target.decoder.Lookup(raw.Topics[0]); !ok {
			// Not a recognized registry event.
			continue
		}

		event, err := target.decoder.Decode(raw)
		if err != nil {
			return fmt.Errorf("decode log %s: %w", raw.TxHash.Hex(), err)
		}

		ts, err := w.chain.BlockTimestamp(ctx, raw.BlockNumber)
		if err != nil {
			return fmt.Errorf("block timestamp %d: %w", raw.BlockNumber, err)
		}

		input := reduce.Input{ChainID: w.cfg.ChainID, Event: event, Timestamp: ts}
		if event.IsRunKind() {
			if input.Receipt, err = w.fetchReceipt(ctx, raw); err != nil {
				return fmt.Errorf("transaction receipt %s: %w", raw.TxHash.Hex(), err)
			}
		}
		inputs = append(inputs, input)
	}

	err = w.store.WithTx(ctx, func(tx storage.Tx) error {
		for _, input := range inputs {
			if err := reduce.Apply(ctx, tx, input); err != nil {
				return fmt.Errorf("apply %s: %w", input.Event.Kind, err)
			}
		}
		return target.advance(ctx, tx, w.cfg.ChainID, blockRange.To)
	})
	if err != nil {
		return err
	}

	w.logger.Info("batch complete",
		zap.String("registry", target.name),
		zap.Int("events", len(inputs)),
		zap.Uint64("cursor", blockRange.To),
	)
	return nil
}

func (w *Worker) fetchReceipt(ctx context.Context, raw types.Log) (*model.ReceiptExcerpt, error) {
	receipt, err := w.chain.TransactionReceipt(ctx, raw.TxHash)
	if err != nil {
		return nil, err
	}

	excerpt := &model.ReceiptExcerpt{GasUsed: receipt.GasUsed}
	if receipt.EffectiveGasPrice != nil {
		excerpt.GasPrice = receipt.EffectiveGasPrice.String()
	}
	sender, err := w.chain.TransactionSender(ctx, raw.TxHash, raw.BlockHash, raw.TxIndex)
	if err != nil {
		return nil, err
	}
	excerpt.From = sender.Hex()
	return excerpt, nil
}
