package filler

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"registryScope/internal/model"
	"registryScope/internal/storage"
	"registryScope/internal/storage/postgres"
	"registryScope/internal/syncer"
)

// wasmMagic is the 4-byte header every WASM binary starts with.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

const conflictAttempts = 3

// BinaryFetcher retrieves a raw binary payload by CID.
type BinaryFetcher interface {
	FetchBinary(ctx context.Context, cid string) ([]byte, error)
}

// WasmFiller completes WASM modules whose code is pending: fetch, verify the
// magic header, then persist code and size in a single-item transaction.
// Transient storage conflicts on that transaction are retried with doubling
// backoff before counting as an item failure.
type WasmFiller struct {
	cfg         Config
	store       storage.Store
	fetch       BinaryFetcher
	logger      *zap.Logger
	conflict    syncer.Backoff
	isTransient func(error) bool
}

func NewWasmFiller(cfg Config, store storage.Store, fetch BinaryFetcher, logger *zap.Logger) *WasmFiller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WasmFiller{
		cfg:         cfg.withDefaults(),
		store:       store,
		fetch:       fetch,
		logger:      logger.Named("wasm_filler"),
		conflict:    syncer.ExponentialBackoff{Base: 200 * time.Millisecond},
		isTransient: postgres.IsSerializationFailure,
	}
}

// SetConflictPolicy overrides conflict detection and backoff, used with
// non-Postgres stores and in tests.
func (f *WasmFiller) SetConflictPolicy(isTransient func(error) bool, backoff syncer.Backoff) {
	f.isTransient = isTransient
	f.conflict = backoff
}

// Run polls for code-pending modules until ctx is cancelled.
func (f *WasmFiller) Run(ctx context.Context) error {
	f.logger.Info("wasm filler started")
	for {
		processed, err := f.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Error("wasm filler batch failed", zap.Error(err))
		}
		if processed == 0 {
			if err := syncer.Wait(ctx, f.cfg.IdleInterval); err != nil {
				return err
			}
		}
	}
}

// RunOnce processes a single batch and returns the number of candidates seen.
func (f *WasmFiller) RunOnce(ctx context.Context) (int, error) {
	var pending []*model.WasmModule
	err := f.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		pending, err = tx.ListWasmModulesMissingCode(ctx, f.cfg.filter())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list pending wasm modules: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var stored, failed int
	for _, mod := range pending {
		if err := ctx.Err(); err != nil {
			return len(pending), err
		}
		if err := f.fill(ctx, mod); err != nil {
			f.logger.Warn("wasm fetch failed",
				zap.String("wasm_id", mod.WasmID),
				zap.String("ipfs_hash", mod.IpfsHash),
				zap.Int("failures", mod.WasmFetchFailures+1),
				zap.Error(err),
			)
			if markErr := f.store.MarkWasmFetchFailure(ctx, mod.WasmID); markErr != nil {
				f.logger.Error("failure tracking update failed", zap.String("wasm_id", mod.WasmID), zap.Error(markErr))
			}
			failed++
			continue
		}
		stored++
	}
	f.logger.Info("wasm batch complete", zap.Int("stored", stored), zap.Int("failed", failed))
	return len(pending), nil
}

func (f *WasmFiller) fill(ctx context.Context, mod *model.WasmModule) error {
	code, err := f.fetch.FetchBinary(ctx, mod.IpfsHash)
	if err != nil {
		return err
	}
	if len(code) < len(wasmMagic) || !bytes.Equal(code[:len(wasmMagic)], wasmMagic) {
		return fmt.Errorf("payload for %s is not a wasm binary", mod.IpfsHash)
	}

	// One transaction per item keeps lock contention with the chain
	// workers minimal.
	for attempt := 0; ; attempt++ {
		err = f.store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.SetWasmCode(ctx, mod.WasmID, code)
		})
		if err == nil {
			break
		}
		if !f.isTransient(err) || attempt+1 >= conflictAttempts {
			return fmt.Errorf("store wasm code: %w", err)
		}
		f.logger.Warn("storage conflict, retrying",
			zap.String("wasm_id", mod.WasmID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if err := syncer.Wait(ctx, f.conflict.Delay(attempt)); err != nil {
			return err
		}
	}

	if err := f.store.ClearWasmFetchFailures(ctx, mod.WasmID); err != nil {
		return err
	}
	f.logger.Info("wasm code stored",
		zap.String("wasm_id", mod.WasmID),
		zap.Int("size", len(code)),
	)
	return nil
}
