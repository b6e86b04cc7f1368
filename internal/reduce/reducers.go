// Package reduce folds decoded registry events into Workflow and WasmModule
// aggregates. Every reducer first writes an immutable log entry, then applies
// a targeted, idempotent mutation through the transaction it was given.
package reduce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"registryScope/internal/model"
	"registryScope/internal/registry"
	"registryScope/internal/storage"
)

// Input carries one decoded event plus the batch-level context it was seen in.
type Input struct {
	ChainID   string
	Event     *registry.Event
	Timestamp time.Time
	Receipt   *model.ReceiptExcerpt
}

// Apply routes the event to its reducer.
func Apply(ctx context.Context, tx storage.Tx, in Input) error {
	switch in.Event.Kind {
	case model.EventCreated:
		return applyCreated(ctx, tx, in)
	case model.EventRun:
		return applyRun(ctx, tx, in)
	case model.EventRunWithMetadata:
		return applyRunWithMetadata(ctx, tx, in)
	case model.EventCancelled:
		return applyCancelled(ctx, tx, in)
	case model.EventWasmCreated:
		return applyWasmCreated(ctx, tx, in)
	case model.EventWasmUpdated:
		return applyWasmUpdated(ctx, tx, in)
	default:
		return fmt.Errorf("unknown event kind %q", in.Event.Kind)
	}
}

func logEvent(in Input) *model.LogEvent {
	ev := in.Event
	le := &model.LogEvent{
		Event:           ev.Kind,
		ChainID:         in.ChainID,
		BlockNumber:     ev.BlockNumber,
		TransactionHash: ev.TxHash.Hex(),
		IpfsHash:        ev.IpfsHash,
		Timestamp:       in.Timestamp,
		TxReceipt:       in.Receipt,
	}
	switch ev.Kind {
	case model.EventRunWithMetadata:
		le.JobID = ev.JobID
		nonce := ev.Nonce
		le.Nonce = &nonce
	case model.EventWasmCreated:
		le.WasmID = ev.WasmID
		le.Owner = ev.Owner
	case model.EventWasmUpdated:
		le.WasmID = ev.WasmID
		le.OldIpfsHash = ev.OldIpfsHash
		le.NewIpfsHash = ev.NewIpfsHash
	}
	return le
}

// applyCreated inserts the log entry and, for a hash seen for the first time,
// a fresh workflow. Later Created events for the same hash only produce the
// log entry.
func applyCreated(ctx context.Context, tx storage.Tx, in Input) error {
	logID, err := tx.InsertLogEvent(ctx, logEvent(in))
	if err != nil {
		return err
	}

	_, err = tx.GetWorkflow(ctx, in.Event.IpfsHash)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	return tx.InsertWorkflow(ctx, &model.Workflow{
		IpfsHash:      in.Event.IpfsHash,
		CreateEventID: logID,
		ChainsRuns:    map[string]int64{},
	})
}

// applyRun handles the legacy run event without a nonce. Workflows carrying a
// non-zero flat counter but no per-chain counters predate the per-chain
// migration and keep the flat increment; everything else moves through the
// per-chain counters with runs pinned to their maximum.
func applyRun(ctx context.Context, tx storage.Tx, in Input) error {
	if _, err := tx.InsertLogEvent(ctx, logEvent(in)); err != nil {
		return err
	}

	wf, err := tx.GetWorkflow(ctx, in.Event.IpfsHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return incrementRuns(ctx, tx, wf, in.ChainID)
}

// applyRunWithMetadata stores the log entry unconditionally but only touches
// the counters when the (ipfsHash, nonce) pair has not been seen before. A
// repeated nonce is the same logical execution observed via another chain.
func applyRunWithMetadata(ctx context.Context, tx storage.Tx, in Input) error {
	wf, err := tx.GetWorkflow(ctx, in.Event.IpfsHash)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if wf != nil {
		seen, err := tx.HasRunNonce(ctx, in.Event.IpfsHash, in.Event.Nonce)
		if err != nil {
			return err
		}
		if !seen {
			if err := incrementRuns(ctx, tx, wf, in.ChainID); err != nil {
				return err
			}
		}
	}

	_, err = tx.InsertLogEvent(ctx, logEvent(in))
	return err
}

func incrementRuns(ctx context.Context, tx storage.Tx, wf *model.Workflow, chainID string) error {
	runs := wf.Runs
	chainsRuns := wf.ChainsRuns
	if chainsRuns == nil {
		chainsRuns = map[string]int64{}
	}

	if wf.Runs > 0 && len(chainsRuns) == 0 {
		// Pre-migration workflow: only the flat counter exists.
		runs = wf.Runs + 1
	} else {
		chainsRuns[chainID]++
		runs = model.MaxRuns(chainsRuns)
	}

	cancelled := false
	if count, ok := wf.ExecutionCount(); ok && runs >= count {
		cancelled = true
	}
	return tx.SetWorkflowRuns(ctx, wf.IpfsHash, runs, chainsRuns, cancelled)
}

// applyCancelled sets the cancellation flag once. Cancellation is monotonic:
// a second Cancelled event only produces a log entry.
func applyCancelled(ctx context.Context, tx storage.Tx, in Input) error {
	logID, err := tx.InsertLogEvent(ctx, logEvent(in))
	if err != nil {
		return err
	}

	wf, err := tx.GetWorkflow(ctx, in.Event.IpfsHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if wf.IsCancelled {
		return nil
	}
	return tx.SetWorkflowCancelled(ctx, wf.IpfsHash, logID)
}

func applyWasmCreated(ctx context.Context, tx storage.Tx, in Input) error {
	logID, err := tx.InsertLogEvent(ctx, logEvent(in))
	if err != nil {
		return err
	}

	_, err = tx.GetWasmModule(ctx, in.Event.WasmID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	return tx.InsertWasmModule(ctx, &model.WasmModule{
		WasmID:        in.Event.WasmID,
		IpfsHash:      in.Event.IpfsHash,
		Owner:         in.Event.Owner,
		CreateEventID: logID,
	})
}

// applyWasmUpdated appends one history entry, rotates the current hash and
// marks the code pending again: fetched bytes belong to the old hash.
func applyWasmUpdated(ctx context.Context, tx storage.Tx, in Input) error {
	logID, err := tx.InsertLogEvent(ctx, logEvent(in))
	if err != nil {
		return err
	}

	_, err = tx.GetWasmModule(ctx, in.Event.WasmID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	return tx.AppendWasmUpdate(ctx, in.Event.WasmID, model.WasmUpdate{
		OldIpfsHash: in.Event.OldIpfsHash,
		NewIpfsHash: in.Event.NewIpfsHash,
		EventID:     logID,
		ChainID:     in.ChainID,
		Timestamp:   in.Timestamp,
	})
}
