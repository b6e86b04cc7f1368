package storage

import (
	"context"
	"errors"
	"time"

	"registryScope/internal/model"
)

// ErrNotFound is returned by lookups when no document matches.
var ErrNotFound = errors.New("storage: not found")

// FillerFilter bounds a filler batch lookup. Items whose failure counter has
// reached MaxAttempts are skipped until their last failure falls outside
// Window.
type FillerFilter struct {
	Limit       int
	Window      time.Duration
	MaxAttempts int
}

// Tx exposes the mutating operations available inside a transaction scope.
// Multi-step mutations must run through WithTx so that no partial state ever
// becomes visible.
type Tx interface {
	// Logs (append-only).
	InsertLogEvent(ctx context.Context, ev *model.LogEvent) (int64, error)
	// HasRunNonce reports whether a Run-kind log entry already exists for
	// the (ipfsHash, nonce) pair on any chain.
	HasRunNonce(ctx context.Context, ipfsHash string, nonce uint64) (bool, error)

	// Workflows.
	InsertWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, ipfsHash string) (*model.Workflow, error)
	SetWorkflowRuns(ctx context.Context, ipfsHash string, runs int64, chainsRuns map[string]int64, cancelled bool) error
	SetWorkflowCancelled(ctx context.Context, ipfsHash string, cancelEventID int64) error
	SetWorkflowMeta(ctx context.Context, ipfsHash string, meta map[string]any, cancelled bool, nextSimulation *time.Time) error
	ListWorkflowsMissingMeta(ctx context.Context, f FillerFilter) ([]*model.Workflow, error)

	// WASM modules.
	InsertWasmModule(ctx context.Context, m *model.WasmModule) error
	GetWasmModule(ctx context.Context, wasmID string) (*model.WasmModule, error)
	AppendWasmUpdate(ctx context.Context, wasmID string, upd model.WasmUpdate) error
	SetWasmCode(ctx context.Context, wasmID string, code []byte) error
	ListWasmModulesMissingCode(ctx context.Context, f FillerFilter) ([]*model.WasmModule, error)

	// Cursors. Updates are monotonic: a lower block number than the stored
	// cursor is a no-op.
	UpdateLastProcessed(ctx context.Context, chainID string, block uint64) error
	UpdateWasmLastProcessed(ctx context.Context, chainID string, block uint64) error
}

// Store is the durable persistence layer. It is the sole coordination point
// between the synchronization workers and the fillers.
type Store interface {
	// Init guarantees tables and supporting indexes exist. Idempotent.
	Init(ctx context.Context) error

	EnsureChain(ctx context.Context, chainID string, startBlock uint64, hasWasmRegistry bool) error
	GetChain(ctx context.Context, chainID string) (*model.Chain, error)
	UpdateSyncStatus(ctx context.Context, chainID string, synced bool) error

	// Failure tracking runs outside transaction scopes: a per-item failure
	// must survive the surrounding work being rolled back.
	MarkWorkflowFetchFailure(ctx context.Context, ipfsHash string) error
	ClearWorkflowFetchFailures(ctx context.Context, ipfsHash string) error
	MarkWasmFetchFailure(ctx context.Context, wasmID string) error
	ClearWasmFetchFailures(ctx context.Context, wasmID string) error

	// WithTx runs fn inside a transaction that commits when fn returns nil
	// and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
