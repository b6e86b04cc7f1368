package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"registryScope/internal/model"
	"registryScope/internal/storage"
)

// Store provides Postgres persistence for the four registry collections.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewStore(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS chains (
	global_chain_id TEXT PRIMARY KEY,
	last_processed_block BIGINT NOT NULL DEFAULT 0,
	wasm_last_processed_block BIGINT,
	is_synced BOOLEAN NOT NULL DEFAULT false,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS logs (
	id BIGSERIAL PRIMARY KEY,
	event TEXT NOT NULL,
	chain_id TEXT NOT NULL,
	block_number BIGINT NOT NULL,
	transaction_hash TEXT NOT NULL,
	ipfs_hash TEXT,
	wasm_id TEXT,
	old_ipfs_hash TEXT,
	new_ipfs_hash TEXT,
	owner TEXT,
	job_id TEXT,
	nonce BIGINT,
	ts TIMESTAMPTZ NOT NULL,
	tx_receipt JSONB
);

CREATE TABLE IF NOT EXISTS workflows (
	ipfs_hash TEXT PRIMARY KEY,
	create_event_id BIGINT NOT NULL,
	cancel_event_id BIGINT,
	has_meta BOOLEAN NOT NULL DEFAULT false,
	meta JSONB,
	runs BIGINT NOT NULL DEFAULT 0,
	chains_runs JSONB NOT NULL DEFAULT '{}',
	is_cancelled BOOLEAN NOT NULL DEFAULT false,
	next_simulation_time TIMESTAMPTZ,
	meta_fetch_failures INT NOT NULL DEFAULT 0,
	last_meta_fetch_failure TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS wasm_modules (
	id BIGSERIAL PRIMARY KEY,
	wasm_id TEXT NOT NULL,
	ipfs_hash TEXT NOT NULL,
	owner TEXT NOT NULL,
	create_event_id BIGINT NOT NULL,
	has_wasm BOOLEAN NOT NULL DEFAULT false,
	wasm_code BYTEA,
	wasm_code_size BIGINT NOT NULL DEFAULT 0,
	update_history JSONB NOT NULL DEFAULT '[]',
	wasm_fetch_failures INT NOT NULL DEFAULT 0,
	last_wasm_fetch_failure TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_logs_run_nonce ON logs (ipfs_hash, nonce) WHERE event = 'Run' OR event = 'RunWithMetadata';
CREATE INDEX IF NOT EXISTS idx_workflows_ipfs_hash ON workflows (ipfs_hash text_pattern_ops);
CREATE INDEX IF NOT EXISTS idx_workflows_pending_meta ON workflows (has_meta) WHERE has_meta = false;
CREATE INDEX IF NOT EXISTS idx_wasm_modules_pending_code ON wasm_modules (has_wasm) WHERE has_wasm = false;
`

// Init creates tables and supporting indexes idempotently. The unique index
// on wasm_id degrades to non-unique when pre-existing duplicate rows make the
// unique build fail; startup must not be blocked by legacy data.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	_, err := s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_wasm_modules_wasm_id ON wasm_modules (wasm_id)`)
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
			return fmt.Errorf("create wasm_id index: %w", err)
		}
		s.logger.Warn("duplicate wasm_id rows present, falling back to non-unique index", zap.Error(err))
		if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_wasm_modules_wasm_id_nonuniq ON wasm_modules (wasm_id)`); err != nil {
			return fmt.Errorf("create wasm_id fallback index: %w", err)
		}
	}
	return nil
}

func (s *Store) EnsureChain(ctx context.Context, chainID string, startBlock uint64, hasWasmRegistry bool) error {
	var wasmCursor *int64
	if hasWasmRegistry {
		v := int64(startBlock)
		wasmCursor = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chains (global_chain_id, last_processed_block, wasm_last_processed_block)
		VALUES ($1, $2, $3)
		ON CONFLICT (global_chain_id) DO UPDATE
		SET wasm_last_processed_block = COALESCE(chains.wasm_last_processed_block, EXCLUDED.wasm_last_processed_block),
		    updated_at = now()
	`, chainID, int64(startBlock), wasmCursor)
	if err != nil {
		return fmt.Errorf("ensure chain %s: %w", chainID, err)
	}
	return nil
}

func (s *Store) GetChain(ctx context.Context, chainID string) (*model.Chain, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT global_chain_id, last_processed_block, wasm_last_processed_block, is_synced
		FROM chains WHERE global_chain_id = $1
	`, chainID)

	var c model.Chain
	var cursor int64
	var wasmCursor *int64
	if err := row.Scan(&c.GlobalChainID, &cursor, &wasmCursor, &c.IsSynced); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get chain %s: %w", chainID, err)
	}
	c.LastProcessedBlock = uint64(cursor)
	if wasmCursor != nil {
		v := uint64(*wasmCursor)
		c.WasmLastProcessedBlock = &v
	}
	return &c, nil
}

func (s *Store) UpdateSyncStatus(ctx context.Context, chainID string, synced bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chains SET is_synced = $2, updated_at = now() WHERE global_chain_id = $1
	`, chainID, synced)
	if err != nil {
		return fmt.Errorf("update sync status %s: %w", chainID, err)
	}
	return nil
}

func (s *Store) MarkWorkflowFetchFailure(ctx context.Context, ipfsHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflows
		SET meta_fetch_failures = meta_fetch_failures + 1, last_meta_fetch_failure = now()
		WHERE ipfs_hash = $1
	`, ipfsHash)
	if err != nil {
		return fmt.Errorf("mark meta fetch failure %s: %w", ipfsHash, err)
	}
	return nil
}

func (s *Store) ClearWorkflowFetchFailures(ctx context.Context, ipfsHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflows
		SET meta_fetch_failures = 0, last_meta_fetch_failure = NULL
		WHERE ipfs_hash = $1
	`, ipfsHash)
	if err != nil {
		return fmt.Errorf("clear meta fetch failures %s: %w", ipfsHash, err)
	}
	return nil
}

func (s *Store) MarkWasmFetchFailure(ctx context.Context, wasmID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE wasm_modules
		SET wasm_fetch_failures = wasm_fetch_failures + 1, last_wasm_fetch_failure = now()
		WHERE wasm_id = $1
	`, wasmID)
	if err != nil {
		return fmt.Errorf("mark wasm fetch failure %s: %w", wasmID, err)
	}
	return nil
}

func (s *Store) ClearWasmFetchFailures(ctx context.Context, wasmID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE wasm_modules
		SET wasm_fetch_failures = 0, last_wasm_fetch_failure = NULL
		WHERE wasm_id = $1
	`, wasmID)
	if err != nil {
		return fmt.Errorf("clear wasm fetch failures %s: %w", wasmID, err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&tx{tx: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IsSerializationFailure reports whether err is a transient transaction
// conflict worth retrying (serialization failure or deadlock).
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) InsertLogEvent(ctx context.Context, ev *model.LogEvent) (int64, error) {
	var receipt []byte
	if ev.TxReceipt != nil {
		var err error
		receipt, err = json.Marshal(ev.TxReceipt)
		if err != nil {
			return 0, fmt.Errorf("marshal receipt: %w", err)
		}
	}
	var nonce *int64
	if ev.Nonce != nil {
		v := int64(*ev.Nonce)
		nonce = &v
	}

	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO logs (
			event, chain_id, block_number, transaction_hash,
			ipfs_hash, wasm_id, old_ipfs_hash, new_ipfs_hash, owner,
			job_id, nonce, ts, tx_receipt
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id
	`,
		string(ev.Event), ev.ChainID, int64(ev.BlockNumber), ev.TransactionHash,
		nullIfEmpty(ev.IpfsHash), nullIfEmpty(ev.WasmID), nullIfEmpty(ev.OldIpfsHash),
		nullIfEmpty(ev.NewIpfsHash), nullIfEmpty(ev.Owner), nullIfEmpty(ev.JobID),
		nonce, ev.Timestamp, receipt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert log event: %w", err)
	}
	ev.ID = id
	return id, nil
}

func (t *tx) HasRunNonce(ctx context.Context, ipfsHash string, nonce uint64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM logs
			WHERE (event = 'Run' OR event = 'RunWithMetadata')
			  AND ipfs_hash = $1 AND nonce = $2
		)
	`, ipfsHash, int64(nonce)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check run nonce: %w", err)
	}
	return exists, nil
}

func (t *tx) InsertWorkflow(ctx context.Context, wf *model.Workflow) error {
	chainsRuns, err := json.Marshal(orEmptyMap(wf.ChainsRuns))
	if err != nil {
		return fmt.Errorf("marshal chains_runs: %w", err)
	}
	var meta []byte
	if wf.Meta != nil {
		if meta, err = json.Marshal(wf.Meta); err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflows (
			ipfs_hash, create_event_id, has_meta, meta, runs, chains_runs, is_cancelled
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, wf.IpfsHash, wf.CreateEventID, wf.HasMeta, meta, wf.Runs, chainsRuns, wf.IsCancelled)
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", wf.IpfsHash, err)
	}
	return nil
}

func (t *tx) GetWorkflow(ctx context.Context, ipfsHash string) (*model.Workflow, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT ipfs_hash, create_event_id, cancel_event_id, has_meta, meta, runs,
		       chains_runs, is_cancelled, next_simulation_time,
		       meta_fetch_failures, last_meta_fetch_failure
		FROM workflows WHERE ipfs_hash = $1
	`, ipfsHash)
	return scanWorkflow(row)
}

func (t *tx) SetWorkflowRuns(ctx context.Context, ipfsHash string, runs int64, chainsRuns map[string]int64, cancelled bool) error {
	encoded, err := json.Marshal(orEmptyMap(chainsRuns))
	if err != nil {
		return fmt.Errorf("marshal chains_runs: %w", err)
	}
	// is_cancelled is monotonic: never written back to false.
	_, err = t.tx.Exec(ctx, `
		UPDATE workflows
		SET runs = $2, chains_runs = $3, is_cancelled = (is_cancelled OR $4)
		WHERE ipfs_hash = $1
	`, ipfsHash, runs, encoded, cancelled)
	if err != nil {
		return fmt.Errorf("set workflow runs %s: %w", ipfsHash, err)
	}
	return nil
}

func (t *tx) SetWorkflowCancelled(ctx context.Context, ipfsHash string, cancelEventID int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE workflows
		SET is_cancelled = true, cancel_event_id = $2
		WHERE ipfs_hash = $1
	`, ipfsHash, cancelEventID)
	if err != nil {
		return fmt.Errorf("set workflow cancelled %s: %w", ipfsHash, err)
	}
	return nil
}

func (t *tx) SetWorkflowMeta(ctx context.Context, ipfsHash string, meta map[string]any, cancelled bool, nextSimulation *time.Time) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		UPDATE workflows
		SET meta = $2, has_meta = true, is_cancelled = (is_cancelled OR $3), next_simulation_time = $4
		WHERE ipfs_hash = $1
	`, ipfsHash, encoded, cancelled, nextSimulation)
	if err != nil {
		return fmt.Errorf("set workflow meta %s: %w", ipfsHash, err)
	}
	return nil
}

func (t *tx) ListWorkflowsMissingMeta(ctx context.Context, f storage.FillerFilter) ([]*model.Workflow, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT ipfs_hash, create_event_id, cancel_event_id, has_meta, meta, runs,
		       chains_runs, is_cancelled, next_simulation_time,
		       meta_fetch_failures, last_meta_fetch_failure
		FROM workflows
		WHERE has_meta = false
		  AND (last_meta_fetch_failure IS NULL
		       OR meta_fetch_failures < $2
		       OR last_meta_fetch_failure < now() - $3::interval)
		ORDER BY last_meta_fetch_failure NULLS FIRST
		LIMIT $1
	`, f.Limit, f.MaxAttempts, f.Window)
	if err != nil {
		return nil, fmt.Errorf("list workflows missing meta: %w", err)
	}
	defer rows.Close()

	var out []*model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (t *tx) InsertWasmModule(ctx context.Context, m *model.WasmModule) error {
	history, err := json.Marshal(orEmptyHistory(m.UpdateHistory))
	if err != nil {
		return fmt.Errorf("marshal update_history: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO wasm_modules (
			wasm_id, ipfs_hash, owner, create_event_id, has_wasm, update_history
		) VALUES ($1,$2,$3,$4,$5,$6)
	`, m.WasmID, m.IpfsHash, m.Owner, m.CreateEventID, m.HasWasm, history)
	if err != nil {
		return fmt.Errorf("insert wasm module %s: %w", m.WasmID, err)
	}
	return nil
}

func (t *tx) GetWasmModule(ctx context.Context, wasmID string) (*model.WasmModule, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT wasm_id, ipfs_hash, owner, create_event_id, has_wasm, wasm_code,
		       wasm_code_size, update_history, wasm_fetch_failures, last_wasm_fetch_failure
		FROM wasm_modules WHERE wasm_id = $1
	`, wasmID)
	return scanWasmModule(row)
}

// AppendWasmUpdate appends one history entry, rotates the current hash and
// invalidates any previously fetched code.
func (t *tx) AppendWasmUpdate(ctx context.Context, wasmID string, upd model.WasmUpdate) error {
	entry, err := json.Marshal(upd)
	if err != nil {
		return fmt.Errorf("marshal wasm update: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		UPDATE wasm_modules
		SET update_history = update_history || $2::jsonb,
		    ipfs_hash = $3,
		    has_wasm = false,
		    wasm_code = NULL,
		    wasm_code_size = 0
		WHERE wasm_id = $1
	`, wasmID, entry, upd.NewIpfsHash)
	if err != nil {
		return fmt.Errorf("append wasm update %s: %w", wasmID, err)
	}
	return nil
}

func (t *tx) SetWasmCode(ctx context.Context, wasmID string, code []byte) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE wasm_modules
		SET wasm_code = $2, wasm_code_size = $3, has_wasm = true
		WHERE wasm_id = $1
	`, wasmID, code, int64(len(code)))
	if err != nil {
		return fmt.Errorf("set wasm code %s: %w", wasmID, err)
	}
	return nil
}

func (t *tx) ListWasmModulesMissingCode(ctx context.Context, f storage.FillerFilter) ([]*model.WasmModule, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT wasm_id, ipfs_hash, owner, create_event_id, has_wasm, wasm_code,
		       wasm_code_size, update_history, wasm_fetch_failures, last_wasm_fetch_failure
		FROM wasm_modules
		WHERE has_wasm = false
		  AND (last_wasm_fetch_failure IS NULL
		       OR wasm_fetch_failures < $2
		       OR last_wasm_fetch_failure < now() - $3::interval)
		ORDER BY last_wasm_fetch_failure NULLS FIRST
		LIMIT $1
	`, f.Limit, f.MaxAttempts, f.Window)
	if err != nil {
		return nil, fmt.Errorf("list wasm modules missing code: %w", err)
	}
	defer rows.Close()

	var out []*model.WasmModule
	for rows.Next() {
		m, err := scanWasmModule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) UpdateLastProcessed(ctx context.Context, chainID string, block uint64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE chains
		SET last_processed_block = GREATEST(last_processed_block, $2), updated_at = now()
		WHERE global_chain_id = $1
	`, chainID, int64(block))
	if err != nil {
		return fmt.Errorf("update cursor %s: %w", chainID, err)
	}
	return nil
}

func (t *tx) UpdateWasmLastProcessed(ctx context.Context, chainID string, block uint64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE chains
		SET wasm_last_processed_block = GREATEST(COALESCE(wasm_last_processed_block, 0), $2), updated_at = now()
		WHERE global_chain_id = $1
	`, chainID, int64(block))
	if err != nil {
		return fmt.Errorf("update wasm cursor %s: %w", chainID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*model.Workflow, error) {
	var wf model.Workflow
	var meta, chainsRuns []byte
	if err := row.Scan(
		&wf.IpfsHash, &wf.CreateEventID, &wf.CancelEventID, &wf.HasMeta, &meta,
		&wf.Runs, &chainsRuns, &wf.IsCancelled, &wf.NextSimulationTime,
		&wf.MetaFetchFailures, &wf.LastMetaFailure,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	if meta != nil {
		if err := json.Unmarshal(meta, &wf.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
	}
	if err := json.Unmarshal(chainsRuns, &wf.ChainsRuns); err != nil {
		return nil, fmt.Errorf("decode chains_runs: %w", err)
	}
	return &wf, nil
}

func scanWasmModule(row rowScanner) (*model.WasmModule, error) {
	var m model.WasmModule
	var history []byte
	if err := row.Scan(
		&m.WasmID, &m.IpfsHash, &m.Owner, &m.CreateEventID, &m.HasWasm,
		&m.WasmCode, &m.WasmCodeSize, &history, &m.WasmFetchFailures, &m.LastWasmFailure,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scan wasm module: %w", err)
	}
	if err := json.Unmarshal(history, &m.UpdateHistory); err != nil {
		return nil, fmt.Errorf("decode update_history: %w", err)
	}
	return &m, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orEmptyMap(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func orEmptyHistory(h []model.WasmUpdate) []model.WasmUpdate {
	if h == nil {
		return []model.WasmUpdate{}
	}
	return h
}
