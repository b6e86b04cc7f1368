// Package storagetest provides an in-memory Store for tests. Transactions
// take a snapshot of the state and restore it when the scope returns an
// error, mirroring the commit/rollback semantics of the Postgres store.
package storagetest

import (
	"context"
	"sync"
	"time"

	"registryScope/internal/model"
	"registryScope/internal/storage"
)

// Store is an in-memory storage.Store.
type Store struct {
	mu sync.Mutex

	Chains    map[string]*model.Chain
	Logs      []*model.LogEvent
	Workflows map[string]*model.Workflow
	Wasm      map[string]*model.WasmModule

	nextLogID int64

	// SetWasmCodeHook, when set, is consulted before every SetWasmCode and
	// may inject an error.
	SetWasmCodeHook func(call int) error
	setWasmCalls    int

	// InsertLogEventHook, when set, is consulted before every
	// InsertLogEvent and may inject an error.
	InsertLogEventHook func(call int) error
	insertLogCalls     int

	Now func() time.Time
}

func New() *Store {
	return &Store{
		Chains:    make(map[string]*model.Chain),
		Workflows: make(map[string]*model.Workflow),
		Wasm:      make(map[string]*model.WasmModule),
		nextLogID: 1,
		Now:       time.Now,
	}
}

func (s *Store) Init(context.Context) error { return nil }

func (s *Store) EnsureChain(_ context.Context, chainID string, startBlock uint64, hasWasmRegistry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.Chains[chainID]; ok {
		if hasWasmRegistry && existing.WasmLastProcessedBlock == nil {
			v := startBlock
			existing.WasmLastProcessedBlock = &v
		}
		return nil
	}
	c := &model.Chain{GlobalChainID: chainID, LastProcessedBlock: startBlock}
	if hasWasmRegistry {
		v := startBlock
		c.WasmLastProcessedBlock = &v
	}
	s.Chains[chainID] = c
	return nil
}

func (s *Store) GetChain(_ context.Context, chainID string) (*model.Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Chains[chainID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *c
	if c.WasmLastProcessedBlock != nil {
		v := *c.WasmLastProcessedBlock
		copied.WasmLastProcessedBlock = &v
	}
	return &copied, nil
}

func (s *Store) UpdateSyncStatus(_ context.Context, chainID string, synced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.Chains[chainID]; ok {
		c.IsSynced = synced
	}
	return nil
}

func (s *Store) MarkWorkflowFetchFailure(_ context.Context, ipfsHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf, ok := s.Workflows[ipfsHash]; ok {
		wf.MetaFetchFailures++
		now := s.Now()
		wf.LastMetaFailure = &now
	}
	return nil
}

func (s *Store) ClearWorkflowFetchFailures(_ context.Context, ipfsHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf, ok := s.Workflows[ipfsHash]; ok {
		wf.MetaFetchFailures = 0
		wf.LastMetaFailure = nil
	}
	return nil
}

func (s *Store) MarkWasmFetchFailure(_ context.Context, wasmID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.Wasm[wasmID]; ok {
		m.WasmFetchFailures++
		now := s.Now()
		m.LastWasmFailure = &now
	}
	return nil
}

func (s *Store) ClearWasmFetchFailures(_ context.Context, wasmID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.Wasm[wasmID]; ok {
		m.WasmFetchFailures = 0
		m.LastWasmFailure = nil
	}
	return nil
}

func (s *Store) WithTx(_ context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn(&tx{store: s}); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

type state struct {
	chains    map[string]*model.Chain
	logs      []*model.LogEvent
	workflows map[string]*model.Workflow
	wasm      map[string]*model.WasmModule
	nextLogID int64
}

func (s *Store) snapshot() state {
	st := state{
		chains:    make(map[string]*model.Chain, len(s.Chains)),
		logs:      append([]*model.LogEvent{}, s.Logs...),
		workflows: make(map[string]*model.Workflow, len(s.Workflows)),
		wasm:      make(map[string]*model.WasmModule, len(s.Wasm)),
		nextLogID: s.nextLogID,
	}
	for k, v := range s.Chains {
		copied := *v
		st.chains[k] = &copied
	}
	for k, v := range s.Workflows {
		st.workflows[k] = copyWorkflow(v)
	}
	for k, v := range s.Wasm {
		st.wasm[k] = copyWasm(v)
	}
	return st
}

func (s *Store) restore(st state) {
	s.Chains = st.chains
	s.Logs = st.logs
	s.Workflows = st.workflows
	s.Wasm = st.wasm
	s.nextLogID = st.nextLogID
}

func copyWorkflow(wf *model.Workflow) *model.Workflow {
	copied := *wf
	copied.ChainsRuns = make(map[string]int64, len(wf.ChainsRuns))
	for k, v := range wf.ChainsRuns {
		copied.ChainsRuns[k] = v
	}
	return &copied
}

func copyWasm(m *model.WasmModule) *model.WasmModule {
	copied := *m
	copied.UpdateHistory = append([]model.WasmUpdate{}, m.UpdateHistory...)
	return &copied
}

type tx struct {
	store *Store
}

func (t *tx) InsertLogEvent(_ context.Context, ev *model.LogEvent) (int64, error) {
	s := t.store
	s.insertLogCalls++
	if s.InsertLogEventHook != nil {
		if err := s.InsertLogEventHook(s.insertLogCalls); err != nil {
			return 0, err
		}
	}
	ev.ID = s.nextLogID
	s.nextLogID++
	copied := *ev
	s.Logs = append(s.Logs, &copied)
	return ev.ID, nil
}

func (t *tx) HasRunNonce(_ context.Context, ipfsHash string, nonce uint64) (bool, error) {
	for _, ev := range t.store.Logs {
		if (ev.Event == model.EventRun || ev.Event == model.EventRunWithMetadata) &&
			ev.IpfsHash == ipfsHash && ev.Nonce != nil && *ev.Nonce == nonce {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertWorkflow(_ context.Context, wf *model.Workflow) error {
	t.store.Workflows[wf.IpfsHash] = copyWorkflow(wf)
	return nil
}

func (t *tx) GetWorkflow(_ context.Context, ipfsHash string) (*model.Workflow, error) {
	wf, ok := t.store.Workflows[ipfsHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyWorkflow(wf), nil
}

func (t *tx) SetWorkflowRuns(_ context.Context, ipfsHash string, runs int64, chainsRuns map[string]int64, cancelled bool) error {
	wf, ok := t.store.Workflows[ipfsHash]
	if !ok {
		return storage.ErrNotFound
	}
	wf.Runs = runs
	wf.ChainsRuns = make(map[string]int64, len(chainsRuns))
	for k, v := range chainsRuns {
		wf.ChainsRuns[k] = v
	}
	wf.IsCancelled = wf.IsCancelled || cancelled
	return nil
}

func (t *tx) SetWorkflowCancelled(_ context.Context, ipfsHash string, cancelEventID int64) error {
	wf, ok := t.store.Workflows[ipfsHash]
	if !ok {
		return storage.ErrNotFound
	}
	wf.IsCancelled = true
	wf.CancelEventID = &cancelEventID
	return nil
}

func (t *tx) SetWorkflowMeta(_ context.Context, ipfsHash string, meta map[string]any, cancelled bool, nextSimulation *time.Time) error {
	wf, ok := t.store.Workflows[ipfsHash]
	if !ok {
		return storage.ErrNotFound
	}
	wf.Meta = meta
	wf.HasMeta = true
	wf.IsCancelled = wf.IsCancelled || cancelled
	wf.NextSimulationTime = nextSimulation
	return nil
}

func (t *tx) ListWorkflowsMissingMeta(_ context.Context, f storage.FillerFilter) ([]*model.Workflow, error) {
	now := t.store.Now()
	var out []*model.Workflow
	for _, wf := range t.store.Workflows {
		if wf.HasMeta {
			continue
		}
		if skipRecentFailure(wf.MetaFetchFailures, wf.LastMetaFailure, f, now) {
			continue
		}
		out = append(out, copyWorkflow(wf))
		if len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *tx) InsertWasmModule(_ context.Context, m *model.WasmModule) error {
	t.store.Wasm[m.WasmID] = copyWasm(m)
	return nil
}

func (t *tx) GetWasmModule(_ context.Context, wasmID string) (*model.WasmModule, error) {
	m, ok := t.store.Wasm[wasmID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyWasm(m), nil
}

func (t *tx) AppendWasmUpdate(_ context.Context, wasmID string, upd model.WasmUpdate) error {
	m, ok := t.store.Wasm[wasmID]
	if !ok {
		return storage.ErrNotFound
	}
	m.UpdateHistory = append(m.UpdateHistory, upd)
	m.IpfsHash = upd.NewIpfsHash
	m.HasWasm = false
	m.WasmCode = nil
	m.WasmCodeSize = 0
	return nil
}

func (t *tx) SetWasmCode(_ context.Context, wasmID string, code []byte) error {
	s := t.store
	s.setWasmCalls++
	if s.SetWasmCodeHook != nil {
		if err := s.SetWasmCodeHook(s.setWasmCalls); err != nil {
			return err
		}
	}
	m, ok := s.Wasm[wasmID]
	if !ok {
		return storage.ErrNotFound
	}
	m.WasmCode = append([]byte{}, code...)
	m.WasmCodeSize = int64(len(code))
	m.HasWasm = true
	return nil
}

func (t *tx) ListWasmModulesMissingCode(_ context.Context, f storage.FillerFilter) ([]*model.WasmModule, error) {
	now := t.store.Now()
	var out []*model.WasmModule
	for _, m := range t.store.Wasm {
		if m.HasWasm {
			continue
		}
		if skipRecentFailure(m.WasmFetchFailures, m.LastWasmFailure, f, now) {
			continue
		}
		out = append(out, copyWasm(m))
		if len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *tx) UpdateLastProcessed(_ context.Context, chainID string, block uint64) error {
	c, ok := t.store.Chains[chainID]
	if !ok {
		return storage.ErrNotFound
	}
	if block > c.LastProcessedBlock {
		c.LastProcessedBlock = block
	}
	return nil
}

func (t *tx) UpdateWasmLastProcessed(_ context.Context, chainID string, block uint64) error {
	c, ok := t.store.Chains[chainID]
	if !ok {
		return storage.ErrNotFound
	}
	if c.WasmLastProcessedBlock == nil || block > *c.WasmLastProcessedBlock {
		v := block
		c.WasmLastProcessedBlock = &v
	}
	return nil
}

func skipRecentFailure(failures int, last *time.Time, f storage.FillerFilter, now time.Time) bool {
	if last == nil || failures < f.MaxAttempts {
		return false
	}
	return now.Sub(*last) < f.Window
}
