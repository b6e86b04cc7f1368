package model

// Chain tracks per-network indexing progress.
//
// LastProcessedBlock and WasmLastProcessedBlock are cursors over the main and
// WASM registries respectively; WasmLastProcessedBlock is nil when the chain
// has no WASM registry configured. Cursors only move forward.
type Chain struct {
	GlobalChainID          string  `json:"global_chain_id"`
	LastProcessedBlock     uint64  `json:"last_processed_block"`
	WasmLastProcessedBlock *uint64 `json:"wasm_last_processed_block,omitempty"`
	IsSynced               bool    `json:"is_synced"`
}
