package model

import "time"

// WasmUpdate is one entry of a module's append-only update history.
type WasmUpdate struct {
	OldIpfsHash string    `json:"old_ipfs_hash"`
	NewIpfsHash string    `json:"new_ipfs_hash"`
	EventID     int64     `json:"event_id"`
	ChainID     string    `json:"chain_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// WasmModule is the aggregate derived from WasmCreated/WasmUpdated events for
// one fixed-size module identifier (bytes32 rendered as 0x-hex). A hash
// rotation invalidates previously fetched code: every update appends to
// UpdateHistory and resets HasWasm.
type WasmModule struct {
	WasmID            string       `json:"wasm_id"`
	IpfsHash          string       `json:"ipfs_hash"`
	Owner             string       `json:"owner"`
	CreateEventID     int64        `json:"create_event_id"`
	HasWasm           bool         `json:"has_wasm"`
	WasmCode          []byte       `json:"wasm_code,omitempty"`
	WasmCodeSize      int64        `json:"wasm_code_size"`
	UpdateHistory     []WasmUpdate `json:"update_history"`
	WasmFetchFailures int          `json:"wasm_fetch_failures"`
	LastWasmFailure   *time.Time   `json:"last_wasm_fetch_failure,omitempty"`
}
