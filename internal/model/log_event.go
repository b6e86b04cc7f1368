package model

import "time"

// EventKind identifies a recognized registry event.
type EventKind string

const (
	EventCreated         EventKind = "Created"
	EventRun             EventKind = "Run"
	EventRunWithMetadata EventKind = "RunWithMetadata"
	EventCancelled       EventKind = "Cancelled"
	EventWasmCreated     EventKind = "WasmCreated"
	EventWasmUpdated     EventKind = "WasmUpdated"
)

// ReceiptExcerpt keeps the slice of a transaction receipt recorded alongside
// run events.
type ReceiptExcerpt struct {
	GasUsed  uint64 `json:"gas_used"`
	GasPrice string `json:"gas_price"`
	From     string `json:"from"`
}

// LogEvent is one decoded on-chain event, append-only once written. It is the
// system of record for replay and audit.
type LogEvent struct {
	ID              int64           `json:"id"`
	Event           EventKind       `json:"event"`
	ChainID         string          `json:"chain_id"`
	BlockNumber     uint64          `json:"block_number"`
	TransactionHash string          `json:"transaction_hash"`
	IpfsHash        string          `json:"ipfs_hash,omitempty"`
	WasmID          string          `json:"wasm_id,omitempty"`
	OldIpfsHash     string          `json:"old_ipfs_hash,omitempty"`
	NewIpfsHash     string          `json:"new_ipfs_hash,omitempty"`
	Owner           string          `json:"owner,omitempty"`
	JobID           string          `json:"job_id,omitempty"`
	Nonce           *uint64         `json:"nonce,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	TxReceipt       *ReceiptExcerpt `json:"tx_receipt,omitempty"`
}
