package registry

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"registryScope/internal/model"
)

// Event is a decoded registry log.
type Event struct {
	Kind        model.EventKind
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	TxIndex     uint

	IpfsHash    string
	JobID       string
	Nonce       uint64
	WasmID      string
	Owner       string
	OldIpfsHash string
	NewIpfsHash string
}

// IsRunKind reports whether the event records a workflow execution and
// therefore carries a transaction receipt excerpt.
func (e *Event) IsRunKind() bool {
	return e.Kind == model.EventRun || e.Kind == model.EventRunWithMetadata
}

type decodeEntry struct {
	kind  model.EventKind
	event abi.Event
}

// Decoder maps topic-0 hashes to recognized event kinds and decodes raw logs
// into typed events. Built once per worker; logs with unknown topics are
// filtered out via Lookup before decoding.
type Decoder struct {
	topics map[common.Hash]decodeEntry
}

// NewWorkflowDecoder builds the decoder for the main registry's four event
// kinds.
func NewWorkflowDecoder() (*Decoder, error) {
	contractABI, err := WorkflowRegistryABI()
	if err != nil {
		return nil, fmt.Errorf("parse workflow registry abi: %w", err)
	}
	return newDecoder(contractABI, map[string]model.EventKind{
		"Created":         model.EventCreated,
		"Run":             model.EventRun,
		"RunWithMetadata": model.EventRunWithMetadata,
		"Cancelled":       model.EventCancelled,
	})
}

// NewWasmDecoder builds the independent decoder for the WASM registry's two
// event kinds.
func NewWasmDecoder() (*Decoder, error) {
	contractABI, err := WasmRegistryABI()
	if err != nil {
		return nil, fmt.Errorf("parse wasm registry abi: %w", err)
	}
	return newDecoder(contractABI, map[string]model.EventKind{
		"WasmCreated": model.EventWasmCreated,
		"WasmUpdated": model.EventWasmUpdated,
	})
}

func newDecoder(contractABI abi.ABI, kinds map[string]model.EventKind) (*Decoder, error) {
	topics := make(map[common.Hash]decodeEntry, len(kinds))
	for name, kind := range kinds {
		event, ok := contractABI.Events[name]
		if !ok {
			return nil, fmt.Errorf("event %s missing from abi", name)
		}
		// Event.ID is the keccak-256 hash of the canonical signature.
		topics[event.ID] = decodeEntry{kind: kind, event: event}
	}
	return &Decoder{topics: topics}, nil
}

// Lookup resolves a topic-0 hash to its event kind.
func (d *Decoder) Lookup(topic0 common.Hash) (model.EventKind, bool) {
	entry, ok := d.topics[topic0]
	return entry.kind, ok
}

// Decode converts a raw log into a typed Event per the ABI.
func (d *Decoder) Decode(raw types.Log) (*Event, error) {
	if len(raw.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}
	entry, ok := d.topics[raw.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("unrecognized topic0 %s", raw.Topics[0].Hex())
	}

	args := make(map[string]any)
	if len(raw.Data) > 0 {
		if err := entry.event.Inputs.UnpackIntoMap(args, raw.Data); err != nil {
			return nil, fmt.Errorf("unpack %s data: %w", entry.event.Name, err)
		}
	}
	indexed := indexedArguments(entry.event.Inputs)
	if len(indexed) > 0 {
		if len(raw.Topics) < len(indexed)+1 {
			return nil, fmt.Errorf("%s: expected %d topics, got %d", entry.event.Name, len(indexed)+1, len(raw.Topics))
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, raw.Topics[1:]); err != nil {
			return nil, fmt.Errorf("parse %s topics: %w", entry.event.Name, err)
		}
	}

	ev := &Event{
		Kind:        entry.kind,
		BlockNumber: raw.BlockNumber,
		BlockHash:   raw.BlockHash,
		TxHash:      raw.TxHash,
		TxIndex:     raw.TxIndex,
	}

	switch entry.kind {
	case model.EventCreated, model.EventRun, model.EventCancelled:
		ev.IpfsHash, ok = args["ipfsHash"].(string)
		if !ok {
			return nil, fmt.Errorf("%s: ipfsHash missing", entry.event.Name)
		}
	case model.EventRunWithMetadata:
		if ev.IpfsHash, ok = args["ipfsHash"].(string); !ok {
			return nil, fmt.Errorf("RunWithMetadata: ipfsHash missing")
		}
		jobID, ok := args["jobId"].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("RunWithMetadata: jobId missing")
		}
		ev.JobID = jobID.String()
		nonce, ok := args["nonce"].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("RunWithMetadata: nonce missing")
		}
		if !nonce.IsUint64() {
			return nil, fmt.Errorf("RunWithMetadata: nonce out of range: %s", nonce)
		}
		ev.Nonce = nonce.Uint64()
	case model.EventWasmCreated:
		id, ok := args["id"].([32]byte)
		if !ok {
			return nil, fmt.Errorf("WasmCreated: id missing")
		}
		ev.WasmID = common.Hash(id).Hex()
		if ev.IpfsHash, ok = args["ipfsHash"].(string); !ok {
			return nil, fmt.Errorf("WasmCreated: ipfsHash missing")
		}
		owner, ok := args["owner"].(common.Address)
		if !ok {
			return nil, fmt.Errorf("WasmCreated: owner missing")
		}
		ev.Owner = owner.Hex()
	case model.EventWasmUpdated:
		id, ok := args["id"].([32]byte)
		if !ok {
			return nil, fmt.Errorf("WasmUpdated: id missing")
		}
		ev.WasmID = common.Hash(id).Hex()
		if ev.OldIpfsHash, ok = args["oldIpfsHash"].(string); !ok {
			return nil, fmt.Errorf("WasmUpdated: oldIpfsHash missing")
		}
		if ev.NewIpfsHash, ok = args["newIpfsHash"].(string); !ok {
			return nil, fmt.Errorf("WasmUpdated: newIpfsHash missing")
		}
	}

	return ev, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	var indexed abi.Arguments
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
