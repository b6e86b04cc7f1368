package registry

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const workflowRegistryABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "ipfsHash", "type": "string"}
    ],
    "name": "Created",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "ipfsHash", "type": "string"}
    ],
    "name": "Run",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "ipfsHash", "type": "string"},
      {"indexed": false, "internalType": "uint256", "name": "jobId", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "nonce", "type": "uint256"}
    ],
    "name": "RunWithMetadata",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "string", "name": "ipfsHash", "type": "string"}
    ],
    "name": "Cancelled",
    "type": "event"
  }
]`

const wasmRegistryABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "id", "type": "bytes32"},
      {"indexed": false, "internalType": "string", "name": "ipfsHash", "type": "string"},
      {"indexed": true, "internalType": "address", "name": "owner", "type": "address"}
    ],
    "name": "WasmCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "id", "type": "bytes32"},
      {"indexed": false, "internalType": "string", "name": "oldIpfsHash", "type": "string"},
      {"indexed": false, "internalType": "string", "name": "newIpfsHash", "type": "string"}
    ],
    "name": "WasmUpdated",
    "type": "event"
  }
]`

var (
	workflowABIOnce sync.Once
	workflowABIVal  abi.ABI
	workflowABIErr  error

	wasmABIOnce sync.Once
	wasmABIVal  abi.ABI
	wasmABIErr  error
)

// WorkflowRegistryABI returns the parsed main registry ABI.
func WorkflowRegistryABI() (abi.ABI, error) {
	workflowABIOnce.Do(func() {
		workflowABIVal, workflowABIErr = abi.JSON(strings.NewReader(workflowRegistryABIJSON))
	})
	return workflowABIVal, workflowABIErr
}

// WasmRegistryABI returns the parsed WASM registry ABI.
func WasmRegistryABI() (abi.ABI, error) {
	wasmABIOnce.Do(func() {
		wasmABIVal, wasmABIErr = abi.JSON(strings.NewReader(wasmRegistryABIJSON))
	})
	return wasmABIVal, wasmABIErr
}
