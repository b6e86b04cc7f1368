package model

import (
	"encoding/json"
	"testing"
)

func TestExecutionCountNestedForm(t *testing.T) {
	wf := Workflow{Meta: map[string]any{
		"workflow": map[string]any{"count": float64(5)},
	}}
	count, ok := wf.ExecutionCount()
	if !ok {
		t.Fatalf("expected a count")
	}
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}
}

func TestExecutionCountLegacyForm(t *testing.T) {
	wf := Workflow{Meta: map[string]any{"executions": int64(3)}}
	count, ok := wf.ExecutionCount()
	if !ok {
		t.Fatalf("expected a count")
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestExecutionCountNestedTakesPrecedence(t *testing.T) {
	wf := Workflow{Meta: map[string]any{
		"workflow":   map[string]any{"count": 2},
		"executions": 9,
	}}
	count, _ := wf.ExecutionCount()
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestExecutionCountAbsent(t *testing.T) {
	cases := []map[string]any{
		nil,
		{},
		{"workflow": map[string]any{}},
		{"workflow": "not a map"},
		{"executions": "12"},
	}
	for _, meta := range cases {
		wf := Workflow{Meta: meta}
		if _, ok := wf.ExecutionCount(); ok {
			t.Fatalf("meta %v should not yield a count", meta)
		}
	}
}

func TestMaxChainRuns(t *testing.T) {
	wf := Workflow{ChainsRuns: map[string]int64{"11155111": 4, "421614": 7}}
	if got := wf.MaxChainRuns(); got != 7 {
		t.Fatalf("max = %d, want 7", got)
	}

	empty := Workflow{}
	if got := empty.MaxChainRuns(); got != 0 {
		t.Fatalf("max = %d, want 0", got)
	}

	if got := MaxRuns(nil); got != 0 {
		t.Fatalf("max over nil map = %d, want 0", got)
	}
}

func TestLogEventJSONOmitsEmptyFields(t *testing.T) {
	ev := LogEvent{
		ID:              1,
		Event:           EventCreated,
		ChainID:         "11155111",
		BlockNumber:     100,
		TransactionHash: "0xabc",
		IpfsHash:        "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := decoded["nonce"]; ok {
		t.Fatalf("nonce should be omitted when unset")
	}
	if _, ok := decoded["tx_receipt"]; ok {
		t.Fatalf("tx_receipt should be omitted when unset")
	}
	if _, ok := decoded["wasm_id"]; ok {
		t.Fatalf("wasm_id should be omitted when unset")
	}
}
