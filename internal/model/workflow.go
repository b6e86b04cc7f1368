package model

import "time"

// Workflow is the aggregate derived from Created/Run/Cancelled events for one
// IPFS content hash. Runs equals the maximum across ChainsRuns once per-chain
// counters exist; duplicate broadcasts of the same logical run across bridged
// chains must not double count.
type Workflow struct {
	IpfsHash           string           `json:"ipfs_hash"`
	CreateEventID      int64            `json:"create_event_id"`
	CancelEventID      *int64           `json:"cancel_event_id,omitempty"`
	HasMeta            bool             `json:"has_meta"`
	Meta               map[string]any   `json:"meta,omitempty"`
	Runs               int64            `json:"runs"`
	ChainsRuns         map[string]int64 `json:"chains_runs"`
	IsCancelled        bool             `json:"is_cancelled"`
	NextSimulationTime *time.Time       `json:"next_simulation_time,omitempty"`
	MetaFetchFailures  int              `json:"meta_fetch_failures"`
	LastMetaFailure    *time.Time       `json:"last_meta_fetch_failure,omitempty"`
}

// ExecutionCount returns the execution budget declared by the workflow's
// metadata, if any. The nested workflow.count form takes precedence over the
// legacy top-level executions field.
func (w *Workflow) ExecutionCount() (int64, bool) {
	if w.Meta == nil {
		return 0, false
	}
	if nested, ok := w.Meta["workflow"].(map[string]any); ok {
		if n, ok := toInt64(nested["count"]); ok {
			return n, true
		}
	}
	if n, ok := toInt64(w.Meta["executions"]); ok {
		return n, true
	}
	return 0, false
}

// MaxChainRuns returns the largest per-chain run counter.
func (w *Workflow) MaxChainRuns() int64 {
	return MaxRuns(w.ChainsRuns)
}

// MaxRuns returns the largest counter in a per-chain run map. The run total
// of a multi-chain workflow is pinned to this maximum.
func MaxRuns(chainsRuns map[string]int64) int64 {
	var max int64
	for _, n := range chainsRuns {
		if n > max {
			max = n
		}
	}
	return max
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
