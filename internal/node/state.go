package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// persistedState is the JSON document written to the configured state file
// on a clean shutdown.
type persistedState struct {
	NodeID              string  `json:"node_id"`
	NodeType            string  `json:"node_type"`
	StartTime           float64 `json:"start_time"`
	IsRunning           bool    `json:"is_running"`
	RoutingTableStats   struct {
		TotalNodes      int `json:"total_nodes"`
		BucketsWithNodes int `json:"buckets_with_nodes"`
	} `json:"routing_table_stats"`
}

func saveState(path string, st persistedState) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal node state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write state file %s: %w", path, err)
	}
	return nil
}
