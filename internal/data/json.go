package data

import (
	"encoding/json"
	"fmt"
	"os"
)

// Snapshot is a batch of readings as served by a device gateway or kept in
// a file.
type Snapshot struct {
	Node     string    `json:"node"`
	Readings []Reading `json:"readings"`
}

func LoadSnapshotJSON(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read telemetry file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse telemetry file: %w", err)
	}
	return &snap, nil
}

// Apply stores every reading of snap in s.
func (s *Store) Apply(snap *Snapshot) int {
	if snap == nil {
		return 0
	}
	for _, r := range snap.Readings {
		s.Set(r)
	}
	return len(snap.Readings)
}
