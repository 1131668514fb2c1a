package syncpool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func markerDir(tmpDir, hash string) string {
	return filepath.Join(tmpDir, fmt.Sprintf("mrmd-sync-%s", hash))
}

func markerPath(tmpDir, hash string) string {
	return filepath.Join(markerDir(tmpDir, hash), "server.pid")
}

func readMarker(tmpDir, hash string) (*marker, error) {
	data, err := os.ReadFile(markerPath(tmpDir, hash))
	if err != nil {
		return nil, err
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeMarker(tmpDir, hash string, m marker) error {
	dir := markerDir(tmpDir, hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := markerPath(tmpDir, hash) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return os.Rename(tmp, markerPath(tmpDir, hash))
}

func removeMarker(tmpDir, hash string) {
	_ = os.Remove(markerPath(tmpDir, hash))
}
