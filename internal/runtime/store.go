package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileFor returns the on-disk mirror path for a session name.
func fileFor(dir, name string) string {
	return filepath.Join(dir, SanitizeName(name)+".json")
}

// persist atomic-replaces the session's mirror file: write to a .tmp
// sibling, then rename over it.
func persist(dir string, s *Session) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.Name, err)
	}

	dst := fileFor(dir, s.Name)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session %s: %w", s.Name, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("replace session %s: %w", s.Name, err)
	}
	return nil
}

// remove deletes a session's mirror file, if present.
func remove(dir string, name string) {
	_ = os.Remove(fileFor(dir, name))
}

// loadAll reads every *.json file in dir and returns the sessions it
// describes. Corrupt files are skipped, not fatal.
func loadAll(dir string) ([]*Session, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}
