// Package settings reads the bearer credentials the agent uses to talk
// to the relay. Interactive OAuth is out of scope for a headless
// machine agent; a user id and long-lived token are provisioned once
// (by the same web app that drives the OAuth flow on other surfaces)
// and dropped onto disk.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings is the on-disk shape read at startup.
type Settings struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// Load reads settings from path. If path is empty, it defaults to
// ~/.mrmd/settings.json.
func Load(path string) (*Settings, error) {
	if path == "" {
		p, err := defaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	if s.UserID == "" || s.Token == "" {
		return nil, fmt.Errorf("settings at %s missing userId or token", path)
	}

	return &s, nil
}

func defaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mrmd", "settings.json"), nil
}
