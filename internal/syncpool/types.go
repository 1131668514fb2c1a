// Package syncpool implements the Sync Server Pool: per-project,
// reference-counted, supervised file-sync server processes, discovered
// on disk via PID+port adoption markers so a restart of the agent
// doesn't orphan a still-running sync server.
package syncpool

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"
)

// Server is the per-project record the pool hands out.
type Server struct {
	ProjectDir string
	Hash       string
	Port       int
	PID        int
	RefCount   int
	// Owned is true when this agent spawned the process; false when it
	// was adopted from a marker left by a still-running instance.
	Owned bool
	// ExpectedExit is set immediately before a deliberate kill so the
	// exit handler can tell a planned shutdown from a crash.
	ExpectedExit bool
}

// DeathEvent is published when a supervised, owned sync server exits
// without ExpectedExit having been set. It is the primary data-loss-
// prevention signal surfaced to the user.
type DeathEvent struct {
	ProjectDir string
	ExitCode   int
	Signal     string
	Reason     string
	Timestamp  time.Time
}

// SpawnConfig configures how the pool spawns a sync server process.
type SpawnConfig struct {
	ServerPath string
	// BuildArgs receives the project directory and allocated port and
	// returns the argv to spawn with (including any memory-cap /
	// connection-cap flags the sync server accepts).
	BuildArgs func(projectDir string, port int) []string
	Env       []string
}

// marker is the on-disk adoption file's JSON shape.
type marker struct {
	PID  int `json:"pid"`
	Port int `json:"port"`
}

// stableHash returns a 12-hex-character hash of the resolved absolute
// path, used as the pool key and in the adoption marker directory name.
func stableHash(projectDir string) (string, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:12], nil
}
