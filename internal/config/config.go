// Package config resolves the machine agent's runtime configuration
// from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	envCloudURL      = "MARKCO_CLOUD_URL"
	envHubRoots      = "MRMD_MACHINE_HUB_ROOTS"
	envMachineID     = "MRMD_MACHINE_ID"
	envMachineName   = "MRMD_MACHINE_NAME"
	envRescanMS      = "MRMD_MACHINE_RESCAN_MS"
	defaultRescanMS  = 30_000
)

// Config holds everything the agent needs to start, resolved once at
// startup.
type Config struct {
	CloudURL       string
	HubRoots       []string
	MachineID      string
	MachineName    string
	Hostname       string
	RescanInterval time.Duration
}

// Load resolves Config from the environment. It does not read
// credentials; see the settings package for that.
func Load() (*Config, error) {
	cloudURL := os.Getenv(envCloudURL)
	if cloudURL == "" {
		return nil, fmt.Errorf("%s is required", envCloudURL)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown-host"
	}

	machineID := os.Getenv(envMachineID)
	if machineID == "" {
		machineID = generateMachineID(hostname)
	}

	machineName := os.Getenv(envMachineName)
	if machineName == "" {
		machineName = hostname
	}

	hubRoots := splitHubRoots(os.Getenv(envHubRoots))
	if len(hubRoots) == 0 {
		return nil, fmt.Errorf("%s is required and must list at least one directory", envHubRoots)
	}

	rescanMS := defaultRescanMS
	if raw := os.Getenv(envRescanMS); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			rescanMS = v
		}
	}

	return &Config{
		CloudURL:       strings.TrimRight(cloudURL, "/"),
		HubRoots:       hubRoots,
		MachineID:      machineID,
		MachineName:    machineName,
		Hostname:       hostname,
		RescanInterval: time.Duration(rescanMS) * time.Millisecond,
	}, nil
}

// RelayBaseWS derives the relay's WebSocket origin from CloudURL by
// scheme substitution (https→wss, http→ws).
func (c *Config) RelayBaseWS() string {
	switch {
	case strings.HasPrefix(c.CloudURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.CloudURL, "https://")
	case strings.HasPrefix(c.CloudURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.CloudURL, "http://")
	default:
		return c.CloudURL
	}
}

func splitHubRoots(raw string) []string {
	if raw == "" {
		return nil
	}
	sep := string(os.PathListSeparator)
	parts := strings.Split(raw, sep)
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// generateMachineID defaults to "{hostname}-{user}", falling back to a
// random id when the username can't be determined.
func generateMachineID(hostname string) string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	if user == "" {
		return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	return fmt.Sprintf("%s-%s", hostname, user)
}
