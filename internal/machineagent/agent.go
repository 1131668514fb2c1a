// Package machineagent wires the agent's components (port broker,
// process supervisor, runtime registry, sync server pool, document
// bridges, tunnel provider, project host loop) into one running
// process. It owns no protocol logic itself; every decision point
// lives in the component packages and this package only connects
// their callbacks.
package machineagent

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/markco-dev/machine-agent/internal/bridge"
	"github.com/markco-dev/machine-agent/internal/config"
	"github.com/markco-dev/machine-agent/internal/hostloop"
	"github.com/markco-dev/machine-agent/internal/notify"
	"github.com/markco-dev/machine-agent/internal/runtime"
	"github.com/markco-dev/machine-agent/internal/settings"
	"github.com/markco-dev/machine-agent/internal/supervisor"
	"github.com/markco-dev/machine-agent/internal/syncpool"
	"github.com/markco-dev/machine-agent/internal/tunnel"
)

const docKeySeparator = "/" // project/docPath, used as the bridge Manager's key

// Agent owns every long-running component for one machine.
type Agent struct {
	cfg      *config.Config
	settings *settings.Settings
	log      *slog.Logger

	sup      *supervisor.Supervisor
	registry *runtime.Registry
	pool     *syncpool.Pool
	bridges  *bridge.Manager
	tunnel   *tunnel.Provider
	loop     *hostloop.Loop
	sink     *notify.Sink

	headless bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// New resolves configuration and credentials and wires every component.
// It does not start anything; call Start for that.
func New(headless bool) (*Agent, error) {
	log := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := settings.Load(os.Getenv("MRMD_SETTINGS_PATH"))
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	dataDir, err := machineDataDir()
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}

	sup := supervisor.New(log.With("component", "supervisor"))

	registry, err := runtime.New(filepath.Join(dataDir, "sessions"), sup, defaultDescriptors(), log.With("component", "runtime"))
	if err != nil {
		return nil, fmt.Errorf("create runtime registry: %w", err)
	}

	pool := syncpool.New(syncSpawnConfig(), sup, "", log.With("component", "syncpool"))

	bridges := bridge.NewManager(0, log.With("component", "bridge"))

	loop := hostloop.New(hostloop.Config{
		HubRoots:       cfg.HubRoots,
		CloudURL:       cfg.CloudURL,
		UserID:         st.UserID,
		Token:          st.Token,
		MachineID:      cfg.MachineID,
		MachineName:    cfg.MachineName,
		Hostname:       cfg.Hostname,
		Capabilities:   capabilities(),
		RescanInterval: cfg.RescanInterval,
	}, pool, log.With("component", "hostloop"))

	tunnelProvider := tunnel.New(tunnel.Config{
		RelayBaseWS:  cfg.RelayBaseWS(),
		UserID:       st.UserID,
		Token:        st.Token,
		MachineID:    cfg.MachineID,
		MachineName:  cfg.MachineName,
		Hostname:     cfg.Hostname,
		Capabilities: capabilities(),
	}, registry, log.With("component", "tunnel"))

	sink := notify.NewSink(log.With("component", "notify"))

	a := &Agent{
		cfg:      cfg,
		settings: st,
		log:      log,
		sup:      sup,
		registry: registry,
		pool:     pool,
		bridges:  bridges,
		tunnel:   tunnelProvider,
		loop:     loop,
		sink:     sink,
		headless: headless,
	}

	pool.OnUnexpectedDeath(a.handleSyncDeath)
	pool.OnReleaseAll(a.handleReleaseAll)
	tunnelProvider.OnBridgeRequest(a.handleBridgeRequest)

	return a, nil
}

// Start launches every background loop without blocking: the host
// loop's periodic scan, the tunnel's reconnect-forever connection, and
// (on platforms with a tray) the notification sink's event handling is
// left for the caller to drive from the main goroutine via RunTray.
func (a *Agent) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.sink.OnQuit(func() {
		a.Stop()
	})

	go a.loop.Run(ctx)
	go a.tunnel.Run(ctx)

	a.log.Info("machine agent started", "machineId", a.cfg.MachineID, "hubRoots", a.cfg.HubRoots)
}

// RunTray blocks running the notification sink's event loop (a native
// tray on darwin/windows, a no-op log line on linux). Call it from
// main's goroutine after Start. It returns once Stop has been called.
func (a *Agent) RunTray() {
	a.sink.Start()
}

// Stop tears down every component. Idempotent.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.tunnel.Close()
	a.bridges.Close()
	a.log.Info("machine agent stopped")
}

// handleSyncDeath surfaces an unexpected sync server death to the user
// via the notification sink. The pool does not auto-restart; a human
// decides what happens next.
func (a *Agent) handleSyncDeath(ev syncpool.DeathEvent) {
	a.log.Warn("sync server died unexpectedly", "projectDir", ev.ProjectDir, "reason", ev.Reason, "signal", ev.Signal)
	a.sink.Notify("Sync server crashed", fmt.Sprintf("%s: %s", filepath.Base(ev.ProjectDir), ev.Reason))
}

// handleReleaseAll tears down every bridge for a project whenever its
// sync server's refcount reaches zero.
func (a *Agent) handleReleaseAll(projectDir string) {
	prefix := filepath.Base(projectDir) + docKeySeparator
	a.bridges.TeardownProject(func(docKey string) bool {
		return strings.HasPrefix(docKey, prefix)
	})
}

// handleBridgeRequest wires a relay bridge-request frame to
// bridge.Manager.EnsureBridge, resolving the project's local sync port
// via the host loop's discovery cache. Unknown projects (not yet
// discovered by a scan) are logged and dropped; the relay will retry.
func (a *Agent) handleBridgeRequest(project, docPath string) {
	_, port, ok := a.loop.LookupProject(project)
	if !ok {
		a.log.Warn("bridge-request for unknown project", "project", project)
		return
	}

	docKey := project + docKeySeparator + docPath
	localURL := fmt.Sprintf("ws://127.0.0.1:%d/%s", port, encodeDocPathSegments(docPath))
	remoteURL := fmt.Sprintf("%s/sync/%s/%s/%s?token=%s",
		a.cfg.RelayBaseWS(), url.PathEscape(a.settings.UserID), url.PathEscape(project), encodeDocPathSegments(docPath), url.QueryEscape(a.settings.Token))

	headers := make(map[string][]string)
	headers["Authorization"] = []string{"Bearer " + a.settings.Token}

	a.bridges.EnsureBridge(docKey, localURL, remoteURL, headers)
}

// encodeDocPathSegments URL-encodes each '/'-delimited segment of a
// document path individually, preserving the separators themselves, so
// a doc name containing literal slashes (a nested document) still
// round-trips through the URL.
func encodeDocPathSegments(docPath string) string {
	segments := strings.Split(docPath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// capabilities lists what this machine can do, advertised in the
// tunnel's provider-info frame and the host loop's catalog push.
func capabilities() []string {
	return []string{"runtimes", "tunnel", "sync"}
}

// machineDataDir returns ~/.mrmd, creating it if necessary.
func machineDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".mrmd")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// syncSpawnConfig resolves how to spawn the file-backed sync server
// process, including the memory and connection caps that act as
// fail-fast ceilings against silent OOM.
func syncSpawnConfig() syncpool.SpawnConfig {
	serverPath := os.Getenv("MRMD_SYNC_SERVER_PATH")
	if serverPath == "" {
		serverPath = "mrmd-sync-server"
	}

	maxMemoryMB := envIntOr("MRMD_SYNC_MAX_MEMORY_MB", 512)
	maxConns := envIntOr("MRMD_SYNC_MAX_CONNECTIONS", 256)
	maxConnsPerDoc := envIntOr("MRMD_SYNC_MAX_CONNECTIONS_PER_DOC", 32)

	return syncpool.SpawnConfig{
		ServerPath: serverPath,
		BuildArgs: func(projectDir string, port int) []string {
			return []string{
				"--dir", projectDir,
				"--port", fmt.Sprintf("%d", port),
				"--max-memory-mb", fmt.Sprintf("%d", maxMemoryMB),
				"--max-connections", fmt.Sprintf("%d", maxConns),
				"--max-connections-per-document", fmt.Sprintf("%d", maxConnsPerDoc),
			}
		},
	}
}

func envIntOr(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil || v <= 0 {
		return fallback
	}
	return v
}
