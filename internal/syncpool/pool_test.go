package syncpool

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/markco-dev/machine-agent/internal/portbroker"
	"github.com/markco-dev/machine-agent/internal/supervisor"
)

// listenerSpawnConfig spawns a python3 process that opens a TCP
// listener on the assigned port and holds it, standing in for a real
// sync server for adoption/spawn tests.
func listenerSpawnConfig() SpawnConfig {
	return SpawnConfig{
		ServerPath: "python3",
		BuildArgs: func(projectDir string, port int) []string {
			script := fmt.Sprintf(
				"import socket,time\ns=socket.socket()\ns.setsockopt(socket.SOL_SOCKET, socket.SO_REUSEADDR, 1)\ns.bind(('127.0.0.1', %d))\ns.listen(1)\ntime.sleep(30)\n", port)
			return []string{"-c", script}
		},
	}
}

func writeRawMarker(t *testing.T, tmpDir, hash string, pid, port int) {
	t.Helper()
	dir := markerDir(tmpDir, hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir marker dir: %v", err)
	}
	data, err := json.Marshal(marker{PID: pid, Port: port})
	if err != nil {
		t.Fatalf("marshal marker: %v", err)
	}
	if err := os.WriteFile(markerPath(tmpDir, hash), data, 0o600); err != nil {
		t.Fatalf("write marker: %v", err)
	}
}

// TestAcquireRelease_BalancedPairsLeaveNoEntries asserts that after
// balanced acquire/release, the pool holds nothing for that project.
func TestAcquireRelease_BalancedPairsLeaveNoEntries(t *testing.T) {
	tmp := t.TempDir()
	projectDir := t.TempDir()

	sup := supervisor.New(nil)
	p := New(listenerSpawnConfig(), sup, tmp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, err := p.Acquire(ctx, projectDir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s2, err := p.Acquire(ctx, projectDir)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected the same Server record from repeated Acquire calls")
	}
	if s1.RefCount != 2 {
		t.Fatalf("expected refcount 2, got %d", s1.RefCount)
	}

	if err := p.Release(projectDir); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("expected pool to still hold the entry after one of two releases, got len=%d", p.Len())
	}

	if err := p.Release(projectDir); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("expected zero entries after balanced acquire/release, got len=%d", p.Len())
	}

	waitFor(t, 2*time.Second, func() bool {
		return !portbroker.IsListening("127.0.0.1", s1.Port)
	})
}

// TestAcquire_AdoptsLiveMarker asserts a marker whose PID is alive and
// whose port listens is adopted rather than spawning a new process.
func TestAcquire_AdoptsLiveMarker(t *testing.T) {
	tmp := t.TempDir()
	projectDir := t.TempDir()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	hash, err := stableHash(projectDir)
	if err != nil {
		t.Fatalf("stableHash: %v", err)
	}
	writeRawMarker(t, tmp, hash, os.Getpid(), port)

	sup := supervisor.New(nil)
	p := New(listenerSpawnConfig(), sup, tmp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := p.Acquire(ctx, projectDir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s.Owned {
		t.Fatal("adopted server must not be marked owned")
	}
	if s.Port != port {
		t.Fatalf("expected adopted port %d, got %d", port, s.Port)
	}
}

// TestAcquire_StalePIDMarkerSpawnsFresh asserts a marker pointing at a
// dead PID is discarded and a fresh server is spawned, replacing the
// marker.
func TestAcquire_StalePIDMarkerSpawnsFresh(t *testing.T) {
	tmp := t.TempDir()
	projectDir := t.TempDir()

	deadPID := findDeadPID(t)
	freePort, err := portbroker.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	hash, err := stableHash(projectDir)
	if err != nil {
		t.Fatalf("stableHash: %v", err)
	}
	writeRawMarker(t, tmp, hash, deadPID, freePort)

	sup := supervisor.New(nil)
	p := New(listenerSpawnConfig(), sup, tmp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := p.Acquire(ctx, projectDir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !s.Owned {
		t.Fatal("expected a fresh spawn to be owned")
	}
	if s.Port == freePort {
		t.Fatal("expected a newly allocated port, not the stale marker's port")
	}

	m, err := readMarker(tmp, hash)
	if err != nil {
		t.Fatalf("readMarker after spawn: %v", err)
	}
	if m.Port != s.Port {
		t.Fatalf("expected marker to be rewritten with the new port %d, got %d", s.Port, m.Port)
	}

	p.Release(projectDir)
}

// TestAcquire_AlivePIDButDeadPortSpawnsFresh covers the other stale
// shape: the PID is alive but nothing listens on the recorded port, so
// the marker is discarded and a fresh server is spawned.
func TestAcquire_AlivePIDButDeadPortSpawnsFresh(t *testing.T) {
	tmp := t.TempDir()
	projectDir := t.TempDir()

	deadPort, err := portbroker.Allocate() // allocated then released: nothing listens
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	hash, err := stableHash(projectDir)
	if err != nil {
		t.Fatalf("stableHash: %v", err)
	}
	writeRawMarker(t, tmp, hash, os.Getpid(), deadPort)

	sup := supervisor.New(nil)
	p := New(listenerSpawnConfig(), sup, tmp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := p.Acquire(ctx, projectDir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !s.Owned {
		t.Fatal("expected a fresh spawn when the marker's port doesn't listen")
	}

	p.Release(projectDir)
}

// TestExternalKill_PublishesDeathEventAndEvicts asserts that a sync
// server killed from outside the agent (no MarkExpectedExit) publishes
// a death event and loses its pool entry.
func TestExternalKill_PublishesDeathEventAndEvicts(t *testing.T) {
	tmp := t.TempDir()
	projectDir := t.TempDir()

	sup := supervisor.New(nil)
	p := New(listenerSpawnConfig(), sup, tmp, nil)

	events := make(chan DeathEvent, 1)
	p.OnUnexpectedDeath(func(ev DeathEvent) { events <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := p.Acquire(ctx, projectDir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := syscall.Kill(s.PID, syscall.SIGKILL); err != nil {
		t.Fatalf("external kill: %v", err)
	}

	select {
	case ev := <-events:
		if ev.ProjectDir != projectDir {
			t.Fatalf("expected event for %s, got %s", projectDir, ev.ProjectDir)
		}
		if ev.Signal == "" {
			t.Fatalf("expected a signal in the death event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no death event published after external SIGKILL")
	}

	waitFor(t, time.Second, func() bool { return p.Len() == 0 })
}

// findDeadPID returns a PID almost certainly not in use: spawn and
// immediately wait on a short-lived process, then reuse its PID.
func findDeadPID(t *testing.T) int {
	t.Helper()
	sup := supervisor.New(nil)
	done := make(chan struct{})
	h, err := sup.Spawn(supervisor.Descriptor{Name: "dead-pid-probe", Path: "/bin/sh", Args: []string{"-c", "exit 0"}}, func(supervisor.ExitInfo) {
		close(done)
	})
	if err != nil {
		t.Fatalf("spawn probe: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("probe process never exited")
	}
	return h.PID
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met within timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
