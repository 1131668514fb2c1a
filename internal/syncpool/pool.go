package syncpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/markco-dev/machine-agent/internal/agenterr"
	"github.com/markco-dev/machine-agent/internal/portbroker"
	"github.com/markco-dev/machine-agent/internal/supervisor"
)

// Pool manages reference-counted sync server processes, one per
// project directory.
type Pool struct {
	cfg    SpawnConfig
	sup    *supervisor.Supervisor
	tmpDir string
	log    *slog.Logger

	mu      sync.Mutex
	servers map[string]*Server // keyed by hash
	handles map[string]*supervisor.Handle

	onDeath func(DeathEvent)
	// onReleaseAll is invoked with the project directory whenever its
	// refcount drops to zero, so the Document Bridge layer can tear
	// down every bridge for that project.
	onReleaseAll func(projectDir string)
}

// New creates a Pool. tmpDir is where adoption markers live (normally
// os.TempDir()).
func New(cfg SpawnConfig, sup *supervisor.Supervisor, tmpDir string, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &Pool{
		cfg:     cfg,
		sup:     sup,
		tmpDir:  tmpDir,
		log:     log,
		servers: make(map[string]*Server),
		handles: make(map[string]*supervisor.Handle),
	}
}

// OnUnexpectedDeath registers the callback invoked when an owned sync
// server exits without ExpectedExit set.
func (p *Pool) OnUnexpectedDeath(fn func(DeathEvent)) { p.onDeath = fn }

// OnReleaseAll registers the callback invoked with a project directory
// whenever its refcount reaches zero.
func (p *Pool) OnReleaseAll(fn func(projectDir string)) { p.onReleaseAll = fn }

// Acquire returns the Server for projectDir, spawning or adopting one
// if none is currently tracked, and increments its reference count.
func (p *Pool) Acquire(ctx context.Context, projectDir string) (*Server, error) {
	hash, err := stableHash(projectDir)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if s, ok := p.servers[hash]; ok {
		s.RefCount++
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	// Try adoption first.
	if s := p.tryAdopt(projectDir, hash); s != nil {
		p.mu.Lock()
		p.servers[hash] = s
		p.mu.Unlock()
		return s, nil
	}

	return p.spawnFresh(ctx, projectDir, hash)
}

func (p *Pool) tryAdopt(projectDir, hash string) *Server {
	m, err := readMarker(p.tmpDir, hash)
	if err != nil {
		return nil
	}

	pidAlive := supervisor.IsAlive(m.PID)
	portListening := portbroker.IsListening("127.0.0.1", m.Port)

	if pidAlive && portListening {
		p.log.Info("adopted existing sync server", "projectDir", projectDir, "pid", m.PID, "port", m.Port)
		return &Server{
			ProjectDir: projectDir,
			Hash:       hash,
			Port:       m.Port,
			PID:        m.PID,
			RefCount:   1,
			Owned:      false,
		}
	}

	// Stale marker: either PID dead, or port not listening. Both
	// cases discard the marker and fall through to a fresh spawn.
	removeMarker(p.tmpDir, hash)
	return nil
}

func (p *Pool) spawnFresh(ctx context.Context, projectDir, hash string) (*Server, error) {
	port, err := portbroker.Allocate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agenterr.ErrSpawnFailed, err)
	}

	args := p.cfg.BuildArgs(projectDir, port)

	server := &Server{
		ProjectDir: projectDir,
		Hash:       hash,
		Port:       port,
		RefCount:   1,
		Owned:      true,
	}

	handle, err := p.sup.Spawn(supervisor.Descriptor{
		Name: fmt.Sprintf("sync-%s", hash),
		Path: p.cfg.ServerPath,
		Args: args,
		Dir:  projectDir,
		Env:  p.cfg.Env,
	}, func(info supervisor.ExitInfo) {
		p.handleExit(hash, projectDir, info)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agenterr.ErrSpawnFailed, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, portbroker.DefaultWaitTimeout)
	defer cancel()
	if err := portbroker.WaitForListening(waitCtx, "127.0.0.1", port, portbroker.DefaultWaitTimeout); err != nil {
		_ = handle.Kill(context.Background())
		return nil, err
	}

	server.PID = handle.PID

	if err := writeMarker(p.tmpDir, hash, marker{PID: server.PID, Port: port}); err != nil {
		p.log.Warn("failed to write sync server marker", "projectDir", projectDir, "error", err)
	}

	p.mu.Lock()
	p.servers[hash] = server
	p.handles[hash] = handle
	p.mu.Unlock()

	return server, nil
}

func (p *Pool) handleExit(hash, projectDir string, info supervisor.ExitInfo) {
	p.mu.Lock()
	_, tracked := p.servers[hash]
	delete(p.servers, hash)
	delete(p.handles, hash)
	p.mu.Unlock()
	removeMarker(p.tmpDir, hash)

	if !tracked || info.Expected {
		return
	}

	reason := "crashed"
	if info.Signal != "" {
		reason = fmt.Sprintf("crashed (signal %s)", info.Signal)
	}

	event := DeathEvent{
		ProjectDir: projectDir,
		ExitCode:   info.Code,
		Signal:     info.Signal,
		Reason:     reason,
		Timestamp:  time.Now(),
	}
	p.log.Warn("sync server died unexpectedly", "projectDir", projectDir, "reason", reason)
	if p.onDeath != nil {
		p.onDeath(event)
	}
	if p.onReleaseAll != nil {
		p.onReleaseAll(projectDir)
	}
}

// Release decrements projectDir's reference count. At zero, an owned
// server is killed (with ExpectedExit set first) and its record
// removed; an adopted (unowned) server is never killed. Either way,
// onReleaseAll is notified so bridges for this project can be torn
// down.
func (p *Pool) Release(projectDir string) error {
	hash, err := stableHash(projectDir)
	if err != nil {
		return err
	}

	p.mu.Lock()
	s, ok := p.servers[hash]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	s.RefCount--
	remaining := s.RefCount
	handle := p.handles[hash]
	owned := s.Owned
	if remaining <= 0 {
		if owned && handle != nil {
			s.ExpectedExit = true
		}
		delete(p.servers, hash)
		delete(p.handles, hash)
	}
	p.mu.Unlock()

	if remaining > 0 {
		return nil
	}

	if owned && handle != nil {
		handle.MarkExpectedExit()
		if err := handle.Kill(context.Background()); err != nil {
			p.log.Warn("failed to kill owned sync server", "projectDir", projectDir, "error", err)
		}
		removeMarker(p.tmpDir, hash)
	}

	if p.onReleaseAll != nil {
		p.onReleaseAll(projectDir)
	}
	return nil
}

// Get returns the currently tracked Server for projectDir without
// changing its reference count, or nil if none is tracked.
func (p *Pool) Get(projectDir string) *Server {
	hash, err := stableHash(projectDir)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.servers[hash]
}

// Len reports how many distinct projects currently have a tracked
// server.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}
