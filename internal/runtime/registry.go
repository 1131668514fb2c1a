package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markco-dev/machine-agent/internal/agenterr"
	"github.com/markco-dev/machine-agent/internal/portbroker"
	"github.com/markco-dev/machine-agent/internal/supervisor"
)

// Registry resolves a language key to a descriptor and a session name
// to a live, supervised process, persisting session records to disk so
// a restart of the agent can re-adopt processes it finds still running.
type Registry struct {
	dir string
	sup *supervisor.Supervisor
	log *slog.Logger

	mu          sync.Mutex
	descriptors map[string]*Descriptor // keyed by language + every alias
	sessions    map[string]*Session
	handles     map[string]*supervisor.Handle
}

// New creates a Registry rooted at dir (one JSON file per session) and
// reconciles it against the on-disk mirror: dead sessions (PID not
// alive) are evicted and their files removed; live ones are loaded into
// memory so List/Stop/Restart can find them without a fresh Start.
func New(dir string, sup *supervisor.Supervisor, descriptors []*Descriptor, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		dir:         dir,
		sup:         sup,
		log:         log,
		descriptors: make(map[string]*Descriptor),
		sessions:    make(map[string]*Session),
		handles:     make(map[string]*supervisor.Handle),
	}
	for _, d := range descriptors {
		r.descriptors[d.Language] = d
		for _, alias := range d.Aliases {
			r.descriptors[alias] = d
		}
	}

	existing, err := loadAll(dir)
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		if supervisor.IsAlive(s.PID) {
			r.sessions[s.Name] = s
			r.log.Info("re-adopted runtime session", "name", s.Name, "pid", s.PID)
		} else {
			remove(dir, s.Name)
		}
	}

	return r, nil
}

func (r *Registry) resolveDescriptor(language string) (*Descriptor, error) {
	d, ok := r.descriptors[language]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agenterr.ErrUnknownLanguage, language)
	}
	return d, nil
}

// List returns live sessions, optionally filtered by language. Before
// returning, every candidate's PID is probed; dead ones are evicted and
// their mirror file removed.
func (r *Registry) List(language string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for name, s := range r.sessions {
		if !supervisor.IsAlive(s.PID) {
			delete(r.sessions, name)
			delete(r.handles, name)
			remove(r.dir, name)
			continue
		}
		if language != "" && s.Language != language {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Start resolves config.Language to a descriptor, spawns the runtime if
// one isn't already alive under config.Name, waits for its port, and
// persists the resulting session.
func (r *Registry) Start(ctx context.Context, cfg StartConfig) (*Session, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[cfg.Name]; ok {
		if supervisor.IsAlive(existing.PID) {
			r.mu.Unlock()
			return existing, nil
		}
		delete(r.sessions, cfg.Name)
		delete(r.handles, cfg.Name)
		remove(r.dir, cfg.Name)
	}
	r.mu.Unlock()

	descriptor, err := r.resolveDescriptor(cfg.Language)
	if err != nil {
		return nil, err
	}

	if descriptor.Validate != nil {
		avail, err := descriptor.Validate(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", agenterr.ErrLanguageUnavailable, cfg.Language, err)
		}
		if !avail.Available {
			return nil, fmt.Errorf("%w: %s: %s", agenterr.ErrLanguageUnavailable, cfg.Language, avail.Reason)
		}
	}

	if descriptor.PreStart != nil {
		if err := descriptor.PreStart(ctx, cfg.Cwd, cfg.Venv); err != nil {
			return nil, fmt.Errorf("%w: preStart for %s: %v", agenterr.ErrRuntimeStartFailed, cfg.Language, err)
		}
	}

	port, err := portbroker.Allocate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agenterr.ErrRuntimeStartFailed, err)
	}

	spec, err := descriptor.Resolve(ctx, cfg.Cwd, cfg.Venv, port)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agenterr.ErrSpawnFailed, err)
	}

	workDir := descriptor.WorkDir
	if workDir == "" {
		workDir = cfg.Cwd
	}

	timeout := descriptor.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}

	session := &Session{
		Name:      cfg.Name,
		Language:  cfg.Language,
		Port:      port,
		BaseURL:   fmt.Sprintf("http://127.0.0.1:%d/mrp/v1", port),
		WorkDir:   workDir,
		Venv:      cfg.Venv,
		StartedAt: time.Now(),
	}

	handle, err := r.sup.Spawn(supervisor.Descriptor{
		Name: cfg.Name,
		Path: spec.Path,
		Args: spec.Args,
		Dir:  workDir,
		Env:  descriptor.EnvOverlay,
	}, func(info supervisor.ExitInfo) {
		r.handleExit(cfg.Name, info)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agenterr.ErrSpawnFailed, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := portbroker.WaitForListening(waitCtx, "127.0.0.1", port, timeout); err != nil {
		_ = handle.Kill(context.Background())
		return nil, fmt.Errorf("%w: %v", agenterr.ErrRuntimeStartFailed, err)
	}

	session.PID = handle.PID
	if descriptor.ExtraInfo != nil {
		session.Extra = descriptor.ExtraInfo(session)
	}

	if err := persist(r.dir, session); err != nil {
		r.log.Warn("failed to persist runtime session", "name", cfg.Name, "error", err)
	}

	r.mu.Lock()
	r.sessions[cfg.Name] = session
	r.handles[cfg.Name] = handle
	r.mu.Unlock()

	return session, nil
}

func (r *Registry) handleExit(name string, info supervisor.ExitInfo) {
	r.mu.Lock()
	delete(r.sessions, name)
	delete(r.handles, name)
	r.mu.Unlock()
	remove(r.dir, name)

	if !info.Expected {
		r.log.Warn("runtime session exited unexpectedly", "name", name, "code", info.Code, "signal", info.Signal)
	}
}

// Stop kills the named session and evicts its record. Idempotent: a
// second call with no live session is a no-op success.
func (r *Registry) Stop(name string) error {
	r.mu.Lock()
	handle, ok := r.handles[name]
	delete(r.sessions, name)
	delete(r.handles, name)
	r.mu.Unlock()
	remove(r.dir, name)

	if !ok {
		return nil
	}
	handle.MarkExpectedExit()
	return handle.Kill(context.Background())
}

// Restart stops the named session, waits briefly for its port to be
// released by the OS, then re-starts it with the given config (which
// must carry the same Name).
func (r *Registry) Restart(ctx context.Context, cfg StartConfig) (*Session, error) {
	if err := r.Stop(cfg.Name); err != nil {
		return nil, err
	}
	time.Sleep(500 * time.Millisecond)
	return r.Start(ctx, cfg)
}

// GetForDocumentLanguage resolves (or starts, if autoStart) the session
// for a single language and document context.
func (r *Registry) GetForDocumentLanguage(ctx context.Context, req LanguageRequest) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[req.SessionName]; ok && supervisor.IsAlive(s.PID) {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	if !req.AutoStart {
		return nil, nil
	}

	cfg := StartConfig{
		Name:     req.SessionName,
		Language: req.Language,
		Cwd:      req.Cwd,
		Venv:     req.Venv,
	}

	if req.Async {
		go func() {
			if _, err := r.Start(context.Background(), cfg); err != nil {
				r.log.Warn("async runtime start failed", "language", req.Language, "error", err)
			}
		}()
		return nil, nil
	}

	return r.Start(ctx, cfg)
}

// GetForDocument resolves sessions for every language a document needs,
// per resolver.Resolve's decision, starting each as needed.
func (r *Registry) GetForDocument(ctx context.Context, resolver ProjectConfigResolver, docPath string, projectConfig, frontmatter map[string]any, projectRoot string) (map[string]*Session, error) {
	requests := resolver.Resolve(docPath, projectConfig, frontmatter, projectRoot)
	result := make(map[string]*Session, len(requests))
	for _, req := range requests {
		session, err := r.GetForDocumentLanguage(ctx, req)
		if err != nil {
			return result, err
		}
		if session != nil {
			result[req.Language] = session
		}
	}
	return result, nil
}
