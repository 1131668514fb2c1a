package bridge

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	startBatchSize     = 8
	startBatchInterval = 250 * time.Millisecond
	idleSweepInterval  = time.Minute
)

// Manager owns every Bridge for a running agent, keyed by document
// name. It staggers bridge start-up so a project with hundreds of
// documents doesn't open hundreds of WebSocket dials in the same
// instant, and periodically tears down bridges that have forwarded
// nothing in a while.
type Manager struct {
	log         *slog.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	bridges  map[string]*Bridge
	pending  []pendingStart
	draining bool

	startTicker *time.Ticker
	idleTicker  *time.Ticker
	stopCh      chan struct{}
}

type pendingStart struct {
	docName string
	cfg     Config
}

// NewManager creates a Manager. idleTimeout defaults to 5 minutes if
// zero.
func NewManager(idleTimeout time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	m := &Manager{
		log:         log,
		idleTimeout: idleTimeout,
		bridges:     make(map[string]*Bridge),
		stopCh:      make(chan struct{}),
	}
	m.startTicker = time.NewTicker(startBatchInterval)
	m.idleTicker = time.NewTicker(idleSweepInterval)
	go m.startLoop()
	go m.idleLoop()
	return m
}

// EnsureBridge queues docName for bridging if it isn't already running
// or queued. It is safe to call repeatedly for the same document; only
// the first call has any effect.
func (m *Manager) EnsureBridge(docName, localURL, remoteURL string, remoteHeaders http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bridges[docName]; ok {
		return
	}
	for _, p := range m.pending {
		if p.docName == docName {
			return
		}
	}

	m.pending = append(m.pending, pendingStart{
		docName: docName,
		cfg: Config{
			DocName:       docName,
			LocalURL:      localURL,
			RemoteURL:     remoteURL,
			RemoteHeaders: remoteHeaders,
			IdleTimeout:   m.idleTimeout,
		},
	})
}

// TeardownBridge stops and forgets the bridge for docName, if any.
func (m *Manager) TeardownBridge(docName string) {
	m.mu.Lock()
	b, ok := m.bridges[docName]
	if ok {
		delete(m.bridges, docName)
	}
	m.mu.Unlock()
	if ok {
		b.Stop()
	}
}

// TeardownProject stops every bridge whose document belongs to
// projectDir, matched by the caller-supplied predicate (document names
// are opaque to Manager; the caller knows how to map one to a
// project).
func (m *Manager) TeardownProject(belongsToProject func(docName string) bool) {
	m.mu.Lock()
	var victims []*Bridge
	for name, b := range m.bridges {
		if belongsToProject(name) {
			victims = append(victims, b)
			delete(m.bridges, name)
		}
	}
	m.mu.Unlock()
	for _, b := range victims {
		b.Stop()
	}
}

// Status returns a snapshot of every running bridge's status.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.bridges))
	for _, b := range m.bridges {
		out = append(out, b.Status())
	}
	return out
}

// Close stops all bridges and background loops.
func (m *Manager) Close() {
	close(m.stopCh)
	m.startTicker.Stop()
	m.idleTicker.Stop()

	m.mu.Lock()
	bridges := m.bridges
	m.bridges = make(map[string]*Bridge)
	m.mu.Unlock()

	for _, b := range bridges {
		b.Stop()
	}
}

func (m *Manager) startLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.startTicker.C:
			m.startNextBatch()
		}
	}
}

func (m *Manager) startNextBatch() {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	n := startBatchSize
	if n > len(m.pending) {
		n = len(m.pending)
	}
	batch := m.pending[:n]
	m.pending = m.pending[n:]

	var toStart []*Bridge
	for _, p := range batch {
		if _, exists := m.bridges[p.docName]; exists {
			continue
		}
		b := New(p.cfg, m.log)
		m.bridges[p.docName] = b
		toStart = append(toStart, b)
	}
	m.mu.Unlock()

	for _, b := range toStart {
		b.Start()
	}
}

func (m *Manager) idleLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.idleTicker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	now := time.Now()
	m.mu.Lock()
	var victims []string
	for name, b := range m.bridges {
		last := b.lastActivity()
		if last.IsZero() {
			continue
		}
		if now.Sub(last) > m.idleTimeout {
			victims = append(victims, name)
		}
	}
	var bridges []*Bridge
	for _, name := range victims {
		bridges = append(bridges, m.bridges[name])
		delete(m.bridges, name)
	}
	m.mu.Unlock()

	for i, b := range bridges {
		m.log.Info("tearing down idle bridge", "doc", victims[i])
		b.Stop()
	}
}
