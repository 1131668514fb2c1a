// Package hostloop implements the Project Host Loop: a periodic scan
// of configured hub roots that discovers projects, pulls missing
// cloud documents, keeps a sync server and bridge registration alive
// per project, and pushes a catalog manifest to the relay.
package hostloop

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/markco-dev/machine-agent/internal/syncpool"
)

const (
	manifestFile       = "mrmd.md"
	catalogPushTimeout = 15 * time.Second
	pullDocsTimeout    = 30 * time.Second
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
}

// Config holds the loop's static configuration, resolved at startup
// from the MRMD_*/MARKCO_* environment variables and the settings file
// (UserID, Token).
type Config struct {
	HubRoots       []string
	CloudURL       string
	UserID         string
	Token          string
	MachineID      string
	MachineName    string
	Hostname       string
	Capabilities   []string
	RescanInterval time.Duration
}

// projectInfo is the loop's in-memory record of a discovered project,
// looked up by the Tunnel Provider when it needs the local sync port
// to satisfy a bridge-request.
type projectInfo struct {
	dir  string
	port int
}

// catalogEntry mirrors the relay's manifest entry shape.
type catalogEntry struct {
	Project string `json:"project"`
	DocPath string `json:"docPath"`
}

type catalogPayload struct {
	MachineName  string         `json:"machineName"`
	Hostname     string         `json:"hostname"`
	Capabilities []string       `json:"capabilities"`
	Entries      []catalogEntry `json:"entries"`
}

type remoteDocument struct {
	DocPath string `json:"docPath"`
	Content string `json:"content"`
}

type remoteDocumentsResponse struct {
	Documents []remoteDocument `json:"documents"`
}

// Loop runs the periodic project scan.
type Loop struct {
	cfg        Config
	pool       *syncpool.Pool
	httpClient *http.Client
	log        *slog.Logger

	fsWatcher *fsnotify.Watcher
	rescanCh  chan struct{}

	mu       sync.Mutex
	projects map[string]*projectInfo // keyed by project name
}

// New creates a Loop. pool is used to acquire a sync server per
// discovered project.
func New(cfg Config, pool *syncpool.Pool, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = 30 * time.Second
	}
	l := &Loop{
		cfg:        cfg,
		pool:       pool,
		httpClient: &http.Client{Timeout: catalogPushTimeout},
		log:        log,
		rescanCh:   make(chan struct{}, 1),
		projects:   make(map[string]*projectInfo),
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify unavailable, falling back to poll-only scanning", "error", err)
	} else {
		l.fsWatcher = fsWatcher
		for _, root := range cfg.HubRoots {
			if err := fsWatcher.Add(root); err != nil {
				log.Warn("failed to watch hub root", "root", root, "error", err)
			}
		}
		go l.watchLoop()
	}

	return l
}

// watchLoop triggers an out-of-cycle rescan when fsnotify observes a
// new directory under a hub root. It is a coarse signal only; the
// periodic ticker in Run is the source of truth.
func (l *Loop) watchLoop() {
	for event := range l.fsWatcher.Events {
		if event.Op&fsnotify.Create != 0 {
			select {
			case l.rescanCh <- struct{}{}:
			default:
			}
		}
	}
}

// Run scans immediately, then every RescanInterval, until ctx is
// canceled.
func (l *Loop) Run(ctx context.Context) {
	l.scanOnce(ctx)

	ticker := time.NewTicker(l.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.fsWatcher != nil {
				l.fsWatcher.Close()
			}
			l.releaseAll()
			return
		case <-ticker.C:
			l.scanOnce(ctx)
		case <-l.rescanCh:
			l.scanOnce(ctx)
		}
	}
}

// releaseAll balances the persistent per-project references held while
// the hub was active.
func (l *Loop) releaseAll() {
	l.mu.Lock()
	projects := l.projects
	l.projects = make(map[string]*projectInfo)
	l.mu.Unlock()

	for name, p := range projects {
		if err := l.pool.Release(p.dir); err != nil {
			l.log.Warn("failed to release sync server", "project", name, "error", err)
		}
	}
}

// LookupProject returns the local sync port for a project name, used
// by the Tunnel Provider's bridge-request handler.
func (l *Loop) LookupProject(name string) (dir string, port int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, exists := l.projects[name]
	if !exists {
		return "", 0, false
	}
	return p.dir, p.port, true
}

func (l *Loop) scanOnce(ctx context.Context) {
	var entries []catalogEntry

	for _, root := range l.cfg.HubRoots {
		projects, err := discoverProjects(root)
		if err != nil {
			l.log.Warn("failed to scan hub root", "root", root, "error", err)
			continue
		}
		for _, proj := range projects {
			projEntries := l.processProject(ctx, proj.name, proj.dir)
			entries = append(entries, projEntries...)
		}
	}

	l.pushCatalog(ctx, entries)
}

type discoveredProject struct {
	name string
	dir  string
}

// discoverProjects finds projects under root: the root itself if it
// carries the manifest file, otherwise its immediate subdirectories
// that do.
func discoverProjects(root string) ([]discoveredProject, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("hub root %s is not a directory", root)
	}

	if _, err := os.Stat(filepath.Join(root, manifestFile)); err == nil {
		return []discoveredProject{{name: filepath.Base(root), dir: root}}, nil
	}

	children, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var out []discoveredProject
	for _, c := range children {
		if !c.IsDir() {
			continue
		}
		dir := filepath.Join(root, c.Name())
		if _, err := os.Stat(filepath.Join(dir, manifestFile)); err == nil {
			out = append(out, discoveredProject{name: c.Name(), dir: dir})
		}
	}
	return out, nil
}

func (l *Loop) processProject(ctx context.Context, name, dir string) []catalogEntry {
	l.pullMissingDocuments(ctx, name, dir)

	// Hold exactly one persistent reference per project while the hub is
	// active. A repeat scan only re-acquires if the pool lost its entry
	// (the server died or was released elsewhere).
	if existing := l.pool.Get(dir); existing != nil {
		l.mu.Lock()
		_, known := l.projects[name]
		l.mu.Unlock()
		if known {
			return enumerateCatalog(name, dir)
		}
	}

	server, err := l.pool.Acquire(ctx, dir)
	if err != nil {
		l.log.Warn("failed to acquire sync server for project", "project", name, "error", err)
		return nil
	}

	l.mu.Lock()
	l.projects[name] = &projectInfo{dir: dir, port: server.Port}
	l.mu.Unlock()

	return enumerateCatalog(name, dir)
}

func (l *Loop) pullMissingDocuments(ctx context.Context, name, dir string) {
	reqCtx, cancel := context.WithTimeout(ctx, pullDocsTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/sync/documents?project=%s&content=1", l.cfg.CloudURL, name)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+l.cfg.Token)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		l.log.Warn("failed to fetch cloud documents", "project", name, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var body remoteDocumentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		l.log.Warn("failed to decode cloud documents response", "project", name, "error", err)
		return
	}

	for _, doc := range body.Documents {
		localPath := filepath.Join(dir, doc.DocPath+".md")
		if _, err := os.Stat(localPath); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			l.log.Warn("failed to create directory for pulled document", "path", localPath, "error", err)
			continue
		}
		if err := os.WriteFile(localPath, []byte(doc.Content), 0o644); err != nil {
			l.log.Warn("failed to write pulled document", "path", localPath, "error", err)
		}
	}
}

func enumerateCatalog(project, dir string) []catalogEntry {
	var entries []catalogEntry
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		base := d.Name()
		if d.IsDir() {
			if base != "." && (strings.HasPrefix(base, ".") || skipDirs[base]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(base, ".") {
			return nil
		}
		ext := filepath.Ext(base)
		if ext != ".md" && ext != ".qmd" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		docPath := strings.TrimSuffix(rel, ext)
		entries = append(entries, catalogEntry{Project: project, DocPath: filepath.ToSlash(docPath)})
		return nil
	})
	return entries
}

func (l *Loop) pushCatalog(ctx context.Context, entries []catalogEntry) {
	payload := catalogPayload{
		MachineName:  l.cfg.MachineName,
		Hostname:     l.cfg.Hostname,
		Capabilities: l.cfg.Capabilities,
		Entries:      entries,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, catalogPushTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/catalog/%s/%s", l.cfg.CloudURL, l.cfg.UserID, l.cfg.MachineID)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, strings.NewReader(string(data)))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.cfg.Token)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		l.log.Warn("failed to push catalog manifest", "error", err)
		return
	}
	resp.Body.Close()
}
