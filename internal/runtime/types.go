// Package runtime implements the Runtime Registry: per-language
// descriptors resolve a session name to a live, supervised language
// runtime process, with an on-disk mirror so restarts can re-adopt
// still-running sessions.
package runtime

import (
	"context"
	"strings"
	"time"
)

// DefaultStartupTimeout is used when a Descriptor doesn't set one.
const DefaultStartupTimeout = 10 * time.Second

// ExecSpec is what a Descriptor's resolver produces: either a direct
// executable path + argv, or a wrapped invocation through a
// package-runner tool (npx/uvx-style), the caller doesn't need to know
// which.
type ExecSpec struct {
	Path string
	Args []string
}

// Availability is the result of a Descriptor's Validate hook.
type Availability struct {
	Available bool
	Reason    string
}

// Descriptor is the static, per-language configuration registered at
// startup.
type Descriptor struct {
	// Language is the canonical key (e.g. "python"); Aliases are
	// additional keys that resolve to the same descriptor (e.g. "py",
	// "python3").
	Language string
	Aliases  []string

	// StartupTimeout bounds how long Start waits for the port to open.
	StartupTimeout time.Duration

	// Resolve produces the executable + args to spawn on the already-
	// allocated port. Called fresh on every Start so it can react to
	// per-session Cwd/Venv overrides.
	Resolve func(ctx context.Context, cwd, venv string, port int) (ExecSpec, error)

	// EnvOverlay is appended to the spawned child's environment.
	EnvOverlay []string

	// WorkDir overrides the working directory the child is spawned in;
	// if empty, the session's Cwd is used.
	WorkDir string

	// PreStart runs before every start attempt (e.g. installing a
	// language-side helper into a venv). Must be idempotent and must
	// fail loudly if its own post-condition isn't met.
	PreStart func(ctx context.Context, cwd, venv string) error

	// Validate reports whether this language runtime can run at all on
	// this machine.
	Validate func(ctx context.Context) (Availability, error)

	// ExtraInfo contributes additional fields to a freshly started
	// session's Extra map (e.g. a PTY descriptor adding a WebSocket URL).
	ExtraInfo func(session *Session) map[string]any
}

// Session is the runtime-created record for one live language runtime
// process.
type Session struct {
	Name      string         `json:"name"`
	Language  string         `json:"language"`
	PID       int            `json:"pid"`
	Port      int            `json:"port"`
	BaseURL   string         `json:"baseUrl"`
	WorkDir   string         `json:"workDir"`
	Venv      string         `json:"venv,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// StartConfig is the input to Start.
type StartConfig struct {
	// Name is the fully qualified session name, "{project}:{language}:{sessionName}".
	Name     string
	Language string
	Cwd      string
	Venv     string
}

// SanitizeName replaces the characters that can't appear in a filename
// ( ':' and '/' ) with '-', producing the on-disk session-mirror
// filename.
func SanitizeName(name string) string {
	r := strings.NewReplacer(":", "-", "/", "-")
	return r.Replace(name)
}

// ProjectConfigResolver is the external project-config merger that
// GetForDocument relies on: given a document and project context, it
// decides, per supported language, what session name to use and
// whether to auto-start it.
type ProjectConfigResolver interface {
	// Resolve returns one entry per language this document needs a
	// runtime for.
	Resolve(docPath string, projectConfig, frontmatter map[string]any, projectRoot string) []LanguageRequest
}

// LanguageRequest is one language's resolved session request.
type LanguageRequest struct {
	Language    string
	SessionName string
	AutoStart   bool
	Cwd         string
	Venv        string
	// Async, when true (Julia), means Start should be kicked off in a
	// background goroutine rather than blocking the caller.
	Async bool
}
