// Package supervisor spawns and tracks child processes on behalf of
// the higher-level registries (runtime servers, sync servers, the
// terminal server, the AI inference server). It streams child stdio to
// a structured logger, tracks PID liveness, kills process trees, and
// publishes events when a supervised child exits without being asked to.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Descriptor describes a child process to spawn.
type Descriptor struct {
	// Name identifies this child in logs and exit events (e.g. a
	// sync server's project dir hash, or a runtime session name).
	Name string
	Path string
	Args []string
	Dir  string
	Env  []string
}

// ExitInfo is delivered to a Handle's exit callback.
type ExitInfo struct {
	Code     int
	Signal   string
	Expected bool
}

// Handle represents one supervised child process.
type Handle struct {
	Name string
	PID  int

	cmd *exec.Cmd

	mu       sync.Mutex
	expected bool

	onExit func(ExitInfo)
	log    *slog.Logger
}

// Supervisor spawns and owns child processes.
type Supervisor struct {
	log *slog.Logger
}

// New creates a Supervisor that logs through the given logger (or
// slog.Default() if nil).
func New(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log}
}

// Spawn starts a child with stdin piped and stdout/stderr streamed
// line-by-line to the supervisor's logger with a name prefix. onExit is
// invoked exactly once, from a dedicated goroutine, when the child
// process terminates for any reason.
func (s *Supervisor) Spawn(d Descriptor, onExit func(ExitInfo)) (*Handle, error) {
	cmd := exec.Command(d.Path, d.Args...)
	if d.Dir != "" {
		cmd.Dir = d.Dir
	}
	if len(d.Env) > 0 {
		cmd.Env = append(os.Environ(), d.Env...)
	}
	setProcessGroup(cmd)

	h := &Handle{
		Name:   d.Name,
		cmd:    cmd,
		onExit: onExit,
		log:    s.log.With("child", d.Name),
	}

	// The write end stays with cmd and is closed once Wait returns.
	if _, err := cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", d.Name, err)
	}
	cmd.Stdout = &linePrefixWriter{log: h.log, stream: "stdout"}
	cmd.Stderr = &linePrefixWriter{log: h.log, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", d.Name, err)
	}
	h.PID = cmd.Process.Pid
	h.log.Info("spawned child", "pid", h.PID, "path", d.Path)

	go h.wait()

	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	expected := h.expected
	h.mu.Unlock()

	info := ExitInfo{Expected: expected}
	if err == nil {
		info.Code = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				info.Signal = status.Signal().String()
				info.Code = -1
			} else {
				info.Code = status.ExitStatus()
			}
		} else {
			info.Code = exitErr.ExitCode()
		}
	} else {
		info.Code = -1
	}

	h.log.Info("child exited", "code", info.Code, "signal", info.Signal, "expected", info.Expected)

	if h.onExit != nil {
		h.onExit(info)
	}
}

// MarkExpectedExit flags that the next exit of this child was
// deliberately requested, so the exit callback can distinguish a
// planned shutdown from a crash.
func (h *Handle) MarkExpectedExit() {
	h.mu.Lock()
	h.expected = true
	h.mu.Unlock()
}

// Kill sends SIGTERM to the child's process group (or the process
// itself on platforms without process groups), falling back to
// SIGKILL if it hasn't exited after the grace period. Idempotent.
func (h *Handle) Kill(ctx context.Context) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		h.cmd.Wait()
		close(done)
	}()

	killProcessGroup(h.cmd, syscall.SIGTERM)

	grace := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < grace && remaining > 0 {
			grace = remaining
		}
	}

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		killProcessGroup(h.cmd, syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return nil
	}
}

// IsAlive performs a zero-signal probe against pid.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "windows" {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return false
		}
		return proc.Signal(syscall.Signal(0)) == nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func setProcessGroup(cmd *exec.Cmd) {
	if runtime.GOOS == "windows" {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		cmd.Process.Kill()
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		syscall.Kill(-pgid, sig)
		return
	}
	cmd.Process.Signal(sig)
}

// linePrefixWriter streams writes to a structured logger one line at a
// time, tagging each with its originating stream (stdout/stderr).
type linePrefixWriter struct {
	log    *slog.Logger
	stream string
	buf    strings.Builder
	mu     sync.Mutex
}

func (w *linePrefixWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		s := w.buf.String()
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(s[:idx], "\r")
		if line != "" {
			w.log.Info(line, "stream", w.stream)
		}
		w.buf.Reset()
		w.buf.WriteString(s[idx+1:])
	}
	return len(p), nil
}
