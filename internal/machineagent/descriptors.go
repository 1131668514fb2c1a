package machineagent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/markco-dev/machine-agent/internal/runtime"
)

// defaultDescriptors returns the language runtimes this agent knows
// how to start, plus the two non-language servers (terminal, AI
// inference) that are spawned and port-waited the same way a language
// runtime is; only their ExtraInfo hook differs (a PTY session
// surfaces a WebSocket URL alongside its port).
func defaultDescriptors() []*runtime.Descriptor {
	return []*runtime.Descriptor{
		pythonDescriptor(),
		rDescriptor(),
		juliaDescriptor(),
		ptyDescriptor(),
		aiDescriptor(),
	}
}

func pythonDescriptor() *runtime.Descriptor {
	return &runtime.Descriptor{
		Language:       "python",
		Aliases:        []string{"py", "python3"},
		StartupTimeout: runtime.DefaultStartupTimeout,
		Resolve: func(ctx context.Context, cwd, venv string, port int) (runtime.ExecSpec, error) {
			python := "python3"
			if venv != "" {
				python = filepath.Join(venv, "bin", "python3")
			}
			path, err := exec.LookPath(python)
			if err != nil {
				return runtime.ExecSpec{}, fmt.Errorf("python3 not found: %w", err)
			}
			return runtime.ExecSpec{Path: path, Args: []string{"-m", "mrmd_runtime", "--port", strconv.Itoa(port)}}, nil
		},
		Validate: func(ctx context.Context) (runtime.Availability, error) {
			if _, err := exec.LookPath("python3"); err != nil {
				return runtime.Availability{Available: false, Reason: "python3 not found on PATH"}, nil
			}
			return runtime.Availability{Available: true}, nil
		},
	}
}

func rDescriptor() *runtime.Descriptor {
	return &runtime.Descriptor{
		Language:       "r",
		StartupTimeout: runtime.DefaultStartupTimeout,
		Resolve: func(ctx context.Context, cwd, venv string, port int) (runtime.ExecSpec, error) {
			path, err := exec.LookPath("Rscript")
			if err != nil {
				return runtime.ExecSpec{}, fmt.Errorf("Rscript not found: %w", err)
			}
			return runtime.ExecSpec{Path: path, Args: []string{"-e", fmt.Sprintf("mrmdRuntime::serve(port=%d)", port)}}, nil
		},
		Validate: func(ctx context.Context) (runtime.Availability, error) {
			if _, err := exec.LookPath("Rscript"); err != nil {
				return runtime.Availability{Available: false, Reason: "Rscript not found on PATH"}, nil
			}
			return runtime.Availability{Available: true}, nil
		},
	}
}

// juliaDescriptor has a much longer startup timeout: Julia's JIT
// warmup on first load routinely takes 30-50s.
func juliaDescriptor() *runtime.Descriptor {
	return &runtime.Descriptor{
		Language:       "julia",
		StartupTimeout: 60 * time.Second,
		Resolve: func(ctx context.Context, cwd, venv string, port int) (runtime.ExecSpec, error) {
			path, err := exec.LookPath("julia")
			if err != nil {
				return runtime.ExecSpec{}, fmt.Errorf("julia not found: %w", err)
			}
			expr := fmt.Sprintf("using MrmdRuntime; MrmdRuntime.serve(%d)", port)
			return runtime.ExecSpec{Path: path, Args: []string{"-e", expr}}, nil
		},
		Validate: func(ctx context.Context) (runtime.Availability, error) {
			if _, err := exec.LookPath("julia"); err != nil {
				return runtime.Availability{Available: false, Reason: "julia not found on PATH"}, nil
			}
			return runtime.Availability{Available: true}, nil
		},
	}
}

// ptyDescriptor spawns the terminal server (cmd/mrmd-pty-server). Its
// ExtraInfo contributes the PTY WebSocket URL consumers dial for
// interactive shell sessions.
func ptyDescriptor() *runtime.Descriptor {
	return &runtime.Descriptor{
		Language:       "pty",
		StartupTimeout: runtime.DefaultStartupTimeout,
		Resolve: func(ctx context.Context, cwd, venv string, port int) (runtime.ExecSpec, error) {
			path, err := resolveSiblingBinary("MRMD_PTY_SERVER_PATH", "mrmd-pty-server")
			if err != nil {
				return runtime.ExecSpec{}, err
			}
			args := []string{"--port", strconv.Itoa(port)}
			if cwd != "" {
				args = append(args, "--cwd", cwd)
			}
			return runtime.ExecSpec{Path: path, Args: args}, nil
		},
		ExtraInfo: func(session *runtime.Session) map[string]any {
			return map[string]any{"wsUrl": fmt.Sprintf("ws://127.0.0.1:%d/api/pty", session.Port)}
		},
	}
}

// aiDescriptor spawns the local AI inference server. It has no
// ExtraInfo: consumers reach it through session.BaseURL like any other
// runtime, via the tunnel's HTTP proxy.
func aiDescriptor() *runtime.Descriptor {
	return &runtime.Descriptor{
		Language:       "ai",
		StartupTimeout: 30 * time.Second,
		Resolve: func(ctx context.Context, cwd, venv string, port int) (runtime.ExecSpec, error) {
			path := os.Getenv("MRMD_AI_SERVER_PATH")
			if path == "" {
				return runtime.ExecSpec{}, fmt.Errorf("MRMD_AI_SERVER_PATH not set")
			}
			return runtime.ExecSpec{Path: path, Args: []string{"--port", strconv.Itoa(port)}}, nil
		},
		Validate: func(ctx context.Context) (runtime.Availability, error) {
			if os.Getenv("MRMD_AI_SERVER_PATH") == "" {
				return runtime.Availability{Available: false, Reason: "MRMD_AI_SERVER_PATH not configured"}, nil
			}
			return runtime.Availability{Available: true}, nil
		},
	}
}

// resolveSiblingBinary resolves a helper executable in both the dev and
// packaged layouts: an explicit env override wins; otherwise prefer a
// binary installed alongside this agent's own executable (the packaged
// app), falling back to PATH (the dev layout, where helper binaries
// are built separately and left on PATH).
func resolveSiblingBinary(envOverride, name string) (string, error) {
	if p := os.Getenv(envOverride); p != "" {
		return p, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), name)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found next to agent executable or on PATH: %w", name, err)
	}
	return path, nil
}
