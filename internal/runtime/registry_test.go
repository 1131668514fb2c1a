package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/markco-dev/machine-agent/internal/supervisor"
)

// echoDescriptor spawns a tiny python3 HTTP listener on the assigned
// port, standing in for a real language runtime server.
func echoDescriptor(language string) *Descriptor {
	return &Descriptor{
		Language:       language,
		StartupTimeout: 5 * time.Second,
		Resolve: func(ctx context.Context, cwd, venv string, port int) (ExecSpec, error) {
			script := fmt.Sprintf(
				"import socket,time\ns=socket.socket()\ns.setsockopt(socket.SOL_SOCKET, socket.SO_REUSEADDR, 1)\ns.bind(('127.0.0.1', %d))\ns.listen(1)\ntime.sleep(30)\n", port)
			return ExecSpec{Path: "python3", Args: []string{"-c", script}}, nil
		},
	}
}

func TestRegistry_StartThenListThenStop(t *testing.T) {
	dir := t.TempDir()
	sup := supervisor.New(nil)
	reg, err := New(dir, sup, []*Descriptor{echoDescriptor("py")}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := reg.Start(ctx, StartConfig{Name: "proj:py:main", Language: "py"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.PID <= 0 || sess.Port <= 0 {
		t.Fatalf("expected a live session, got %+v", sess)
	}

	again, err := reg.Start(ctx, StartConfig{Name: "proj:py:main", Language: "py"})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if again.PID != sess.PID {
		t.Fatal("expected Start to return the already-running session, not spawn a second one")
	}

	sessions := reg.List("")
	if len(sessions) != 1 {
		t.Fatalf("expected 1 live session, got %d", len(sessions))
	}

	if err := reg.Stop("proj:py:main"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(reg.List("")) != 0 {
		t.Fatal("expected no sessions after Stop")
	}

	// Idempotent: stopping an already-stopped session is a no-op success.
	if err := reg.Stop("proj:py:main"); err != nil {
		t.Fatalf("second Stop should be idempotent, got: %v", err)
	}
}

func TestRegistry_UnknownLanguageFails(t *testing.T) {
	dir := t.TempDir()
	sup := supervisor.New(nil)
	reg, err := New(dir, sup, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = reg.Start(ctx, StartConfig{Name: "proj:cobol:main", Language: "cobol"})
	if err == nil {
		t.Fatal("expected an error for an unregistered language")
	}
}

func TestRegistry_AliasesResolveToSameDescriptor(t *testing.T) {
	d := echoDescriptor("python")
	d.Aliases = []string{"py", "python3"}

	dir := t.TempDir()
	sup := supervisor.New(nil)
	reg, err := New(dir, sup, []*Descriptor{d}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := reg.Start(ctx, StartConfig{Name: "proj:python3:main", Language: "python3"})
	if err != nil {
		t.Fatalf("Start via alias: %v", err)
	}
	if sess.Language != "python3" {
		t.Fatalf("expected session to record the requested alias language, got %q", sess.Language)
	}
	reg.Stop("proj:python3:main")
}

func TestSanitizeName_ReplacesColonsAndSlashes(t *testing.T) {
	got := SanitizeName("myproj:py:a/b")
	want := "myproj-py-a-b"
	if got != want {
		t.Fatalf("SanitizeName(%q) = %q, want %q", "myproj:py:a/b", got, want)
	}
}

func TestNew_ReadoptsLiveSessionsFromDisk(t *testing.T) {
	dir := t.TempDir()
	sup := supervisor.New(nil)
	reg, err := New(dir, sup, []*Descriptor{echoDescriptor("py")}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := reg.Start(ctx, StartConfig{Name: "proj:py:main", Language: "py"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer reg.Stop("proj:py:main")

	// A fresh Registry pointed at the same dir should re-adopt the
	// still-running session without spawning a new process.
	reg2, err := New(dir, sup, []*Descriptor{echoDescriptor("py")}, nil)
	if err != nil {
		t.Fatalf("re-New: %v", err)
	}
	found := reg2.List("")
	if len(found) != 1 || found[0].PID != sess.PID {
		t.Fatalf("expected re-adoption of pid %d, got %+v", sess.PID, found)
	}
}
