// Command mrmd-pty-server is the terminal server supervised by the
// machine agent: it listens on a single port handed to it at spawn
// time and serves one PTY-backed shell session per WebSocket
// connection at /api/pty.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"

	"github.com/creack/pty"
	"nhooyr.io/websocket"
)

func main() {
	port := flag.Int("port", 0, "port to listen on (required)")
	shell := flag.String("shell", "", "shell to run (defaults to $SHELL or /bin/bash)")
	cwd := flag.String("cwd", "", "working directory for the shell")
	flag.Parse()

	if *port == 0 {
		log.Fatal("-port is required")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/pty", func(w http.ResponseWriter, r *http.Request) {
		handleTerminal(w, r, *shell, *cwd)
	})

	addr := "127.0.0.1:" + strconv.Itoa(*port)
	slog.Info("pty server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

// controlMessage is the JSON control-frame shape exchanged over the PTY
// WebSocket: "input" and "resize" travel client→server, "output" and
// "exit" travel server→client.
type controlMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Code int    `json:"code,omitempty"`
}

func handleTerminal(w http.ResponseWriter, r *http.Request, shellPath, cwd string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "terminal closed")

	ctx := r.Context()

	if shellPath == "" {
		shellPath = os.Getenv("SHELL")
	}
	if shellPath == "" {
		shellPath = "/bin/bash"
	}

	cmd := exec.Command(shellPath)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "failed to start shell")
		return
	}
	defer ptmx.Close()
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	go readPTYOutput(ctx, conn, ptmx)
	readWSInput(ctx, conn, ptmx)
}

// readPTYOutput copies shell output to the WebSocket as "output"
// control frames until the PTY closes.
func readPTYOutput(ctx context.Context, conn *websocket.Conn, ptmx *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			msg, merr := json.Marshal(controlMessage{Type: "output", Data: string(buf[:n])})
			if merr == nil {
				_ = conn.Write(ctx, websocket.MessageText, msg)
			}
		}
		if err != nil {
			exitMsg, _ := json.Marshal(controlMessage{Type: "exit"})
			_ = conn.Write(ctx, websocket.MessageText, exitMsg)
			conn.Close(websocket.StatusNormalClosure, "shell exited")
			return
		}
	}
}

// readWSInput dispatches "input" and "resize" control frames from the
// client to the PTY until the connection closes.
func readWSInput(ctx context.Context, conn *websocket.Conn, ptmx *os.File) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "input":
			_, _ = ptmx.Write([]byte(msg.Data))
		case "resize":
			if msg.Rows > 0 && msg.Cols > 0 {
				_ = pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(msg.Rows), Cols: uint16(msg.Cols)})
			}
		}
	}
}
