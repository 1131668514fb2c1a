// Package tunnel implements the Tunnel Provider: a single long-lived
// WebSocket to the relay that multiplexes runtime lookups, HTTP proxy
// traffic, and WebSocket session proxying over JSON frames keyed by
// id.
package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/markco-dev/machine-agent/internal/runtime"
	"nhooyr.io/websocket"
)

const (
	reconnectDelay  = 5 * time.Second
	httpChunkSize   = 32 * 1024
	readLimit       = 10 * 1024 * 1024
	writeTimeout    = 10 * time.Second
	httpRequestTTL  = 60 * time.Second
	localDialHeader = "http://127.0.0.1:%d%s"
	localWSHeader   = "ws://127.0.0.1:%d%s"
)

// Config identifies this machine to the relay.
type Config struct {
	RelayBaseWS  string
	UserID       string
	Token        string
	MachineID    string
	MachineName  string
	Hostname     string
	Capabilities []string
}

// VoiceTranscriber is an optional capability; nil disables the
// voice-transcribe message kind.
type VoiceTranscriber interface {
	Transcribe(ctx context.Context, audioBase64, mimeType, url string) (string, error)
}

// inMessage is the flat union of every field any inbound message kind
// may carry.
type inMessage struct {
	Type         string            `json:"type"`
	ID           string            `json:"id,omitempty"`
	Language     string            `json:"language,omitempty"`
	Name         string            `json:"name,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	Venv         string            `json:"venv,omitempty"`
	DocumentPath string            `json:"documentPath,omitempty"`
	ProjectRoot  string            `json:"projectRoot,omitempty"`
	Port         int               `json:"port,omitempty"`
	Method       string            `json:"method,omitempty"`
	Path         string            `json:"path,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	Data         string            `json:"data,omitempty"`
	Bin          bool              `json:"bin,omitempty"`
	Code         int               `json:"code,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Project      string            `json:"project,omitempty"`
	DocPath      string            `json:"docPath,omitempty"`
	AudioBase64  string            `json:"audioBase64,omitempty"`
	MimeType     string            `json:"mimeType,omitempty"`
	URL          string            `json:"url,omitempty"`
}

// outMessage is the flat union of every field any outbound message
// kind may carry.
type outMessage struct {
	Type         string            `json:"type"`
	ID           string            `json:"id,omitempty"`
	RequestID    string            `json:"requestId,omitempty"`
	Language     string            `json:"language,omitempty"`
	Runtimes     interface{}       `json:"runtimes,omitempty"`
	Error        string            `json:"error,omitempty"`
	Status       int               `json:"status,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Data         string            `json:"data,omitempty"`
	Bin          bool              `json:"bin,omitempty"`
	Code         int               `json:"code,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Result       string            `json:"result,omitempty"`
	MachineID    string            `json:"machineId,omitempty"`
	MachineName  string            `json:"machineName,omitempty"`
	Hostname     string            `json:"hostname,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

type httpSession struct {
	cancel context.CancelFunc
}

type wsQueuedMsg struct {
	data string
	bin  bool
}

type wsSession struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	ready   bool
	pending []wsQueuedMsg
}

// Provider owns the multiplexed tunnel connection.
type Provider struct {
	cfg      Config
	registry *runtime.Registry
	log      *slog.Logger
	voice    VoiceTranscriber

	onBridgeRequest func(project, docPath string)

	mu   sync.Mutex
	conn *websocket.Conn

	httpMu   sync.Mutex
	httpSess map[string]*httpSession

	wsMu   sync.Mutex
	wsSess map[string]*wsSession

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Provider. registry resolves runtime lookups; the
// caller wires OnBridgeRequest and SetVoiceTranscriber afterward if
// needed.
func New(cfg Config, registry *runtime.Registry, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		cfg:      cfg,
		registry: registry,
		log:      log,
		httpSess: make(map[string]*httpSession),
		wsSess:   make(map[string]*wsSession),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnBridgeRequest wires the handler invoked for bridge-request frames.
func (p *Provider) OnBridgeRequest(fn func(project, docPath string)) {
	p.onBridgeRequest = fn
}

// SetVoiceTranscriber wires the optional voice-transcribe capability.
func (p *Provider) SetVoiceTranscriber(v VoiceTranscriber) {
	p.voice = v
}

// Run connects and services the tunnel until ctx is canceled,
// reconnecting after a fixed delay on every disconnect.
func (p *Provider) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		p.Close()
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if err := p.connectAndServe(); err != nil {
			p.log.Warn("tunnel connection failed", "error", err)
		}

		p.abortAllSessions()

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Close tears down the tunnel connection and stops Run's reconnect
// loop.
func (p *Provider) Close() {
	p.cancel()
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "tunnel closing")
	}
}

func (p *Provider) buildURL() (string, error) {
	base, err := url.Parse(p.cfg.RelayBaseWS)
	if err != nil {
		return "", err
	}
	base.Path = fmt.Sprintf("/tunnel/%s", p.cfg.UserID)
	q := base.Query()
	q.Set("role", "provider")
	q.Set("token", p.cfg.Token)
	q.Set("machine_id", p.cfg.MachineID)
	q.Set("machine_name", p.cfg.MachineName)
	q.Set("hostname", p.cfg.Hostname)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (p *Provider) connectAndServe() error {
	tunnelURL, err := p.buildURL()
	if err != nil {
		return fmt.Errorf("build tunnel url: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.cfg.Token)

	conn, _, err := websocket.Dial(p.ctx, tunnelURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("dial tunnel: %w", err)
	}
	conn.SetReadLimit(readLimit)

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	p.log.Info("tunnel connected")
	p.send(outMessage{
		Type:         "provider-info",
		MachineID:    p.cfg.MachineID,
		MachineName:  p.cfg.MachineName,
		Hostname:     p.cfg.Hostname,
		Capabilities: p.cfg.Capabilities,
	})

	for {
		_, data, err := conn.Read(p.ctx)
		if err != nil {
			p.mu.Lock()
			p.conn = nil
			p.mu.Unlock()
			return err
		}

		var msg inMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.log.Warn("malformed tunnel frame", "error", err)
			continue
		}

		// ws-open must register its session map entry before the read
		// loop advances to the next frame: relay traffic routinely
		// sends ws-msg immediately after ws-open for the same id, and
		// both are dispatched onto their own goroutine with no
		// ordering between them otherwise, which would race the
		// message against its own session's creation.
		if msg.Type == "ws-open" {
			p.dispatchWSOpen(msg)
			continue
		}
		go p.dispatch(msg)
	}
}

func (p *Provider) send(msg outMessage) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn("failed to marshal tunnel message", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		p.log.Warn("failed to write tunnel message", "error", err)
	}
}

func (p *Provider) dispatch(msg inMessage) {
	switch msg.Type {
	case "list-runtimes":
		p.handleListRuntimes(msg)
	case "start-runtime":
		p.handleStartRuntime(msg)
	case "stop-runtime":
		p.handleStopRuntime(msg)
	case "restart-runtime":
		p.handleRestartRuntime(msg)
	case "http-req":
		p.handleHTTPRequest(msg)
	case "ws-msg":
		p.handleWSMessage(msg)
	case "ws-close":
		p.handleWSClose(msg)
	case "bridge-request":
		if p.onBridgeRequest != nil {
			p.onBridgeRequest(msg.Project, msg.DocPath)
		}
	case "voice-transcribe":
		p.handleVoiceTranscribe(msg)
	default:
		p.log.Debug("unknown tunnel message type", "type", msg.Type)
	}
}

func (p *Provider) handleListRuntimes(msg inMessage) {
	sessions := p.registry.List(msg.Language)
	p.send(outMessage{Type: "runtimes-list", ID: msg.ID, Runtimes: sessions})
}

func buildSessionName(projectRoot, language, name string) string {
	if projectRoot == "" {
		return fmt.Sprintf("%s:%s", language, name)
	}
	return fmt.Sprintf("%s:%s:%s", projectRoot, language, name)
}

func (p *Provider) handleStartRuntime(msg inMessage) {
	name := msg.Name
	if name == "" {
		name = "default"
	}
	cfg := runtime.StartConfig{
		Name:     runtime.SanitizeName(buildSessionName(msg.ProjectRoot, msg.Language, name)),
		Language: msg.Language,
		Cwd:      msg.Cwd,
		Venv:     msg.Venv,
	}

	// Julia's JIT warmup can outlast the inline start budget, so Julia
	// starts in the background with a longer deadline and its result
	// arrives later as a runtime-update frame; every other language
	// replies inline with runtime-started.
	if msg.Language == "julia" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
			defer cancel()
			sess, err := p.registry.Start(ctx, cfg)
			if err != nil {
				p.send(outMessage{Type: "runtime-error", ID: msg.ID, Error: err.Error()})
				return
			}
			p.send(outMessage{
				Type:      "runtime-update",
				RequestID: msg.ID,
				Language:  msg.Language,
				Runtimes:  map[string]*runtime.Session{msg.Language: sess},
			})
		}()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), runtime.DefaultStartupTimeout+5*time.Second)
	defer cancel()
	sess, err := p.registry.Start(ctx, cfg)
	if err != nil {
		p.send(outMessage{Type: "runtime-error", ID: msg.ID, Error: err.Error()})
		return
	}
	p.send(outMessage{
		Type:     "runtime-started",
		ID:       msg.ID,
		Runtimes: map[string]*runtime.Session{msg.Language: sess},
	})
}

func (p *Provider) handleStopRuntime(msg inMessage) {
	if err := p.registry.Stop(msg.Name); err != nil {
		p.send(outMessage{Type: "runtime-error", ID: msg.ID, Error: err.Error()})
	}
}

func (p *Provider) handleRestartRuntime(msg inMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), runtime.DefaultStartupTimeout+5*time.Second)
	defer cancel()
	_, err := p.registry.Restart(ctx, runtime.StartConfig{Name: msg.Name})
	if err != nil {
		p.send(outMessage{Type: "runtime-error", ID: msg.ID, Error: err.Error()})
	}
}

// handleHTTPRequest proxies one request/response to a local runtime or
// dev server port, streaming the body back as base64 chunks.
func (p *Provider) handleHTTPRequest(msg inMessage) {
	ctx, cancel := context.WithTimeout(p.ctx, httpRequestTTL)

	p.httpMu.Lock()
	p.httpSess[msg.ID] = &httpSession{cancel: cancel}
	p.httpMu.Unlock()

	defer func() {
		p.httpMu.Lock()
		delete(p.httpSess, msg.ID)
		p.httpMu.Unlock()
		cancel()
	}()

	var body io.Reader
	if msg.Body != "" {
		raw, err := base64.StdEncoding.DecodeString(msg.Body)
		if err != nil {
			p.send(outMessage{Type: "http-error", ID: msg.ID, Error: "invalid request body encoding"})
			return
		}
		body = &byteReader{raw}
	}

	localURL := fmt.Sprintf(localDialHeader, msg.Port, msg.Path)
	req, err := http.NewRequestWithContext(ctx, msg.Method, localURL, body)
	if err != nil {
		p.send(outMessage{Type: "http-error", ID: msg.ID, Error: err.Error()})
		return
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		p.send(outMessage{Type: "http-error", ID: msg.ID, Error: err.Error()})
		return
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	p.send(outMessage{Type: "http-res", ID: msg.ID, Status: resp.StatusCode, Headers: headers})

	buf := make([]byte, httpChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			p.send(outMessage{Type: "http-chunk", ID: msg.ID, Data: base64.StdEncoding.EncodeToString(buf[:n])})
		}
		if err == io.EOF {
			p.send(outMessage{Type: "http-end", ID: msg.ID})
			return
		}
		if err != nil {
			p.send(outMessage{Type: "http-error", ID: msg.ID, Error: err.Error()})
			return
		}
	}
}

type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// dispatchWSOpen registers msg.ID's session entry synchronously (so a
// ws-msg or ws-close for the same id arriving right behind it always
// finds it), then continues the slow local dial on its own goroutine.
func (p *Provider) dispatchWSOpen(msg inMessage) {
	p.wsMu.Lock()
	if _, exists := p.wsSess[msg.ID]; exists {
		p.wsMu.Unlock()
		p.send(outMessage{Type: "ws-error", ID: msg.ID, Error: "duplicate session id"})
		return
	}
	sess := &wsSession{}
	p.wsSess[msg.ID] = sess
	p.wsMu.Unlock()

	go p.handleWSOpen(msg, sess)
}

func (p *Provider) handleWSOpen(msg inMessage, sess *wsSession) {
	localURL := fmt.Sprintf(localWSHeader, msg.Port, msg.Path)
	conn, _, err := websocket.Dial(p.ctx, localURL, nil)
	if err != nil {
		p.wsMu.Lock()
		delete(p.wsSess, msg.ID)
		p.wsMu.Unlock()
		p.send(outMessage{Type: "ws-close", ID: msg.ID, Reason: err.Error()})
		return
	}

	sess.mu.Lock()
	sess.conn = conn
	sess.ready = true
	queued := sess.pending
	sess.pending = nil
	sess.mu.Unlock()

	p.send(outMessage{Type: "ws-opened", ID: msg.ID})
	for _, m := range queued {
		p.writeLocalWS(conn, m.data, m.bin)
	}

	go p.wsReadLoop(msg.ID, conn)
}

func (p *Provider) wsReadLoop(id string, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(p.ctx)
		if err != nil {
			p.wsMu.Lock()
			delete(p.wsSess, id)
			p.wsMu.Unlock()
			closed := outMessage{Type: "ws-close", ID: id}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				closed.Code = int(ce.Code)
				closed.Reason = ce.Reason
			}
			p.send(closed)
			return
		}
		bin := typ == websocket.MessageBinary
		encoded := string(data)
		if bin {
			encoded = base64.StdEncoding.EncodeToString(data)
		}
		p.send(outMessage{Type: "ws-msg", ID: id, Data: encoded, Bin: bin})
	}
}

func (p *Provider) handleWSMessage(msg inMessage) {
	p.wsMu.Lock()
	sess, ok := p.wsSess[msg.ID]
	p.wsMu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if !sess.ready {
		sess.pending = append(sess.pending, wsQueuedMsg{data: msg.Data, bin: msg.Bin})
		sess.mu.Unlock()
		return
	}
	conn := sess.conn
	sess.mu.Unlock()

	p.writeLocalWS(conn, msg.Data, msg.Bin)
}

func (p *Provider) writeLocalWS(conn *websocket.Conn, data string, bin bool) {
	typ := websocket.MessageText
	payload := []byte(data)
	if bin {
		typ = websocket.MessageBinary
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return
		}
		payload = decoded
	}
	ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(ctx, typ, payload)
}

func (p *Provider) handleWSClose(msg inMessage) {
	p.wsMu.Lock()
	sess, ok := p.wsSess[msg.ID]
	delete(p.wsSess, msg.ID)
	p.wsMu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	conn := sess.conn
	sess.mu.Unlock()
	if conn != nil {
		status := websocket.StatusNormalClosure
		if msg.Code != 0 {
			status = websocket.StatusCode(msg.Code)
		}
		conn.Close(status, msg.Reason)
	}
}

func (p *Provider) handleVoiceTranscribe(msg inMessage) {
	if p.voice == nil {
		p.send(outMessage{Type: "voice-result", ID: msg.ID, Error: "voice transcription not available on this machine"})
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, 60*time.Second)
	defer cancel()
	result, err := p.voice.Transcribe(ctx, msg.AudioBase64, msg.MimeType, msg.URL)
	if err != nil {
		p.send(outMessage{Type: "voice-result", ID: msg.ID, Error: err.Error()})
		return
	}
	p.send(outMessage{Type: "voice-result", ID: msg.ID, Result: result})
}

// abortAllSessions cancels every in-flight HTTP proxy request and
// closes every local WebSocket session, per spec: a tunnel disconnect
// aborts everything multiplexed over it.
func (p *Provider) abortAllSessions() {
	p.httpMu.Lock()
	for id, s := range p.httpSess {
		s.cancel()
		delete(p.httpSess, id)
	}
	p.httpMu.Unlock()

	p.wsMu.Lock()
	for id, s := range p.wsSess {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close(websocket.StatusGoingAway, "tunnel disconnected")
		}
		s.mu.Unlock()
		delete(p.wsSess, id)
	}
	p.wsMu.Unlock()
}
