// Package bridge implements the Document Bridge: a pair of coupled
// WebSocket connections, one to a local, file-backed sync server and
// one to the cloud relay, forwarding opaque frames between them for a
// single hosted document.
package bridge

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Config describes one bridge's two endpoints.
type Config struct {
	DocName       string
	LocalURL      string
	RemoteURL     string
	RemoteHeaders http.Header
	IdleTimeout   time.Duration
}

// side identifies which leg of the bridge a goroutine or queue belongs
// to.
type side int

const (
	sideLocal side = iota
	sideRemote
)

type queuedMsg struct {
	data   []byte
	binary bool
}

// Status is the externally observable projection of a Bridge.
type Status struct {
	DocName       string
	LocalReady    bool
	RemoteReady   bool
	Connected     bool
	Reconnecting  bool
	LastError     string
	LastMessageAt time.Time
	StartedAt     time.Time
}

// Bridge couples two WebSocket peers for one hosted document.
type Bridge struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	localConn      *websocket.Conn
	remoteConn     *websocket.Conn
	localReady     bool
	remoteReady    bool
	localQueue     []queuedMsg
	remoteQueue    []queuedMsg
	localAttempts  int
	remoteAttempts int
	destroyed      bool
	startedAt      time.Time
	lastMessageAt  time.Time
	lastError      string
	guard          GuardState

	localTimer  *time.Timer
	remoteTimer *time.Timer

	wg sync.WaitGroup
}

// New creates a Bridge in the not-yet-started state.
func New(cfg Config, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:    cfg,
		log:    log.With("doc", cfg.DocName),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start connects both sides. Callers that need to avoid a thundering
// herd across many bridges should route Start through Manager's
// rate-limited queue instead of calling it directly.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.startedAt.IsZero() {
		b.startedAt = time.Now()
	}
	b.mu.Unlock()

	b.wg.Add(2)
	go b.runSide(sideLocal)
	go b.runSide(sideRemote)
}

// Stop marks the bridge destroyed, cancels pending reconnect timers,
// and closes both sockets. Any in-flight message at the time of Stop
// may still be delivered; no further message has any effect once
// destroyed.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	if b.localTimer != nil {
		b.localTimer.Stop()
	}
	if b.remoteTimer != nil {
		b.remoteTimer.Stop()
	}
	localConn := b.localConn
	remoteConn := b.remoteConn
	b.localQueue = nil
	b.remoteQueue = nil
	b.mu.Unlock()

	b.cancel()
	if localConn != nil {
		localConn.Close(websocket.StatusNormalClosure, "bridge stopped")
	}
	if remoteConn != nil {
		remoteConn.Close(websocket.StatusNormalClosure, "bridge stopped")
	}
}

// IsDestroyed reports whether Stop has been called.
func (b *Bridge) IsDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// Status returns the current externally observable state.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		DocName:       b.cfg.DocName,
		LocalReady:    b.localReady,
		RemoteReady:   b.remoteReady,
		Connected:     b.localReady && b.remoteReady,
		Reconnecting:  !b.destroyed && (!b.localReady || !b.remoteReady) && !b.startedAt.IsZero(),
		LastError:     b.lastError,
		LastMessageAt: b.lastMessageAt,
		StartedAt:     b.startedAt,
	}
}

// lastActivity returns the time of the last forwarded message; zero
// time if none has been forwarded yet.
func (b *Bridge) lastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastMessageAt
}

func (b *Bridge) runSide(s side) {
	defer b.wg.Done()

	for {
		b.mu.Lock()
		if b.destroyed {
			b.mu.Unlock()
			return
		}
		attempt := b.attemptsFor(s) + 1
		b.mu.Unlock()

		conn, err := b.dial(s)
		if err != nil {
			b.recordError(err)
			if !b.waitReconnect(s, attempt) {
				return
			}
			continue
		}

		b.onOpen(s, conn)
		b.readLoop(s, conn)
		b.onClose(s)

		b.mu.Lock()
		destroyed := b.destroyed
		b.mu.Unlock()
		if destroyed {
			return
		}

		if !b.waitReconnect(s, attempt) {
			return
		}
	}
}

func (b *Bridge) dial(s side) (*websocket.Conn, error) {
	url := b.cfg.LocalURL
	opts := &websocket.DialOptions{}
	if s == sideRemote {
		url = b.cfg.RemoteURL
		if b.cfg.RemoteHeaders != nil {
			opts.HTTPHeader = b.cfg.RemoteHeaders
		}
	}
	conn, _, err := websocket.Dial(b.ctx, url, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(32 * 1024 * 1024)
	return conn, nil
}

func (b *Bridge) onOpen(s side, conn *websocket.Conn) {
	b.mu.Lock()
	if s == sideLocal {
		b.localConn = conn
		b.localReady = true
		b.localAttempts = 0
		queue := b.localQueue
		b.localQueue = nil
		b.mu.Unlock()
		b.flush(conn, queue)
		b.log.Info("local side connected")
		return
	}

	b.remoteConn = conn
	b.remoteReady = true
	b.remoteAttempts = 0
	queue := b.remoteQueue
	b.remoteQueue = nil
	b.mu.Unlock()
	b.flush(conn, queue)
	b.log.Info("remote side connected")
}

func (b *Bridge) flush(conn *websocket.Conn, queue []queuedMsg) {
	for _, m := range queue {
		b.write(conn, m.data, m.binary)
	}
}

func (b *Bridge) onClose(s side) {
	b.mu.Lock()
	if s == sideLocal {
		b.localReady = false
		b.localConn = nil
	} else {
		b.remoteReady = false
		b.remoteConn = nil
		// A remote disconnect resets the replay-protection guard: the
		// next reconnect may again race a stale bulk dump against
		// local state.
		b.guard.Reset()
	}
	b.mu.Unlock()
}

func (b *Bridge) attemptsFor(s side) int {
	if s == sideLocal {
		return b.localAttempts
	}
	return b.remoteAttempts
}

// waitReconnect sleeps for the backoff+jitter delay for attempt, then
// returns true if the bridge is still alive and should retry, or false
// if it was destroyed while waiting.
func (b *Bridge) waitReconnect(s side, attempt int) bool {
	b.mu.Lock()
	if s == sideLocal {
		b.localAttempts = attempt
	} else {
		b.remoteAttempts = attempt
	}
	destroyed := b.destroyed
	b.mu.Unlock()
	if destroyed {
		return false
	}

	delay := ReconnectDelay(attempt)
	timer := time.NewTimer(delay)

	b.mu.Lock()
	if s == sideLocal {
		b.localTimer = timer
	} else {
		b.remoteTimer = timer
	}
	b.mu.Unlock()

	select {
	case <-timer.C:
		b.mu.Lock()
		alive := !b.destroyed
		b.mu.Unlock()
		return alive
	case <-b.ctx.Done():
		timer.Stop()
		return false
	}
}

// ReconnectDelay returns the backoff for the given attempt:
// min(60000, 1000*2^(attempt-1)) + random(0, min(2000, base)) ms.
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := math.Min(60000, 1000*math.Pow(2, float64(attempt-1)))
	jitterCeil := int(math.Min(2000, base))
	jitter := 0
	if jitterCeil > 0 {
		jitter = rand.Intn(jitterCeil + 1)
	}
	return time.Duration(base+float64(jitter)) * time.Millisecond
}

func (b *Bridge) readLoop(s side, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(b.ctx)
		if err != nil {
			return
		}
		isBinary := typ == websocket.MessageBinary
		b.forward(s, data, isBinary)
	}
}

// forward routes one message: a message arriving on side X is written
// to side Y if Y is ready, else enqueued for Y. Remote-to-local binary
// frames pass through the replay guard first.
func (b *Bridge) forward(from side, data []byte, isBinary bool) {
	if from == sideRemote {
		b.mu.Lock()
		allowed := ShouldForward(data, isBinary, &b.guard)
		b.mu.Unlock()
		if !allowed {
			b.log.Debug("dropped pre-handshake bulk-state frame")
			return
		}
	}

	b.mu.Lock()
	b.lastMessageAt = time.Now()

	var targetConn *websocket.Conn
	var targetReady bool
	if from == sideRemote {
		targetConn, targetReady = b.localConn, b.localReady
	} else {
		targetConn, targetReady = b.remoteConn, b.remoteReady
	}

	if !targetReady {
		msg := queuedMsg{data: append([]byte(nil), data...), binary: isBinary}
		if from == sideRemote {
			b.localQueue = append(b.localQueue, msg)
		} else {
			b.remoteQueue = append(b.remoteQueue, msg)
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.write(targetConn, data, isBinary)
}

func (b *Bridge) write(conn *websocket.Conn, data []byte, isBinary bool) {
	typ := websocket.MessageText
	if isBinary {
		typ = websocket.MessageBinary
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		b.recordError(err)
	}
}

func (b *Bridge) recordError(err error) {
	b.mu.Lock()
	b.lastError = err.Error()
	b.mu.Unlock()
}
