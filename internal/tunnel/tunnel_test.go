package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// mockRelay is a minimal stand-in for the relay's /tunnel/{userId}
// endpoint: it accepts exactly one provider connection and exposes it
// for the test to read/write JSON frames against.
type mockRelay struct {
	srv    *httptest.Server
	connCh chan *websocket.Conn
}

func newMockRelay(t *testing.T) *mockRelay {
	t.Helper()
	r := &mockRelay{connCh: make(chan *websocket.Conn, 1)}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		r.connCh <- conn
	}))
	return r
}

func (r *mockRelay) wsBaseURL() string {
	return "ws" + r.srv.URL[len("http"):]
}

func (r *mockRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-r.connCh:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("provider never connected to mock relay")
		return nil
	}
}

func (r *mockRelay) close() { r.srv.Close() }

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) outMessage {
	t.Helper()
	type result struct {
		msg outMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			ch <- result{err: err}
			return
		}
		var m outMessage
		if uerr := json.Unmarshal(data, &m); uerr != nil {
			ch <- result{err: uerr}
			return
		}
		ch <- result{msg: m}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("read frame: %v", r.err)
		}
		return r.msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for frame")
		return outMessage{}
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, msg inMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func localPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse local server url: %v", err)
	}
	_, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

// TestHTTPProxy_StreamedResponse asserts a slow local handler's
// response arrives upstream as exactly one http-res, its chunks in
// order, then one http-end.
func TestHTTPProxy_StreamedResponse(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("one"))
		flusher.Flush()
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("two"))
	}))
	defer local.Close()
	port := localPort(t, local)

	relay := newMockRelay(t)
	defer relay.close()

	p := New(Config{RelayBaseWS: relay.wsBaseURL(), UserID: "u1"}, nil, nil)
	go p.Run(context.Background())
	defer p.Close()

	conn := relay.accept(t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	info := readFrame(t, conn, 2*time.Second)
	if info.Type != "provider-info" {
		t.Fatalf("expected provider-info first, got %q", info.Type)
	}

	sendFrame(t, conn, inMessage{Type: "http-req", ID: "1", Port: port, Method: "GET", Path: "/slow"})

	res := readFrame(t, conn, 2*time.Second)
	if res.Type != "http-res" || res.ID != "1" || res.Status != 200 {
		t.Fatalf("expected http-res{id:1,status:200}, got %+v", res)
	}

	var chunks []string
	for i := 0; i < 2; i++ {
		c := readFrame(t, conn, 2*time.Second)
		if c.Type != "http-chunk" || c.ID != "1" {
			t.Fatalf("expected http-chunk{id:1}, got %+v", c)
		}
		decoded, err := base64.StdEncoding.DecodeString(c.Data)
		if err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		chunks = append(chunks, string(decoded))
	}
	if strings.Join(chunks, "") != "onetwo" {
		t.Fatalf("expected chunks to reassemble to %q, got %q", "onetwo", strings.Join(chunks, ""))
	}

	end := readFrame(t, conn, 2*time.Second)
	if end.Type != "http-end" || end.ID != "1" {
		t.Fatalf("expected http-end{id:1}, got %+v", end)
	}
}

// TestWSProxy_PreOpenBuffering asserts a ws-msg sent immediately after
// ws-open, before the local echo server accepts, is still delivered to
// the local server, and that ws-opened is emitted upstream.
func TestWSProxy_PreOpenBuffering(t *testing.T) {
	accept := make(chan struct{})
	received := make(chan string, 1)

	localSrv := httptest.NewUnstartedServer(nil)
	localSrv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-accept // delay accepting until the test says so
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.Read(r.Context())
		if err == nil {
			received <- string(data)
		}
	})
	localSrv.Start()
	defer localSrv.Close()
	port := localPort(t, localSrv)

	relay := newMockRelay(t)
	defer relay.close()

	p := New(Config{RelayBaseWS: relay.wsBaseURL(), UserID: "u1"}, nil, nil)
	go p.Run(context.Background())
	defer p.Close()

	conn := relay.accept(t)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_ = readFrame(t, conn, 2*time.Second) // provider-info

	sendFrame(t, conn, inMessage{Type: "ws-open", ID: "7", Port: port, Path: "/echo"})
	sendFrame(t, conn, inMessage{Type: "ws-msg", ID: "7", Data: "hi", Bin: false})

	close(accept) // now let the local server accept the dial

	opened := readFrame(t, conn, 2*time.Second)
	if opened.Type != "ws-opened" || opened.ID != "7" {
		t.Fatalf("expected ws-opened{id:7}, got %+v", opened)
	}

	select {
	case got := <-received:
		if got != "hi" {
			t.Fatalf("expected local server to receive %q, got %q", "hi", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("local server never received the buffered message")
	}
}

// TestWSProxy_RoundTrip asserts a binary payload survives the base64
// round trip bit-for-bit on its way back upstream.
func TestWSProxy_RoundTrip(t *testing.T) {
	localSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		conn.Write(r.Context(), typ, data) // echo back exactly what was sent
	}))
	defer localSrv.Close()
	port := localPort(t, localSrv)

	relay := newMockRelay(t)
	defer relay.close()

	p := New(Config{RelayBaseWS: relay.wsBaseURL(), UserID: "u1"}, nil, nil)
	go p.Run(context.Background())
	defer p.Close()

	conn := relay.accept(t)
	defer conn.Close(websocket.StatusNormalClosure, "")
	_ = readFrame(t, conn, 2*time.Second) // provider-info

	sendFrame(t, conn, inMessage{Type: "ws-open", ID: "bin1", Port: port, Path: "/echo"})
	opened := readFrame(t, conn, 2*time.Second)
	if opened.Type != "ws-opened" {
		t.Fatalf("expected ws-opened, got %+v", opened)
	}

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	sendFrame(t, conn, inMessage{Type: "ws-msg", ID: "bin1", Data: base64.StdEncoding.EncodeToString(payload), Bin: true})

	echoed := readFrame(t, conn, 2*time.Second)
	if echoed.Type != "ws-msg" || !echoed.Bin {
		t.Fatalf("expected a binary ws-msg echo, got %+v", echoed)
	}
	decoded, err := base64.StdEncoding.DecodeString(echoed.Data)
	if err != nil {
		t.Fatalf("decode echoed payload: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Fatalf("expected round-tripped payload %v, got %v", payload, decoded)
	}
}
