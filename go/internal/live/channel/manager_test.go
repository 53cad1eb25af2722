package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

type pushServer struct {
	srv      *httptest.Server
	accepted atomic.Int32
	conns    chan *websocket.Conn
	keys     chan string
	done     chan struct{}
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{
		conns: make(chan *websocket.Conn, 8),
		keys:  make(chan string, 8),
		done:  make(chan struct{}),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "key required", http.StatusBadRequest)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		ps.accepted.Add(1)
		ps.keys <- key
		// the test owns the conn from here, including all reads
		ps.conns <- c
		<-ps.done
	}))
	t.Cleanup(ps.srv.Close)
	t.Cleanup(func() { close(ps.done) })
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http") + "/ws"
}

func (ps *pushServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ps.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("server saw no connection")
		return nil
	}
}

type recorder struct {
	mu       sync.Mutex
	frames   []string
	statuses []State
}

func newRecorder() *recorder {
	return &recorder{}
}

func (r *recorder) handle(frame []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, string(frame))
	r.mu.Unlock()
}

func (r *recorder) status(s State) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) sawStatus(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.statuses {
		if got == s {
			return true
		}
	}
	return false
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.PingInterval = 0
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpen_EmptyCredentialAttemptsNothing(t *testing.T) {
	ps := newPushServer(t)
	rec := newRecorder()
	m := NewManager(testConfig(ps.url()), clockwork.NewRealClock(), rec.handle, rec.status)

	if err := m.Open(context.Background(), "   "); err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := ps.accepted.Load(); n != 0 {
		t.Fatalf("connections=%d want 0", n)
	}
	if m.State() != Disconnected || m.Connected() {
		t.Fatalf("state=%v want disconnected", m.State())
	}
}

func TestOpen_IdempotentForSameCredential(t *testing.T) {
	ps := newPushServer(t)
	rec := newRecorder()
	m := NewManager(testConfig(ps.url()), clockwork.NewRealClock(), rec.handle, rec.status)
	defer m.Close()

	ctx := context.Background()
	if err := m.Open(ctx, "key-1"); err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	if err := m.Open(ctx, "key-1"); err != nil {
		t.Fatalf("second Open() err=%v", err)
	}

	c := ps.nextConn(t)
	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"pin_removed"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frame", func() bool { return rec.frameCount() == 1 })
	time.Sleep(20 * time.Millisecond)

	if n := ps.accepted.Load(); n != 1 {
		t.Fatalf("connections=%d want 1", n)
	}
	if n := rec.frameCount(); n != 1 {
		t.Fatalf("frames=%d want 1 (no duplicate delivery)", n)
	}
	if !m.Connected() || m.Credential() != "key-1" {
		t.Fatalf("state=%v credential=%q", m.State(), m.Credential())
	}
}

func TestOpen_DeliversFramesInOrder(t *testing.T) {
	ps := newPushServer(t)
	rec := newRecorder()
	m := NewManager(testConfig(ps.url()), clockwork.NewRealClock(), rec.handle, rec.status)
	defer m.Close()

	if err := m.Open(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}
	c := ps.nextConn(t)

	for i := 0; i < 50; i++ {
		if err := c.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatal(err)
		}
	}
	_ = c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})

	waitFor(t, "all frames", func() bool { return rec.frameCount() == 50 })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, f := range rec.frames {
		if want := fmt.Sprintf(`{"n":%d}`, i); f != want {
			t.Fatalf("frame %d=%s want %s", i, f, want)
		}
	}
}

func TestClose_NoFramesAfterClose(t *testing.T) {
	ps := newPushServer(t)
	rec := newRecorder()
	m := NewManager(testConfig(ps.url()), clockwork.NewRealClock(), rec.handle, rec.status)

	if err := m.Open(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}
	c := ps.nextConn(t)

	m.Close()
	before := rec.frameCount()
	for i := 0; i < 10; i++ {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"pinned","text":"late"}`))
	}
	time.Sleep(50 * time.Millisecond)

	if got := rec.frameCount(); got != before {
		t.Fatalf("frames after close: %d", got-before)
	}
	if m.State() != Closed || m.Connected() {
		t.Fatalf("state=%v want closed", m.State())
	}
	if !rec.sawStatus(Closed) {
		t.Fatalf("status listener did not see closed")
	}

	// clearing the credential on an already closed manager stays quiet
	if err := m.Open(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if m.State() != Closed {
		t.Fatalf("state=%v want closed", m.State())
	}
}

func TestOpen_EmptyCredentialTearsDownOpenConnection(t *testing.T) {
	ps := newPushServer(t)
	rec := newRecorder()
	m := NewManager(testConfig(ps.url()), clockwork.NewRealClock(), rec.handle, rec.status)

	if err := m.Open(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}
	ps.nextConn(t)

	if err := m.Open(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if m.Connected() {
		t.Fatalf("still connected after credential cleared")
	}
}

func TestUnexpectedClose_TransitionsToDisconnectedWithoutRetry(t *testing.T) {
	ps := newPushServer(t)
	rec := newRecorder()
	m := NewManager(testConfig(ps.url()), clockwork.NewRealClock(), rec.handle, rec.status)
	defer m.Close()

	if err := m.Open(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}
	c := ps.nextConn(t)
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
	_ = c.Close()

	waitFor(t, "disconnect", func() bool { return m.State() == Disconnected })
	if !rec.sawStatus(Disconnected) {
		t.Fatalf("status listener did not see disconnected")
	}

	time.Sleep(50 * time.Millisecond)
	if n := ps.accepted.Load(); n != 1 {
		t.Fatalf("manager reconnected on its own: %d connections", n)
	}

	// an explicit Open with the same credential dials again
	if err := m.Open(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}
	ps.nextConn(t)
	if n := ps.accepted.Load(); n != 2 {
		t.Fatalf("connections=%d want 2", n)
	}
}

func TestOpen_CredentialChangeReplacesConnection(t *testing.T) {
	ps := newPushServer(t)
	rec := newRecorder()

	const aliceFrame = `{"type":"pinned","text":"for alice"}`
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	handle := func(frame []byte) {
		rec.handle(frame)
		if string(frame) == aliceFrame {
			entered <- struct{}{}
			<-release
		}
	}
	m := NewManager(testConfig(ps.url()), clockwork.NewRealClock(), handle, rec.status)
	defer m.Close()

	ctx := context.Background()
	if err := m.Open(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	first := ps.nextConn(t)
	if k := <-ps.keys; k != "alice" {
		t.Fatalf("first key=%q", k)
	}

	// one frame is held in the handler while a second waits behind it
	if err := first.WriteMessage(websocket.TextMessage, []byte(aliceFrame)); err != nil {
		t.Fatal(err)
	}
	<-entered
	if err := first.WriteMessage(websocket.TextMessage, []byte(`{"type":"pin_removed"}`)); err != nil {
		t.Fatal(err)
	}

	opened := make(chan error, 1)
	go func() { opened <- m.Open(ctx, "bob") }()
	waitFor(t, "old connection to be superseded", func() bool { return m.State() == Closed })
	close(release)

	if err := <-opened; err != nil {
		t.Fatalf("Open(bob) err=%v", err)
	}
	second := ps.nextConn(t)
	if k := <-ps.keys; k != "bob" {
		t.Fatalf("second key=%q", k)
	}

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("old connection read err=%v want normal close", err)
	}

	if err := second.WriteMessage(websocket.TextMessage, []byte(`{"type":"pinned","text":"for bob"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frame on new connection", func() bool { return rec.frameCount() == 2 })

	rec.mu.Lock()
	got := append([]string(nil), rec.frames...)
	rec.mu.Unlock()
	if got[0] != aliceFrame || got[1] != `{"type":"pinned","text":"for bob"}` {
		t.Fatalf("frames=%v want only the held alice frame then bob's", got)
	}
	if m.Credential() != "bob" || !m.Connected() {
		t.Fatalf("credential=%q state=%v", m.Credential(), m.State())
	}
}

func TestClose_WaitsForHandlerInFlight(t *testing.T) {
	ps := newPushServer(t)
	rec := newRecorder()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	handle := func(frame []byte) {
		rec.handle(frame)
		if rec.frameCount() == 1 {
			entered <- struct{}{}
			<-release
		}
	}
	m := NewManager(testConfig(ps.url()), clockwork.NewRealClock(), handle, rec.status)

	if err := m.Open(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}
	c := ps.nextConn(t)
	for i := 0; i < 3; i++ {
		if err := c.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatal(err)
		}
	}
	<-entered

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	waitFor(t, "close to start", func() bool { return m.State() == Closed })

	select {
	case <-closed:
		t.Fatalf("Close returned while the handler was still running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return after the handler finished")
	}
	time.Sleep(20 * time.Millisecond)
	if n := rec.frameCount(); n != 1 {
		t.Fatalf("frames=%d want 1, frames queued behind Close must be dropped", n)
	}
}

func TestOpen_DialFailure(t *testing.T) {
	ps := newPushServer(t)
	url := ps.url()
	ps.srv.Close()

	rec := newRecorder()
	m := NewManager(testConfig(url), clockwork.NewRealClock(), rec.handle, rec.status)
	err := m.Open(context.Background(), "k")
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if m.State() != Disconnected {
		t.Fatalf("state=%v want disconnected", m.State())
	}
	if !rec.sawStatus(Connecting) || !rec.sawStatus(Disconnected) {
		t.Fatalf("statuses=%v", rec.statuses)
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		base string
		want string
		err  bool
	}{
		{"ws://localhost:8000/ws", "ws://localhost:8000/ws?key=abc", false},
		{"http://10.0.0.5:8000/ws", "ws://10.0.0.5:8000/ws?key=abc", false},
		{"https://live.example.com/ws", "wss://live.example.com/ws?key=abc", false},
		{"ftp://nope/ws", "", true},
	}
	for _, tt := range tests {
		got, err := BuildURL(tt.base, "key", "abc")
		if tt.err {
			if !errors.Is(err, ErrUnsupportedScheme) {
				t.Errorf("BuildURL(%q) err=%v want ErrUnsupportedScheme", tt.base, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("BuildURL(%q) = %q, %v; want %q", tt.base, got, err, tt.want)
		}
	}
}
