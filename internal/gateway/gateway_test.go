package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/sshbridge/internal/filechan"
	"github.com/gluk-w/sshbridge/internal/remote"
)

// fakeShell echoes written input back on stdout with an "echo:"
// prefix, like an interactive shell would.
type fakeShell struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu      sync.Mutex
	resizes [][2]uint16
}

func newFakeShell() *fakeShell {
	s := &fakeShell{}
	s.stdoutR, s.stdoutW = io.Pipe()
	s.stderrR, s.stderrW = io.Pipe()
	return s
}

func (s *fakeShell) Write(p []byte) (int, error) {
	go s.stdoutW.Write(append([]byte("echo:"), p...))
	return len(p), nil
}

func (s *fakeShell) Stdout() io.Reader { return s.stdoutR }
func (s *fakeShell) Stderr() io.Reader { return s.stderrR }

func (s *fakeShell) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, [2]uint16{cols, rows})
	return nil
}

func (s *fakeShell) Close() error {
	s.stdoutW.Close()
	s.stderrW.Close()
	return nil
}

// nopFileChannel satisfies remote.FileChannel for channel wiring tests.
type nopFileChannel struct{}

func (nopFileChannel) ReadDir(path string) ([]remote.FileInfo, error) { return nil, nil }

func (nopFileChannel) Stat(path string) (remote.FileInfo, error) {
	return remote.FileInfo{Name: path}, nil
}

func (nopFileChannel) Mkdir(path string) error              { return nil }
func (nopFileChannel) RemoveDirectory(path string) error    { return nil }
func (nopFileChannel) Remove(path string) error             { return nil }
func (nopFileChannel) Rename(oldPath, newPath string) error { return nil }

func (nopFileChannel) OpenRead(path string) (io.ReadCloser, error) {
	return nil, errors.New("no reads in fake")
}

func (nopFileChannel) OpenWrite(path string) (io.WriteCloser, error) {
	return nil, errors.New("no writes in fake")
}

func (nopFileChannel) Close() error { return nil }

type fakeConn struct {
	shell *fakeShell
}

func (c *fakeConn) OpenShell(termType string) (remote.Shell, error) { return c.shell, nil }
func (c *fakeConn) OpenFileChannel() (remote.FileChannel, error)    { return nopFileChannel{}, nil }
func (c *fakeConn) Close() error                                    { return nil }

type fakeDialer struct {
	err error
	// delay slows every dial after the first, for tests that need a
	// connect to stay in flight.
	delay time.Duration
	// preClosed hands out shells whose stdout is already at EOF.
	preClosed bool

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, creds remote.Credentials) (remote.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	dialed := len(d.conns)
	d.mu.Unlock()
	if dialed > 0 && d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	shell := newFakeShell()
	if d.preClosed {
		shell.stdoutW.Close()
	}
	c := &fakeConn{shell: shell}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) lastShell() *fakeShell {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1].shell
}

func startGateway(t *testing.T, dialer remote.Dialer) (*Gateway, *websocket.Conn, context.Context) {
	t.Helper()

	gw := New(dialer, filechan.NewManager(), "xterm-256color")
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeWS))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	return gw, conn, ctx
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, msg clientMessage) {
	t.Helper()
	buf, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, ctx context.Context, conn *websocket.Conn) serverMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func connectSession(t *testing.T, ctx context.Context, conn *websocket.Conn) string {
	t.Helper()
	send(t, ctx, conn, clientMessage{Type: "connect", Host: "example.com", Username: "user", Password: "pw"})
	msg := recv(t, ctx, conn)
	if msg.Type != "connected" || msg.SessionID == "" {
		t.Fatalf("expected connected message, got %+v", msg)
	}
	return msg.SessionID
}

func TestSessionLifecycle(t *testing.T) {
	dialer := &fakeDialer{}
	gw, conn, ctx := startGateway(t, dialer)

	id := connectSession(t, ctx, conn)
	if gw.SessionCount() != 1 {
		t.Fatalf("session count = %d, want 1", gw.SessionCount())
	}
	if _, err := gw.Lookup(id); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	send(t, ctx, conn, clientMessage{Type: "data", Data: "ls\n"})
	msg := recv(t, ctx, conn)
	if msg.Type != "data" || msg.Data != "echo:ls\n" {
		t.Fatalf("expected echoed data, got %+v", msg)
	}

	send(t, ctx, conn, clientMessage{Type: "resize", Cols: 120, Rows: 40})
	shell := dialer.lastShell()
	waitFor(t, func() bool {
		shell.mu.Lock()
		defer shell.mu.Unlock()
		return len(shell.resizes) == 1 && shell.resizes[0] == [2]uint16{120, 40}
	}, "resize to reach the shell")

	send(t, ctx, conn, clientMessage{Type: "disconnect"})
	msg = recv(t, ctx, conn)
	if msg.Type != "disconnected" || msg.SessionID != id {
		t.Fatalf("expected disconnected message, got %+v", msg)
	}
	if gw.SessionCount() != 0 {
		t.Fatalf("session count after disconnect = %d, want 0", gw.SessionCount())
	}
	if _, err := gw.Lookup(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Lookup after disconnect = %v, want ErrSessionNotFound", err)
	}
}

func TestMultipleSessionsRoutedByID(t *testing.T) {
	dialer := &fakeDialer{}
	gw, conn, ctx := startGateway(t, dialer)

	first := connectSession(t, ctx, conn)
	second := connectSession(t, ctx, conn)
	if first == second {
		t.Fatal("sessions must get distinct ids")
	}
	if gw.SessionCount() != 2 {
		t.Fatalf("session count = %d, want 2", gw.SessionCount())
	}

	// Explicit routing to the first (non-current) session.
	send(t, ctx, conn, clientMessage{Type: "data", SessionID: first, Data: "pwd\n"})
	msg := recv(t, ctx, conn)
	if msg.SessionID != first || msg.Data != "echo:pwd\n" {
		t.Fatalf("expected echo on first session, got %+v", msg)
	}

	// Without a sessionId the most recent session gets the input.
	send(t, ctx, conn, clientMessage{Type: "data", Data: "whoami\n"})
	msg = recv(t, ctx, conn)
	if msg.SessionID != second || msg.Data != "echo:whoami\n" {
		t.Fatalf("expected echo on second session, got %+v", msg)
	}
}

func TestConnectDoesNotBlockOtherSessions(t *testing.T) {
	dialer := &fakeDialer{delay: 500 * time.Millisecond}
	_, conn, ctx := startGateway(t, dialer)

	first := connectSession(t, ctx, conn)

	// Start a second connect whose dial stays in flight, then drive
	// the first session. Its echo must arrive while the dial is still
	// pending, not after.
	send(t, ctx, conn, clientMessage{Type: "connect", Host: "other.example.com", Username: "user", Password: "pw"})
	send(t, ctx, conn, clientMessage{Type: "data", SessionID: first, Data: "ls\n"})

	msg := recv(t, ctx, conn)
	if msg.Type != "data" || msg.SessionID != first || msg.Data != "echo:ls\n" {
		t.Fatalf("expected echo on first session while connect pending, got %+v", msg)
	}

	msg = recv(t, ctx, conn)
	if msg.Type != "connected" || msg.SessionID == first {
		t.Fatalf("expected the slow connect to finish afterwards, got %+v", msg)
	}
}

func TestImmediateRemoteCloseLeavesNoStaleSession(t *testing.T) {
	dialer := &fakeDialer{preClosed: true}
	gw, conn, ctx := startGateway(t, dialer)

	send(t, ctx, conn, clientMessage{Type: "connect", Host: "example.com", Username: "user", Password: "pw"})

	// The shell hits EOF as soon as the bridge starts pumping, so
	// connected and disconnected can arrive in either order.
	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		got[recv(t, ctx, conn).Type] = true
	}
	if !got["connected"] || !got["disconnected"] {
		t.Fatalf("messages = %v, want connected and disconnected", got)
	}

	waitFor(t, func() bool { return gw.SessionCount() == 0 }, "registry cleanup after immediate close")
}

func TestConnectValidation(t *testing.T) {
	_, conn, ctx := startGateway(t, &fakeDialer{})

	send(t, ctx, conn, clientMessage{Type: "connect", Username: "user"})
	msg := recv(t, ctx, conn)
	if msg.Type != "error" {
		t.Fatalf("expected error message, got %+v", msg)
	}
}

func TestConnectFailureReported(t *testing.T) {
	gw, conn, ctx := startGateway(t, &fakeDialer{err: errors.New("no route to host")})

	send(t, ctx, conn, clientMessage{Type: "connect", Host: "example.com", Username: "user"})
	msg := recv(t, ctx, conn)
	if msg.Type != "error" || !strings.Contains(msg.Message, "connection failed") {
		t.Fatalf("expected connection failure, got %+v", msg)
	}
	if gw.SessionCount() != 0 {
		t.Fatalf("failed connect must not register a session, count = %d", gw.SessionCount())
	}
}

func TestUnknownSessionMessagesIgnored(t *testing.T) {
	_, conn, ctx := startGateway(t, &fakeDialer{})

	// Routed messages with no session are dropped, not fatal.
	send(t, ctx, conn, clientMessage{Type: "data", Data: "ls\n"})
	send(t, ctx, conn, clientMessage{Type: "resize", Cols: 80, Rows: 24})
	send(t, ctx, conn, clientMessage{Type: "disconnect", SessionID: "nope"})

	// The socket is still usable afterwards.
	connectSession(t, ctx, conn)
}

func TestSocketCloseTearsDownSessions(t *testing.T) {
	dialer := &fakeDialer{}
	gw, conn, ctx := startGateway(t, dialer)

	connectSession(t, ctx, conn)
	connectSession(t, ctx, conn)

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return gw.SessionCount() == 0 }, "sessions to tear down")
}

func TestFileChannelResolution(t *testing.T) {
	dialer := &fakeDialer{}
	gw, conn, ctx := startGateway(t, dialer)

	if _, err := gw.FileChannel("unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("FileChannel(unknown) = %v, want ErrSessionNotFound", err)
	}

	id := connectSession(t, ctx, conn)
	ch, err := gw.FileChannel(id)
	if err != nil {
		t.Fatalf("FileChannel: %v", err)
	}
	again, err := gw.FileChannel(id)
	if err != nil {
		t.Fatalf("FileChannel again: %v", err)
	}
	if ch != again {
		t.Error("FileChannel should reuse the session's channel")
	}

	// Session teardown releases the channel.
	send(t, ctx, conn, clientMessage{Type: "disconnect"})
	recv(t, ctx, conn)
	waitFor(t, func() bool { return ch.Closed() }, "channel release on disconnect")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
