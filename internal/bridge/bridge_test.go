package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/sshbridge/internal/remote"
)

// fakeShell is an in-memory Shell whose stdout/stderr are pipe-backed
// so tests can feed output and close the streams like a remote would.
type fakeShell struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu      sync.Mutex
	written []byte
	resizes [][2]uint16
	closes  int
}

func newFakeShell() *fakeShell {
	s := &fakeShell{}
	s.stdoutR, s.stdoutW = io.Pipe()
	s.stderrR, s.stderrW = io.Pipe()
	return s
}

func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, p...)
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
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.stdoutW.Close()
	s.stderrW.Close()
	return nil
}

func (s *fakeShell) writtenBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

type fakeConn struct {
	shell    *fakeShell
	shellErr error

	mu     sync.Mutex
	closes int
}

func (c *fakeConn) OpenShell(termType string) (remote.Shell, error) {
	if c.shellErr != nil {
		return nil, c.shellErr
	}
	return c.shell, nil
}

func (c *fakeConn) OpenFileChannel() (remote.FileChannel, error) {
	return nil, errors.New("no file channel in fake")
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeDialer struct {
	conn *fakeConn
	err  error
	// blockUntilCancel makes Dial wait for ctx cancellation before
	// returning the connection, to exercise the late-dial reap.
	blockUntilCancel bool
}

func (d *fakeDialer) Dial(ctx context.Context, creds remote.Credentials) (remote.Conn, error) {
	if d.blockUntilCancel {
		<-ctx.Done()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type recorder struct {
	data   chan []byte
	closed chan struct{}
	errs   chan error
}

func newRecorder() *recorder {
	return &recorder{
		data:   make(chan []byte, 64),
		closed: make(chan struct{}, 4),
		errs:   make(chan error, 4),
	}
}

func (r *recorder) events() Events {
	return Events{
		OnData:  func(p []byte) { r.data <- p },
		OnClose: func() { r.closed <- struct{}{} },
		OnError: func(err error) { r.errs <- err },
	}
}

func (r *recorder) waitData(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-r.data:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for data event")
		return nil
	}
}

func (r *recorder) waitClose(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close event")
	}
}

func dialFake(t *testing.T, rec *recorder) (*Bridge, *fakeShell, *fakeConn) {
	t.Helper()
	shell := newFakeShell()
	conn := &fakeConn{shell: shell}
	b, err := Dial(context.Background(), &fakeDialer{conn: conn}, remote.Credentials{Host: "h", Username: "u"}, "xterm", rec.events())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return b, shell, conn
}

func TestDialForwardsStdoutAndStderr(t *testing.T) {
	rec := newRecorder()
	b, shell, _ := dialFake(t, rec)
	defer b.Disconnect()

	if b.State() != StateConnected {
		t.Fatalf("state = %s, want %s", b.State(), StateConnected)
	}

	go shell.stdoutW.Write([]byte("hello"))
	if got := rec.waitData(t); string(got) != "hello" {
		t.Errorf("stdout data = %q, want %q", got, "hello")
	}

	go shell.stderrW.Write([]byte("oops"))
	if got := rec.waitData(t); string(got) != "oops" {
		t.Errorf("stderr data = %q, want %q", got, "oops")
	}
}

func TestWriteAndResizeForwarded(t *testing.T) {
	rec := newRecorder()
	b, shell, _ := dialFake(t, rec)
	defer b.Disconnect()

	b.Write([]byte("ls -la\n"))
	if got := shell.writtenBytes(); string(got) != "ls -la\n" {
		t.Errorf("shell input = %q, want %q", got, "ls -la\n")
	}

	b.Resize(120, 40)
	shell.mu.Lock()
	resizes := shell.resizes
	shell.mu.Unlock()
	if len(resizes) != 1 || resizes[0] != [2]uint16{120, 40} {
		t.Errorf("resizes = %v, want [[120 40]]", resizes)
	}
}

func TestDisconnectClosesOnceAndDropsInput(t *testing.T) {
	rec := newRecorder()
	b, shell, conn := dialFake(t, rec)

	b.Disconnect()
	rec.waitClose(t)
	b.Disconnect()

	if b.State() != StateDisconnected {
		t.Fatalf("state = %s, want %s", b.State(), StateDisconnected)
	}
	if b.Conn() != nil {
		t.Error("Conn() should be nil after disconnect")
	}
	if conn.closeCount() != 1 {
		t.Errorf("conn closed %d times, want 1", conn.closeCount())
	}

	before := shell.writtenBytes()
	b.Write([]byte("too late"))
	b.Resize(10, 10)
	if got := shell.writtenBytes(); string(got) != string(before) {
		t.Errorf("input after disconnect reached shell: %q", got)
	}

	select {
	case <-rec.closed:
		t.Error("close event fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoteEOFEndsSessionNormally(t *testing.T) {
	rec := newRecorder()
	b, shell, conn := dialFake(t, rec)

	shell.stdoutW.Close()
	rec.waitClose(t)

	if b.State() != StateDisconnected {
		t.Fatalf("state = %s, want %s", b.State(), StateDisconnected)
	}
	if conn.closeCount() != 1 {
		t.Errorf("conn closed %d times, want 1", conn.closeCount())
	}
	select {
	case err := <-rec.errs:
		t.Errorf("unexpected error event: %v", err)
	default:
	}
}

func TestRemoteReadErrorEmitsError(t *testing.T) {
	rec := newRecorder()
	b, shell, _ := dialFake(t, rec)

	shell.stdoutW.CloseWithError(fmt.Errorf("connection reset"))

	select {
	case err := <-rec.errs:
		var opErr *remote.OpError
		if !errors.As(err, &opErr) {
			t.Fatalf("error event %v is not an OpError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error event")
	}
	if b.State() != StateDisconnected {
		t.Fatalf("state = %s, want %s", b.State(), StateDisconnected)
	}
}

func TestDialFailurePropagates(t *testing.T) {
	rec := newRecorder()
	dialErr := errors.New("auth failed")
	_, err := Dial(context.Background(), &fakeDialer{err: dialErr}, remote.Credentials{}, "xterm", rec.events())
	if !errors.Is(err, dialErr) {
		t.Fatalf("Dial error = %v, want wrapped %v", err, dialErr)
	}
}

func TestOpenShellFailureClosesConn(t *testing.T) {
	rec := newRecorder()
	conn := &fakeConn{shellErr: errors.New("no pty")}
	_, err := Dial(context.Background(), &fakeDialer{conn: conn}, remote.Credentials{}, "xterm", rec.events())
	if err == nil {
		t.Fatal("Dial should fail when the shell cannot be opened")
	}
	if conn.closeCount() != 1 {
		t.Errorf("conn closed %d times, want 1", conn.closeCount())
	}
}

func TestDialDeadlineReapsLateConnection(t *testing.T) {
	rec := newRecorder()
	conn := &fakeConn{shell: newFakeShell()}
	d := &fakeDialer{conn: conn, blockUntilCancel: true}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, d, remote.Credentials{}, "xterm", rec.events())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Dial error = %v, want %v", err, ErrConnectTimeout)
	}

	// The dialer finishes after the deadline; its connection must be
	// reaped rather than leaked.
	deadline := time.After(2 * time.Second)
	for conn.closeCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("late connection was never closed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
