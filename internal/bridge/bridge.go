// Package bridge owns one interactive remote-shell session and
// translates between the gateway's structured messages and the raw
// shell byte stream.
//
// A Bridge is a small state machine: connecting -> connected ->
// disconnected, with disconnected terminal. The remote library's
// readiness/data/close/error callbacks are reframed as explicit
// transitions; the only ordering the bridge relies on is "ready before
// data, close terminal".
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gluk-w/sshbridge/internal/remote"
)

// State is the lifecycle state of a Bridge.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// ConnectTimeout bounds the whole connect-and-open-shell attempt.
const ConnectTimeout = 30 * time.Second

// ErrConnectTimeout is returned when neither a ready nor an error
// signal arrives within ConnectTimeout.
var ErrConnectTimeout = errors.New("connect timeout")

// Events receives bridge lifecycle notifications. Exactly one of
// OnClose or OnError fires per Bridge instance, after which no further
// OnData calls are made. Callbacks run on bridge goroutines and must
// not block for long.
type Events struct {
	// OnData delivers one outbound message per underlying shell data
	// event, verbatim. Stdout and stderr are surfaced uniformly.
	OnData func(p []byte)
	// OnClose fires when the session ends normally (remote close or
	// explicit disconnect).
	OnClose func()
	// OnError fires when the session ends with a remote-side error.
	OnError func(err error)
}

// Bridge owns the remote connection and shell for one session.
type Bridge struct {
	mu    sync.Mutex
	state State
	conn  remote.Conn
	shell remote.Shell

	events Events
	done   sync.Once
}

// Dial opens a remote connection with the supplied credentials,
// requests an interactive shell, and starts forwarding shell output to
// ev.OnData. The attempt fails with ErrConnectTimeout if it does not
// complete within ConnectTimeout (or within ctx's earlier deadline).
// On failure nothing is retained and no events are emitted.
func Dial(ctx context.Context, dialer remote.Dialer, creds remote.Credentials, termType string, ev Events) (*Bridge, error) {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	type dialResult struct {
		conn remote.Conn
		err  error
	}
	resCh := make(chan dialResult, 1)
	go func() {
		conn, err := dialer.Dial(ctx, creds)
		resCh <- dialResult{conn, err}
	}()

	var conn remote.Conn
	select {
	case res := <-resCh:
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, ErrConnectTimeout
			}
			return nil, fmt.Errorf("connect: %w", res.err)
		}
		conn = res.conn
	case <-ctx.Done():
		// The dialer is still in flight; reap its connection if it
		// ever materializes.
		go func() {
			if res := <-resCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ErrConnectTimeout
	}

	shell, err := conn.OpenShell(termType)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ErrConnectTimeout
		}
		return nil, fmt.Errorf("open shell: %w", err)
	}

	b := &Bridge{
		state:  StateConnected,
		conn:   conn,
		shell:  shell,
		events: ev,
	}

	go b.pump(shell.Stdout(), true)
	go b.pump(shell.Stderr(), false)

	return b, nil
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Conn returns the underlying remote connection while connected, nil
// otherwise. The file-channel manager uses it to open the secondary
// channel.
func (b *Bridge) Conn() remote.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConnected {
		return nil
	}
	return b.conn
}

// Write forwards shell input while connected; otherwise the bytes are
// silently dropped (the shell may have closed between the client send
// and arrival).
func (b *Bridge) Write(p []byte) {
	b.mu.Lock()
	shell := b.shell
	connected := b.state == StateConnected
	b.mu.Unlock()

	if !connected || shell == nil {
		return
	}
	// A failed write means the shell closed underneath us; the pump
	// goroutine observes the same and finishes the bridge.
	shell.Write(p)
}

// Resize forwards a terminal resize while connected; otherwise dropped.
func (b *Bridge) Resize(cols, rows uint16) {
	b.mu.Lock()
	shell := b.shell
	connected := b.state == StateConnected
	b.mu.Unlock()

	if !connected || shell == nil {
		return
	}
	shell.Resize(cols, rows)
}

// Disconnect ends the shell and the remote connection. Idempotent and
// safe to call after the remote side already closed.
func (b *Bridge) Disconnect() {
	b.finish(nil)
}

// pump forwards one shell stream to OnData, one message per read. The
// stdout pump owns the session lifetime: when it ends, the bridge is
// finished. The stderr stream usually ends at the same moment.
func (b *Bridge) pump(r io.Reader, primary bool) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.mu.Lock()
			connected := b.state == StateConnected
			onData := b.events.OnData
			b.mu.Unlock()
			if connected && onData != nil {
				data := make([]byte, n)
				copy(data, buf[:n])
				onData(data)
			}
		}
		if err != nil {
			if primary {
				if errors.Is(err, io.EOF) {
					b.finish(nil)
				} else {
					b.finish(&remote.OpError{Op: "shell read", Err: err})
				}
			}
			return
		}
	}
}

// finish transitions to disconnected, releases the shell and
// connection, and emits the terminal event exactly once.
func (b *Bridge) finish(err error) {
	b.done.Do(func() {
		b.mu.Lock()
		b.state = StateDisconnected
		shell := b.shell
		conn := b.conn
		b.shell = nil
		b.mu.Unlock()

		if shell != nil {
			shell.Close()
		}
		if conn != nil {
			conn.Close()
		}

		if err != nil && b.events.OnError != nil {
			b.events.OnError(err)
		} else if b.events.OnClose != nil {
			b.events.OnClose()
		}
	})
}
