// Package remote abstracts the remote-access client library behind a
// small capability interface so the bridge, channel manager, and
// handlers can be tested without a real remote endpoint.
//
// The production implementation (ssh.go) dials SSH with password
// credentials, opens PTY-backed shells over golang.org/x/crypto/ssh,
// and opens SFTP file channels over github.com/pkg/sftp.
package remote

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Credentials identify the remote host and the account used to open a
// connection. Password is held only for the duration of the dial.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the host:port dial target, defaulting the port to 22.
func (c Credentials) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Dialer opens remote connections. Implementations must be safe for
// concurrent use.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one authenticated remote connection. A connection can carry
// one interactive shell and one file channel concurrently (the
// underlying transport multiplexes them).
type Conn interface {
	// OpenShell requests an interactive shell with a PTY of the given
	// terminal type.
	OpenShell(termType string) (Shell, error)
	// OpenFileChannel opens the file-access subsystem on this
	// connection.
	OpenFileChannel() (FileChannel, error)
	// Close tears down the connection and everything multiplexed on it.
	Close() error
}

// Shell is an interactive remote shell. Stdout and Stderr each deliver
// the remote byte stream as-is; callers forward every read verbatim.
type Shell interface {
	// Write sends keyboard input to the shell.
	Write(p []byte) (int, error)
	// Stdout returns the shell's output stream.
	Stdout() io.Reader
	// Stderr returns the shell's error stream.
	Stderr() io.Reader
	// Resize changes the PTY dimensions.
	Resize(cols, rows uint16) error
	// Close ends the shell stream. Safe to call more than once.
	Close() error
}

// FileInfo describes one remote file system entry. Mode carries the
// raw POSIX mode bits including the file-type nibble.
type FileInfo struct {
	Name    string
	Size    int64
	Mode    uint32
	ModTime time.Time
	AccTime time.Time
	UID     int
	GID     int
}

// FileChannel is the raw file-access handle bound to a Conn. All paths
// are expected to be validated before they reach the channel.
type FileChannel interface {
	ReadDir(path string) ([]FileInfo, error)
	Stat(path string) (FileInfo, error)
	Mkdir(path string) error
	RemoveDirectory(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	// OpenRead opens the remote file for reading.
	OpenRead(path string) (io.ReadCloser, error)
	// OpenWrite creates or truncates the remote file for writing.
	OpenWrite(path string) (io.WriteCloser, error)
	Close() error
}

// OpError wraps a failure surfaced by the remote-access library with
// the operation and path it occurred on.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
