package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	// dialTimeout bounds the TCP dial and SSH handshake.
	dialTimeout = 30 * time.Second

	// keepaliveInterval is how often keepalive requests are sent to
	// detect dead connections.
	keepaliveInterval = 10 * time.Second
)

// SSHDialer is the production Dialer. It authenticates with the
// password from the credentials and does not verify host keys (the
// browser client supplies arbitrary hosts).
type SSHDialer struct{}

// Dial connects and authenticates to creds.Addr(). The context bounds
// the TCP dial; the SSH handshake is bounded by dialTimeout.
func (SSHDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	cfg := &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(creds.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := creds.Addr()
	dialer := net.Dialer{Timeout: dialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	keepCtx, keepCancel := context.WithCancel(context.Background())
	c := &sshClientConn{client: client, keepCancel: keepCancel}
	go c.keepalive(keepCtx)

	return c, nil
}

// sshClientConn wraps an ssh.Client as a Conn.
type sshClientConn struct {
	client     *ssh.Client
	keepCancel context.CancelFunc
}

func (c *sshClientConn) OpenShell(termType string) (Shell, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty(termType, 24, 80, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &sshShell{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

func (c *sshClientConn) OpenFileChannel() (FileChannel, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	return &sftpChannel{client: client}, nil
}

func (c *sshClientConn) Close() error {
	c.keepCancel()
	return c.client.Close()
}

// keepalive sends periodic requests so dead TCP connections are
// detected before the next shell read. On failure the connection is
// closed, which unblocks every stream multiplexed on it.
func (c *sshClientConn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.client.Close()
				return
			}
		}
	}
}

// sshShell wraps a PTY-backed ssh.Session as a Shell.
type sshShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
}

func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *sshShell) Stdout() io.Reader           { return s.stdout }
func (s *sshShell) Stderr() io.Reader           { return s.stderr }

func (s *sshShell) Resize(cols, rows uint16) error {
	return s.session.WindowChange(int(rows), int(cols))
}

func (s *sshShell) Close() error {
	s.stdin.Close()
	return s.session.Close()
}

// sftpChannel wraps an sftp.Client as a FileChannel.
type sftpChannel struct {
	client *sftp.Client
}

func (c *sftpChannel) ReadDir(path string) ([]FileInfo, error) {
	entries, err := c.client.ReadDir(path)
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, len(entries))
	for i, fi := range entries {
		infos[i] = toFileInfo(fi.Name(), fi)
	}
	return infos, nil
}

func (c *sftpChannel) Stat(path string) (FileInfo, error) {
	fi, err := c.client.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	return toFileInfo(fi.Name(), fi), nil
}

func (c *sftpChannel) Mkdir(path string) error           { return c.client.Mkdir(path) }
func (c *sftpChannel) RemoveDirectory(path string) error { return c.client.RemoveDirectory(path) }
func (c *sftpChannel) Remove(path string) error          { return c.client.Remove(path) }

func (c *sftpChannel) Rename(oldPath, newPath string) error {
	return c.client.Rename(oldPath, newPath)
}

func (c *sftpChannel) OpenRead(path string) (io.ReadCloser, error) {
	return c.client.Open(path)
}

func (c *sftpChannel) OpenWrite(path string) (io.WriteCloser, error) {
	return c.client.Create(path)
}

func (c *sftpChannel) Close() error { return c.client.Close() }

// toFileInfo extracts the raw SFTP attributes when present; mode bits
// fall back to the portable FileMode conversion otherwise.
func toFileInfo(name string, fi os.FileInfo) FileInfo {
	info := FileInfo{
		Name:    name,
		Size:    fi.Size(),
		Mode:    uint32(fi.Mode().Perm()),
		ModTime: fi.ModTime(),
	}
	if fi.IsDir() {
		info.Mode |= 0o040000
	} else if fi.Mode()&os.ModeSymlink != 0 {
		info.Mode |= 0o120000
	} else if fi.Mode().IsRegular() {
		info.Mode |= 0o100000
	}

	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		info.Mode = st.Mode
		info.UID = int(st.UID)
		info.GID = int(st.GID)
		info.AccTime = time.Unix(int64(st.Atime), 0)
		info.ModTime = time.Unix(int64(st.Mtime), 0)
	}
	return info
}
