package filechan

import (
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gluk-w/sshbridge/internal/remote"
)

// Entry type strings derived from the remote mode bits.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
	TypeSymlink   = "symlink"
	TypeOther     = "other"
)

// FileEntry is one formatted directory entry or stat result.
type FileEntry struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Size        int64     `json:"size"`
	Mode        uint32    `json:"mode"`
	ModTime     time.Time `json:"mtime"`
	AccTime     time.Time `json:"atime"`
	UID         int       `json:"uid"`
	GID         int       `json:"gid"`
	Permissions string    `json:"permissions"`
}

// Channel is the file-access handle bound to one session. Every
// operation fails with ErrChannelClosed once the channel has been
// released, including operations already in flight when the parent
// session closed.
type Channel struct {
	fc     remote.FileChannel
	closed atomic.Bool
}

func newChannel(fc remote.FileChannel) *Channel {
	return &Channel{fc: fc}
}

// Close releases the underlying remote resource. Idempotent.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.fc.Close()
}

// Closed reports whether the channel has been released.
func (c *Channel) Closed() bool { return c.closed.Load() }

// wrap translates an operation failure: a channel released mid-flight
// reports ErrChannelClosed, anything else is a remote I/O error.
func (c *Channel) wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return &remote.OpError{Op: op, Path: path, Err: err}
}

// List returns the formatted entries of a remote directory.
// Directories sort before everything else; within the same type,
// names sort ascending.
func (c *Channel) List(path string) ([]FileEntry, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}
	infos, err := c.fc.ReadDir(path)
	if err != nil {
		return nil, c.wrap("list", path, err)
	}

	entries := make([]FileEntry, len(infos))
	for i, fi := range infos {
		entries[i] = toEntry(fi)
	}
	sort.Slice(entries, func(i, j int) bool {
		di, dj := entries[i].Type == TypeDirectory, entries[j].Type == TypeDirectory
		if di != dj {
			return di
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Stat returns the formatted attributes of one remote path.
func (c *Channel) Stat(path string) (FileEntry, error) {
	if c.closed.Load() {
		return FileEntry{}, ErrChannelClosed
	}
	fi, err := c.fc.Stat(path)
	if err != nil {
		return FileEntry{}, c.wrap("stat", path, err)
	}
	return toEntry(fi), nil
}

// Mkdir creates a remote directory.
func (c *Channel) Mkdir(path string) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return c.wrap("mkdir", path, c.fc.Mkdir(path))
}

// Rmdir removes an empty remote directory.
func (c *Channel) Rmdir(path string) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return c.wrap("rmdir", path, c.fc.RemoveDirectory(path))
}

// Unlink removes a remote file.
func (c *Channel) Unlink(path string) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return c.wrap("unlink", path, c.fc.Remove(path))
}

// Rename moves a remote file or directory.
func (c *Channel) Rename(oldPath, newPath string) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return c.wrap("rename", oldPath, c.fc.Rename(oldPath, newPath))
}

// RmdirRecursive deletes every descendant of path depth-first, then
// the directory itself. A failure partway leaves a partially deleted
// tree; the error is propagated and no rollback is attempted.
func (c *Channel) RmdirRecursive(path string) error {
	entries, err := c.List(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := path + "/" + e.Name
		if path == "/" {
			child = "/" + e.Name
		}
		if e.Type == TypeDirectory {
			if err := c.RmdirRecursive(child); err != nil {
				return err
			}
		} else {
			if err := c.Unlink(child); err != nil {
				return err
			}
		}
	}
	return c.Rmdir(path)
}

// ReadStream opens a remote file for reading.
func (c *Channel) ReadStream(path string) (io.ReadCloser, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}
	r, err := c.fc.OpenRead(path)
	if err != nil {
		return nil, c.wrap("read", path, err)
	}
	return r, nil
}

// WriteStream creates or truncates a remote file for writing. Writes
// to the returned stream block until the remote side has consumed
// them, which is the backpressure signal merge honors.
func (c *Channel) WriteStream(path string) (io.WriteCloser, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}
	w, err := c.fc.OpenWrite(path)
	if err != nil {
		return nil, c.wrap("write", path, err)
	}
	return w, nil
}

func toEntry(fi remote.FileInfo) FileEntry {
	return FileEntry{
		Name:        fi.Name,
		Type:        typeOf(fi.Mode),
		Size:        fi.Size,
		Mode:        fi.Mode,
		ModTime:     fi.ModTime,
		AccTime:     fi.AccTime,
		UID:         fi.UID,
		GID:         fi.GID,
		Permissions: permString(fi.Mode),
	}
}

func typeOf(mode uint32) string {
	switch mode & 0o170000 {
	case 0o040000:
		return TypeDirectory
	case 0o120000:
		return TypeSymlink
	case 0o100000:
		return TypeFile
	default:
		return TypeOther
	}
}

// permString renders the low nine mode bits as the POSIX rwx triplets.
func permString(mode uint32) string {
	perms := [8]string{"---", "--x", "-w-", "-wx", "r--", "r-x", "rw-", "rwx"}
	return perms[(mode>>6)&7] + perms[(mode>>3)&7] + perms[mode&7]
}
