// Package upload implements the resumable chunked transfer manager.
//
// A client splits a file into fixed-size chunks and submits them in
// any order; each chunk is staged on local disk exactly once. Once all
// chunks are present, complete streams them in index order into the
// remote file system through the session's file channel. Abandoned
// uploads are swept after an idle timeout so staging space is bounded.
package upload

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultChunkSize is the fixed chunk size handed to clients at init.
	DefaultChunkSize = 5 * 1024 * 1024
	// DefaultMaxFileSize is the upload size ceiling.
	DefaultMaxFileSize = 1024 * 1024 * 1024
	// DefaultIdleTimeout is how long a task may sit without activity
	// before the sweep removes it.
	DefaultIdleTimeout = 30 * time.Minute
)

var (
	// ErrFileTooLarge is returned by Init when the declared size
	// exceeds the ceiling.
	ErrFileTooLarge = errors.New("file size exceeds limit")
	// ErrUploadNotFound is returned for an unknown upload id.
	ErrUploadNotFound = errors.New("upload task not found")
	// ErrInvalidChunkIndex is returned for a chunk index outside
	// [0, totalChunks).
	ErrInvalidChunkIndex = errors.New("invalid chunk index")
	// ErrIncompleteUpload is returned by Complete while chunks are
	// still missing; the wrapped message lists the missing indices.
	ErrIncompleteUpload = errors.New("upload incomplete")
	// ErrCancelled is returned by a merge interrupted by Cancel.
	ErrCancelled = errors.New("upload cancelled")
)

// TaskStatus is the lifecycle state of one upload task.
type TaskStatus string

const (
	StatusInitialized TaskStatus = "initialized"
	StatusUploading   TaskStatus = "uploading"
	StatusMerging     TaskStatus = "merging"
	StatusCompleted   TaskStatus = "completed"
	StatusError       TaskStatus = "error"
	StatusCancelled   TaskStatus = "cancelled"
)

// StreamOpener opens a write stream to a remote path. Satisfied by the
// session's file channel.
type StreamOpener interface {
	WriteStream(path string) (io.WriteCloser, error)
}

// Config carries the manager's tunables; zero values pick the defaults.
type Config struct {
	// Dir is the local staging root. Each task stages under its own
	// subdirectory keyed by upload id.
	Dir         string
	ChunkSize   int64
	MaxFileSize int64
	IdleTimeout time.Duration
}

// Manager owns the upload-task table and the staging directory.
type Manager struct {
	dir         string
	chunkSize   int64
	maxFileSize int64
	idleTimeout time.Duration

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	mu sync.Mutex

	id          string
	sessionID   string
	filename    string
	fileSize    int64
	remotePath  string
	chunkSize   int64
	totalChunks int
	received    map[int]bool
	status      TaskStatus
	createdAt   time.Time
	lastActive  time.Time
	stagingDir  string
}

// InitResult is returned to the client so it can slice the file.
type InitResult struct {
	UploadID    string `json:"uploadId"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int64  `json:"chunkSize"`
}

// Progress reports chunk-receipt state after each accepted chunk.
type Progress struct {
	UploadID      string     `json:"uploadId"`
	Progress      float64    `json:"progress"`
	ReceivedCount int        `json:"receivedCount"`
	TotalChunks   int        `json:"totalChunks"`
	Status        TaskStatus `json:"status"`
}

// Snapshot is the full task state used by clients to resume.
type Snapshot struct {
	UploadID       string     `json:"uploadId"`
	Filename       string     `json:"filename"`
	FileSize       int64      `json:"fileSize"`
	RemotePath     string     `json:"remotePath"`
	TotalChunks    int        `json:"totalChunks"`
	ChunkSize      int64      `json:"chunkSize"`
	ReceivedChunks []int      `json:"receivedChunks"`
	Status         TaskStatus `json:"status"`
	Progress       float64    `json:"progress"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivity   time.Time  `json:"lastActivity"`
}

// CompleteResult reports a finished merge.
type CompleteResult struct {
	RemotePath string `json:"remotePath"`
	FileSize   int64  `json:"fileSize"`
}

// NewManager creates the staging root if needed.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "sshbridge-uploads")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Manager{
		dir:         cfg.Dir,
		chunkSize:   cfg.ChunkSize,
		maxFileSize: cfg.MaxFileSize,
		idleTimeout: cfg.IdleTimeout,
		tasks:       make(map[string]*task),
	}, nil
}

// ChunkSize returns the fixed chunk size clients must use.
func (m *Manager) ChunkSize() int64 { return m.chunkSize }

// Init creates a new upload task. The remote target path is fixed to
// remoteDir/filename at init time.
func (m *Manager) Init(sessionID, filename string, fileSize int64, remoteDir string) (InitResult, error) {
	if fileSize > m.maxFileSize {
		return InitResult{}, fmt.Errorf("%w (max %d bytes)", ErrFileTooLarge, m.maxFileSize)
	}
	if filename == "" || fileSize <= 0 {
		return InitResult{}, fmt.Errorf("invalid upload: filename and a positive file size are required")
	}

	totalChunks := int((fileSize + m.chunkSize - 1) / m.chunkSize)
	id := uuid.New().String()
	stagingDir := filepath.Join(m.dir, id)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return InitResult{}, fmt.Errorf("create staging dir: %w", err)
	}

	now := time.Now()
	t := &task{
		id:          id,
		sessionID:   sessionID,
		filename:    filename,
		fileSize:    fileSize,
		remotePath:  path.Join(remoteDir, filename),
		chunkSize:   m.chunkSize,
		totalChunks: totalChunks,
		received:    make(map[int]bool),
		status:      StatusInitialized,
		createdAt:   now,
		lastActive:  now,
		stagingDir:  stagingDir,
	}

	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()

	log.Printf("[upload] init %s: %s (%d bytes, %d chunks) -> %s", id, filename, fileSize, totalChunks, t.remotePath)
	return InitResult{UploadID: id, TotalChunks: totalChunks, ChunkSize: m.chunkSize}, nil
}

func (m *Manager) get(uploadID string) (*task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[uploadID]
	if !ok {
		return nil, ErrUploadNotFound
	}
	return t, nil
}

// Chunk stages one chunk. Re-receiving an already-stored index is
// idempotent: current progress is returned without rewriting.
func (m *Manager) Chunk(uploadID string, index int, data []byte) (Progress, error) {
	t, err := m.get(uploadID)
	if err != nil {
		return Progress{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= t.totalChunks {
		return Progress{}, fmt.Errorf("%w: %d (total %d)", ErrInvalidChunkIndex, index, t.totalChunks)
	}
	if t.status != StatusInitialized && t.status != StatusUploading {
		return Progress{}, fmt.Errorf("upload %s is %s and no longer accepts chunks", uploadID, t.status)
	}
	if t.received[index] {
		return t.progressLocked(), nil
	}

	if err := os.WriteFile(t.chunkPath(index), data, 0o644); err != nil {
		return Progress{}, fmt.Errorf("stage chunk %d: %w", index, err)
	}

	t.received[index] = true
	t.status = StatusUploading
	t.lastActive = time.Now()
	return t.progressLocked(), nil
}

// Complete merges the staged chunks, in index order, into the fixed
// remote target path through sink. Every chunk write waits for the
// sink to accept the previous one, so merge I/O follows the remote
// side's backpressure. On success the staging data is deleted and the
// task entry dropped. On an I/O failure the task is marked error and
// staging is retained for diagnosis; the partially written remote file
// is left in place for the caller to retry or clean up.
func (m *Manager) Complete(uploadID string, sink StreamOpener) (CompleteResult, error) {
	t, err := m.get(uploadID)
	if err != nil {
		return CompleteResult{}, err
	}

	t.mu.Lock()
	if t.status != StatusInitialized && t.status != StatusUploading {
		status := t.status
		t.mu.Unlock()
		return CompleteResult{}, fmt.Errorf("upload %s is %s and cannot be completed", uploadID, status)
	}
	if len(t.received) != t.totalChunks {
		missing := t.missingLocked()
		t.mu.Unlock()
		return CompleteResult{}, fmt.Errorf("%w: missing chunks %v", ErrIncompleteUpload, missing)
	}
	t.status = StatusMerging
	t.lastActive = time.Now()
	remotePath := t.remotePath
	totalChunks := t.totalChunks
	t.mu.Unlock()

	log.Printf("[upload] merging %s -> %s", uploadID, remotePath)

	w, err := sink.WriteStream(remotePath)
	if err != nil {
		t.fail()
		return CompleteResult{}, err
	}

	for i := 0; i < totalChunks; i++ {
		t.mu.Lock()
		cancelled := t.status == StatusCancelled
		t.mu.Unlock()
		if cancelled {
			w.Close()
			return CompleteResult{}, ErrCancelled
		}

		data, err := os.ReadFile(t.chunkPath(i))
		if err != nil {
			w.Close()
			t.fail()
			return CompleteResult{}, fmt.Errorf("read staged chunk %d: %w", i, err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			t.fail()
			return CompleteResult{}, fmt.Errorf("write chunk %d: %w", i, err)
		}
	}

	if err := w.Close(); err != nil {
		t.fail()
		return CompleteResult{}, fmt.Errorf("close remote file: %w", err)
	}

	t.mu.Lock()
	if t.status == StatusCancelled {
		t.mu.Unlock()
		return CompleteResult{}, ErrCancelled
	}
	t.status = StatusCompleted
	t.mu.Unlock()

	os.RemoveAll(t.stagingDir)
	m.drop(uploadID)
	log.Printf("[upload] completed %s -> %s (%d bytes)", uploadID, remotePath, t.fileSize)
	return CompleteResult{RemotePath: remotePath, FileSize: t.fileSize}, nil
}

// Status returns the full task snapshot for resume-after-disconnect.
func (m *Manager) Status(uploadID string) (Snapshot, error) {
	t, err := m.get(uploadID)
	if err != nil {
		return Snapshot{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	received := make([]int, 0, len(t.received))
	for i := range t.received {
		received = append(received, i)
	}
	sort.Ints(received)

	return Snapshot{
		UploadID:       t.id,
		Filename:       t.filename,
		FileSize:       t.fileSize,
		RemotePath:     t.remotePath,
		TotalChunks:    t.totalChunks,
		ChunkSize:      t.chunkSize,
		ReceivedChunks: received,
		Status:         t.status,
		Progress:       t.progressPctLocked(),
		CreatedAt:      t.createdAt,
		LastActivity:   t.lastActive,
	}, nil
}

// Cancel marks the task cancelled and deletes its staging data. A
// merge in flight stops before its next chunk write. Unknown ids are a
// no-op.
func (m *Manager) Cancel(uploadID string) {
	m.mu.Lock()
	t, ok := m.tasks[uploadID]
	if ok {
		delete(m.tasks, uploadID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.status = StatusCancelled
	t.mu.Unlock()

	os.RemoveAll(t.stagingDir)
	log.Printf("[upload] cancelled %s", uploadID)
}

// SweepExpired removes every task idle longer than the configured
// timeout, regardless of status, deleting its staging data. Returns
// the number of tasks removed.
func (m *Manager) SweepExpired() int {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var expired []*task
	for id, t := range m.tasks {
		t.mu.Lock()
		idle := t.lastActive.Before(cutoff)
		t.mu.Unlock()
		if idle {
			expired = append(expired, t)
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()

	for _, t := range expired {
		os.RemoveAll(t.stagingDir)
		log.Printf("[upload] expired %s (idle since %s)", t.id, t.lastActive.Format(time.RFC3339))
	}
	return len(expired)
}

// TaskCount returns the number of tracked tasks.
func (m *Manager) TaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Manager) drop(uploadID string) {
	m.mu.Lock()
	delete(m.tasks, uploadID)
	m.mu.Unlock()
}

// fail marks the task error unless it was cancelled meanwhile. Staging
// data is retained for diagnosis.
func (t *task) fail() {
	t.mu.Lock()
	if t.status != StatusCancelled {
		t.status = StatusError
	}
	t.mu.Unlock()
}

func (t *task) chunkPath(index int) string {
	return filepath.Join(t.stagingDir, fmt.Sprintf("chunk_%d", index))
}

func (t *task) progressLocked() Progress {
	return Progress{
		UploadID:      t.id,
		Progress:      t.progressPctLocked(),
		ReceivedCount: len(t.received),
		TotalChunks:   t.totalChunks,
		Status:        t.status,
	}
}

func (t *task) progressPctLocked() float64 {
	if t.totalChunks == 0 {
		return 0
	}
	return float64(len(t.received)) / float64(t.totalChunks) * 100
}

func (t *task) missingLocked() []int {
	var missing []int
	for i := 0; i < t.totalChunks; i++ {
		if !t.received[i] {
			missing = append(missing, i)
		}
	}
	return missing
}
