// Package filechan manages the secondary file-access channel bound to
// each session. Channels are opened lazily on first use, reused for
// subsequent file operations, and torn down with the parent session.
package filechan

import (
	"errors"
	"log"
	"sync"

	"github.com/gluk-w/sshbridge/internal/remote"
)

var (
	// ErrChannelUnavailable is returned when a channel cannot be
	// opened because the session is not connected.
	ErrChannelUnavailable = errors.New("file channel unavailable: session not connected")
	// ErrChannelClosed is returned for operations on a released
	// channel, including operations in flight when the parent session
	// closed.
	ErrChannelClosed = errors.New("file channel closed")
)

// Manager owns at most one Channel per session.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// entry tracks one channel slot, including an open still in flight.
// ready is closed when the open attempt finished; exactly one of ch or
// err is then set.
type entry struct {
	ready chan struct{}
	ch    *Channel
	err   error
}

func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// Acquire returns the session's live channel, opening one over conn if
// none exists. A nil conn (session not connected) fails with
// ErrChannelUnavailable. Concurrent acquisitions never race into two
// opens for one session: later callers wait for the first in-flight
// open instead of starting a duplicate.
func (m *Manager) Acquire(sessionID string, conn remote.Conn) (*Channel, error) {
	for {
		m.mu.Lock()
		e, ok := m.entries[sessionID]
		if !ok {
			if conn == nil {
				m.mu.Unlock()
				return nil, ErrChannelUnavailable
			}
			e = &entry{ready: make(chan struct{})}
			m.entries[sessionID] = e
			m.mu.Unlock()
			return m.open(sessionID, conn, e)
		}
		m.mu.Unlock()

		<-e.ready
		if e.err == nil && !e.ch.Closed() {
			return e.ch, nil
		}

		// Stale slot (failed open or released channel): clear it and
		// try again.
		m.mu.Lock()
		if cur, ok := m.entries[sessionID]; ok && cur == e {
			delete(m.entries, sessionID)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) open(sessionID string, conn remote.Conn, e *entry) (*Channel, error) {
	fc, err := conn.OpenFileChannel()
	if err != nil {
		e.err = &remote.OpError{Op: "open file channel", Err: err}
		close(e.ready)
		m.mu.Lock()
		if cur, ok := m.entries[sessionID]; ok && cur == e {
			delete(m.entries, sessionID)
		}
		m.mu.Unlock()
		return nil, e.err
	}

	e.ch = newChannel(fc)
	close(e.ready)
	log.Printf("[filechan] channel opened for session %s", sessionID)
	return e.ch, nil
}

// Release closes and removes the session's channel. Called from the
// session's teardown hook; also safe for sessions that never opened a
// channel. An open still in flight is awaited so the just-opened
// channel cannot leak.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if ok {
		delete(m.entries, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	<-e.ready
	if e.ch != nil {
		e.ch.Close()
		log.Printf("[filechan] channel released for session %s", sessionID)
	}
}

// CloseAll releases every channel. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.ch != nil {
			e.ch.Close()
		}
	}
}
