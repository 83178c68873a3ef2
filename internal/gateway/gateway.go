// Package gateway owns the session registry and the WebSocket message
// protocol. Each browser client holds one persistent WebSocket; every
// "connect" message on it creates an independent session whose shell
// bytes are bridged back over the same socket as JSON data messages.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gluk-w/sshbridge/internal/bridge"
	"github.com/gluk-w/sshbridge/internal/filechan"
	"github.com/gluk-w/sshbridge/internal/remote"
)

// ErrSessionNotFound is returned when no live session exists for an id.
var ErrSessionNotFound = errors.New("session not found")

// messageRateLimit and messageRateBurst bound inbound messages per
// socket. Messages beyond the rate are dropped; the burst allows paste
// operations through.
const (
	messageRateLimit = 200
	messageRateBurst = 200
)

// Session is one registered interactive session.
type Session struct {
	ID     string
	Bridge *bridge.Bridge
}

// Gateway accepts transport connections, routes structured messages to
// session bridges, and resolves file channels for the HTTP surface.
type Gateway struct {
	dialer   remote.Dialer
	channels *filechan.Manager
	termType string

	mu       sync.RWMutex
	sessions map[string]*Session
}

func New(dialer remote.Dialer, channels *filechan.Manager, termType string) *Gateway {
	return &Gateway{
		dialer:   dialer,
		channels: channels,
		termType: termType,
		sessions: make(map[string]*Session),
	}
}

// Lookup returns the live session for id.
func (g *Gateway) Lookup(id string) (*Session, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// FileChannel returns the session's secondary channel, opening it on
// first use. The channel is released by the session's close hook, so a
// caller never has to free it.
func (g *Gateway) FileChannel(sessionID string) (*filechan.Channel, error) {
	s, err := g.Lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return g.channels.Acquire(sessionID, s.Bridge.Conn())
}

// SessionCount returns the number of registered sessions.
func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// CloseAll disconnects every registered session. Used during shutdown.
func (g *Gateway) CloseAll() {
	g.mu.RLock()
	var all []*Session
	for _, s := range g.sessions {
		all = append(all, s)
	}
	g.mu.RUnlock()

	for _, s := range all {
		s.Bridge.Disconnect()
	}
}

func (g *Gateway) register(s *Session) {
	g.mu.Lock()
	g.sessions[s.ID] = s
	g.mu.Unlock()
}

// remove drops the registry entry and releases the session's file
// channel, failing any file operation still in flight on it.
func (g *Gateway) remove(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	g.mu.Unlock()
	g.channels.Release(id)
}

// clientMessage is the JSON shape of every client -> server message.
type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// connect fields
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// data field
	Data string `json:"data,omitempty"`

	// resize fields
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// serverMessage is the JSON shape of every server -> client message.
type serverMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      string `json:"data,omitempty"`
}

// socketWriter serializes concurrent writes to one WebSocket. Bridge
// data callbacks for several sessions may fire at once.
type socketWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
	ctx  context.Context
}

func (w *socketWriter) send(msg serverMessage) {
	buf, err := json.Marshal(msg)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	// A failed write means the socket is gone; teardown happens in the
	// read loop.
	w.conn.Write(w.ctx, websocket.MessageText, buf)
}

// ServeWS handles one browser transport channel for its whole
// lifetime. On socket close every session opened on it is
// disconnected.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	conn.SetReadLimit(1024 * 1024)
	writer := &socketWriter{conn: conn, ctx: ctx}
	limiter := rate.NewLimiter(rate.Limit(messageRateLimit), messageRateBurst)

	// Sessions opened on this socket, and the one data/resize messages
	// without an explicit sessionId go to (the most recently connected,
	// matching single-session clients). closed flips at teardown so a
	// connect still dialing cannot register on a dead socket.
	var (
		localMu sync.Mutex
		local   = make(map[string]*Session)
		current string
		closed  bool
	)

	log.Printf("[gateway] client connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if !limiter.Allow() {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			writer.send(serverMessage{Type: "error", Message: "malformed message"})
			continue
		}

		switch msg.Type {
		case "connect":
			// Dialing can take up to ConnectTimeout; run it off the
			// read loop so traffic for sessions already open on this
			// socket keeps flowing and concurrent connects proceed
			// independently.
			go func(msg clientMessage) {
				s, err := g.openSession(ctx, msg, writer)
				if err != nil {
					writer.send(serverMessage{Type: "error", Message: err.Error()})
					return
				}
				localMu.Lock()
				if closed {
					localMu.Unlock()
					s.Bridge.Disconnect()
					return
				}
				local[s.ID] = s
				current = s.ID
				localMu.Unlock()
				writer.send(serverMessage{
					Type:      "connected",
					SessionID: s.ID,
					Message:   fmt.Sprintf("connected to %s", msg.Host),
				})
			}(msg)

		case "data":
			if s := resolve(&localMu, local, msg.SessionID, &current); s != nil {
				s.Bridge.Write([]byte(msg.Data))
			}

		case "resize":
			if s := resolve(&localMu, local, msg.SessionID, &current); s != nil {
				if msg.Cols > 0 && msg.Rows > 0 {
					s.Bridge.Resize(msg.Cols, msg.Rows)
				}
			}

		case "disconnect":
			if s := resolve(&localMu, local, msg.SessionID, &current); s != nil {
				s.Bridge.Disconnect()
				localMu.Lock()
				delete(local, s.ID)
				if current == s.ID {
					current = ""
				}
				localMu.Unlock()
			}
		}
	}

	// Transport channel closed: tear down every session it owned.
	localMu.Lock()
	closed = true
	owned := make([]*Session, 0, len(local))
	for _, s := range local {
		owned = append(owned, s)
	}
	localMu.Unlock()
	for _, s := range owned {
		s.Bridge.Disconnect()
	}

	log.Printf("[gateway] client disconnected (%d sessions closed)", len(owned))
	conn.Close(websocket.StatusNormalClosure, "")
}

// openSession validates credentials, dials the bridge, and registers
// the session once the bridge is ready. On failure nothing is
// registered.
func (g *Gateway) openSession(ctx context.Context, msg clientMessage, writer *socketWriter) (*Session, error) {
	if msg.Host == "" || msg.Username == "" {
		return nil, errors.New("host and username are required")
	}

	id := uuid.New().String()
	creds := remote.Credentials{
		Host:     msg.Host,
		Port:     msg.Port,
		Username: msg.Username,
		Password: msg.Password,
	}

	events := bridge.Events{
		OnData: func(p []byte) {
			writer.send(serverMessage{Type: "data", SessionID: id, Data: string(p)})
		},
		OnClose: func() {
			g.remove(id)
			writer.send(serverMessage{Type: "disconnected", SessionID: id})
			log.Printf("[gateway] session %s closed", id)
		},
		OnError: func(err error) {
			g.remove(id)
			writer.send(serverMessage{Type: "error", SessionID: id, Message: err.Error()})
			writer.send(serverMessage{Type: "disconnected", SessionID: id})
			log.Printf("[gateway] session %s failed: %v", id, err)
		},
	}

	log.Printf("[gateway] session %s connecting to %s@%s", id, msg.Username, creds.Addr())
	b, err := bridge.Dial(ctx, g.dialer, creds, g.termType, events)
	if err != nil {
		log.Printf("[gateway] session %s connect failed: %v", id, err)
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	s := &Session{ID: id, Bridge: b}
	g.register(s)
	// The remote can close between Dial returning and registration, in
	// which case the close hook's removal ran against an empty registry.
	if b.State() == bridge.StateDisconnected {
		g.remove(id)
	}
	log.Printf("[gateway] session %s connected", id)
	return s, nil
}

// resolve picks the target session for a routed message: the explicit
// sessionId when present, the socket's current session otherwise.
// Unknown ids are a no-op, not an error.
func resolve(mu *sync.Mutex, local map[string]*Session, id string, current *string) *Session {
	mu.Lock()
	defer mu.Unlock()
	if id == "" {
		id = *current
	}
	return local[id]
}
