package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hokipoki/internal/wire"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TokenValidator verifies a bearer token against the identity provider and
// returns the authenticated user id.
type TokenValidator func(token string) (userID string, err error)

// Peer is one authenticated relay connection. Outbound writes go through a
// buffered Send channel drained by a dedicated writer goroutine, so one slow
// peer cannot block the hub's dispatch loop.
type Peer struct {
	ID           string
	UserID       string
	Role         wire.Role
	WorkspaceIDs []string
	Tools        []string
	// MatchedWith maps an active taskID to the counterpart peerID, used to
	// gate p2p_relay forwarding to only currently-matched pairs.
	mu          sync.RWMutex
	matchedWith map[string]string

	conn *websocket.Conn
	Send chan []byte
}

func newPeer(id string, conn *websocket.Conn) *Peer {
	return &Peer{
		ID:          id,
		conn:        conn,
		Send:        make(chan []byte, sendBuffer),
		matchedWith: make(map[string]string),
	}
}

func (p *Peer) setMatch(taskID, counterpart string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matchedWith[taskID] = counterpart
}

func (p *Peer) matchFor(taskID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.matchedWith[taskID]
	return id, ok
}

func (p *Peer) clearMatch(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.matchedWith, taskID)
}

// sendFrame marshals v and enqueues it, returning an error (and dropping the
// frame) if the send buffer is full rather than blocking the hub.
func (p *Peer) sendFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case p.Send <- data:
		return nil
	default:
		return fmt.Errorf("relay: peer %s send buffer full", p.ID)
	}
}

// Hub owns the authenticated peer set and the authoritative task Store. It
// is the relay's single mutator of cross-peer state.
type Hub struct {
	Logger   *log.Logger
	Validate TokenValidator
	Store    *Store

	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewHub constructs a Hub with a fresh Store.
func NewHub(logger *log.Logger, validate TokenValidator) *Hub {
	return &Hub{
		Logger:   logger,
		Validate: validate,
		Store:    NewStore(),
		peers:    make(map[string]*Peer),
	}
}

func (h *Hub) newPeerID() string {
	return "peer-" + uuid.New().String()
}

func (h *Hub) addPeer(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p.ID] = p
}

func (h *Hub) removePeer(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, id)
}

// peer returns the live Peer for id, if connected.
func (h *Hub) peer(id string) (*Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[id]
	return p, ok
}

// ServeWS upgrades the HTTP request to a WebSocket and runs the connection's
// read/write pumps until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("upgrade failed: %v", err)
		return
	}
	h.handleConnection(conn)
}

// ServeHTTP makes Hub usable directly as an http.Handler: "/ws" upgrades to
// the relay protocol, "/healthz" answers liveness probes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ws":
		h.ServeWS(w, r)
	case "/healthz":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Hub) logf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

var errFirstFrameNotAuth = errors.New("relay: first frame must be authenticate")

func (h *Hub) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var authFrame wire.AuthenticateFrame
	if err := json.Unmarshal(raw, &authFrame); err != nil || authFrame.Type != "authenticate" {
		h.logf("handshake failed: %v", errFirstFrameNotAuth)
		return
	}
	userID, err := h.Validate(authFrame.Token)
	if err != nil {
		h.logf("authentication failed: %v", err)
		return
	}

	id := h.newPeerID()
	peer := newPeer(id, conn)
	peer.UserID = userID
	h.addPeer(peer)
	defer h.disconnect(peer)

	if err := peer.sendFrame(wire.ConnectionConfirmedFrame{Type: "connection_confirmed", PeerID: id}); err != nil {
		return
	}

	done := make(chan struct{})
	go h.writePump(peer, done)
	h.readPump(peer)
	close(done)
}

func (h *Hub) writePump(p *Peer, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-p.Send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) readPump(p *Peer) {
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var t wire.TypeOnly
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		h.dispatch(p, t.Type, raw)
	}
}

func (h *Hub) disconnect(p *Peer) {
	h.removePeer(p.ID)
	h.Store.UnregisterPeer(p.ID)
	for _, task := range h.Store.CancelTasksForPeer(p.ID) {
		h.notifyCancelled(task, p.ID, "peer disconnected")
	}
}
