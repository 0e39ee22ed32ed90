package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 * 1024
	// maxQueued bounds candidate lists held for a peer that is not online.
	maxQueued = 16
)

// Hub forwards candidate lists between registered peers.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	peers   map[string]*hubPeer
	pending map[string][]*Message
}

// hubPeer is one registered websocket connection.
type hubPeer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // protects conn writes
}

// send writes a message with a deadline. Thread-safe.
func (p *hubPeer) send(msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := p.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// NewHub creates a hub accepting websocket upgrades from any origin.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers:   make(map[string]*hubPeer),
		pending: make(map[string][]*Message),
	}
}

// ServeHTTP upgrades the request and serves one peer until it disconnects.
// The first message must be a register message.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		log.Debug().Err(err).Msg("read register message")
		return
	}
	if hello.Type != TypeRegister || hello.From == "" {
		_ = conn.WriteJSON(NewErrorMessage("first message must register an id"))
		return
	}

	peer := &hubPeer{id: hello.From, conn: conn}
	queued := h.register(peer)
	defer h.unregister(peer)

	log.Info().Str("peer", peer.id).Int("queued", len(queued)).Msg("peer registered")
	for _, msg := range queued {
		if err := peer.send(msg); err != nil {
			log.Debug().Err(err).Str("peer", peer.id).Msg("deliver queued message")
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("peer", peer.id).Msg("peer read failed")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = peer.send(NewErrorMessage("malformed message"))
			continue
		}
		h.handle(peer, &msg)
	}
}

// handle forwards a candidates message from peer.
func (h *Hub) handle(from *hubPeer, msg *Message) {
	if msg.Type != TypeCandidates || msg.To == "" {
		_ = from.send(NewErrorMessage(fmt.Sprintf("unsupported message %q", msg.Type)))
		return
	}
	msg.From = from.id

	h.mu.Lock()
	target, online := h.peers[msg.To]
	if !online {
		q := append(h.pending[msg.To], msg)
		if len(q) > maxQueued {
			q = q[len(q)-maxQueued:]
		}
		h.pending[msg.To] = q
	}
	h.mu.Unlock()

	if !online {
		log.Debug().Str("from", from.id).Str("to", msg.To).Msg("target offline, candidates queued")
		return
	}
	if err := target.send(msg); err != nil {
		log.Debug().Err(err).Str("to", msg.To).Msg("forward candidates")
	}
}

// register adds peer, replacing an older connection with the same ID, and
// returns messages queued for it.
func (h *Hub) register(peer *hubPeer) []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.peers[peer.id]; ok {
		old.conn.Close()
	}
	h.peers[peer.id] = peer
	queued := h.pending[peer.id]
	delete(h.pending, peer.id)
	return queued
}

func (h *Hub) unregister(peer *hubPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[peer.id] == peer {
		delete(h.peers, peer.id)
	}
	log.Debug().Str("peer", peer.id).Msg("peer unregistered")
}

// Online reports whether id is registered.
func (h *Hub) Online(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[id]
	return ok
}
