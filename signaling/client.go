package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	p2p "github.com/go-i2p/go-p2p"
)

// CandidateHandler receives a candidate list sent by peer from.
type CandidateHandler func(from string, candidates []p2p.Candidate)

// Client is a hub connection for one local peer ID. It implements
// p2p.Signaler.
type Client struct {
	id   string
	conn *websocket.Conn

	hmu     sync.Mutex
	handler CandidateHandler

	mu     sync.Mutex // protects conn writes
	closed bool
	done   chan struct{}
}

// Dial connects to the hub at url and registers id. Incoming candidate
// lists are passed to handler from the client's read goroutine.
func Dial(ctx context.Context, url, id string, handler CandidateHandler) (*Client, error) {
	if id == "" {
		return nil, errors.New("signaling: empty peer id")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		id:      id,
		conn:    conn,
		handler: handler,
		done:    make(chan struct{}),
	}
	if err := c.write(ctx, &Message{Type: TypeRegister, From: id}); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// Register sends the local candidates to remoteID through the hub.
func (c *Client) Register(ctx context.Context, localID, remoteID string, candidates []p2p.Candidate) error {
	if localID != c.id {
		return fmt.Errorf("signaling: client registered as %q, not %q", c.id, localID)
	}
	msg := &Message{
		Type:       TypeCandidates,
		From:       localID,
		To:         remoteID,
		Candidates: make([]CandidateInfo, 0, len(candidates)),
	}
	for _, cand := range candidates {
		msg.Candidates = append(msg.Candidates, FromCandidate(cand))
	}
	return c.write(ctx, msg)
}

func (c *Client) write(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("signaling: client closed")
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			log.Debug().Err(err).Str("peer", c.id).Msg("signaling read loop exiting")
			return
		}
		switch msg.Type {
		case TypeCandidates:
			c.deliver(&msg)
		case TypeError:
			log.Warn().Str("error", msg.Error).Msg("hub reported an error")
		}
	}
}

func (c *Client) deliver(msg *Message) {
	cands := make([]p2p.Candidate, 0, len(msg.Candidates))
	for _, info := range msg.Candidates {
		cand, err := info.Candidate()
		if err != nil {
			log.Debug().Err(err).Str("from", msg.From).Msg("skipping bad candidate")
			continue
		}
		cands = append(cands, cand)
	}
	log.Debug().Str("from", msg.From).Int("candidates", len(cands)).Msg("candidates received")

	c.hmu.Lock()
	handler := c.handler
	c.hmu.Unlock()
	if handler != nil {
		handler(msg.From, cands)
	}
}

// SetHandler replaces the candidate handler. Useful when the session that
// consumes candidates is created after the client it signals through.
func (c *Client) SetHandler(handler CandidateHandler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handler = handler
}

// Close shuts the connection and waits for the read goroutine.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.conn.Close()
	c.mu.Unlock()

	<-c.done
	return err
}

// SessionHandler returns a handler feeding candidates from remoteID into s.
func SessionHandler(s *p2p.Session, remoteID string) CandidateHandler {
	return func(from string, candidates []p2p.Candidate) {
		if from != remoteID {
			log.Debug().Str("from", from).Str("want", remoteID).Msg("ignoring candidates from unexpected peer")
			return
		}
		for _, cand := range candidates {
			if err := s.AddRemoteCandidate(cand); err != nil {
				log.Debug().Err(err).Stringer("candidate", cand).Msg("remote candidate rejected")
			}
		}
	}
}
