package signaling

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	p2p "github.com/go-i2p/go-p2p"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// inbox collects candidate lists delivered to a client.
type inbox struct {
	mu   sync.Mutex
	from []string
	got  [][]p2p.Candidate
}

func (in *inbox) handle(from string, cands []p2p.Candidate) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.from = append(in.from, from)
	in.got = append(in.got, cands)
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.got)
}

func dialTest(t *testing.T, url, id string, h CandidateHandler) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, id, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCandidates(t *testing.T) []p2p.Candidate {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "203.0.113.7:40000")
	require.NoError(t, err)
	base, err := net.ResolveUDPAddr("udp", "192.168.1.7:40000")
	require.NoError(t, err)
	return []p2p.Candidate{
		{Type: p2p.CandidateServerReflexive, Addr: addr, Base: base, Priority: 42},
	}
}

// TestCandidateInfoRoundTrip verifies the wire form keeps every field.
func TestCandidateInfoRoundTrip(t *testing.T) {
	want := testCandidates(t)[0]
	got, err := FromCandidate(want).Candidate()
	require.NoError(t, err)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.Addr.String(), got.Addr.String())
	assert.Equal(t, want.Base.String(), got.Base.String())
	assert.Equal(t, want.Priority, got.Priority)

	_, err = CandidateInfo{Type: "host", Addr: "nowhere"}.Candidate()
	assert.Error(t, err)
	_, err = CandidateInfo{Type: "bogus", Addr: "10.0.0.1:1"}.Candidate()
	assert.Error(t, err)
}

// TestHubForwardsCandidates verifies a registered peer receives lists
// addressed to it.
func TestHubForwardsCandidates(t *testing.T) {
	hub, url := newTestHub(t)
	var bobInbox inbox

	alice := dialTest(t, url, "alice", nil)
	dialTest(t, url, "bob", bobInbox.handle)
	require.Eventually(t, func() bool {
		return hub.Online("alice") && hub.Online("bob")
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Register(context.Background(), "alice", "bob", testCandidates(t)))
	require.Eventually(t, func() bool { return bobInbox.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	bobInbox.mu.Lock()
	defer bobInbox.mu.Unlock()
	assert.Equal(t, []string{"alice"}, bobInbox.from)
	require.Len(t, bobInbox.got[0], 1)
	assert.Equal(t, "203.0.113.7:40000", bobInbox.got[0][0].Addr.String())
}

// TestHubQueuesForOfflinePeer verifies lists sent before the target
// registers are delivered when it does.
func TestHubQueuesForOfflinePeer(t *testing.T) {
	hub, url := newTestHub(t)
	alice := dialTest(t, url, "alice", nil)
	require.Eventually(t, func() bool { return hub.Online("alice") }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Register(context.Background(), "alice", "carol", testCandidates(t)))
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.pending["carol"]) == 1
	}, 5*time.Second, 5*time.Millisecond)

	var carolInbox inbox
	dialTest(t, url, "carol", carolInbox.handle)
	require.Eventually(t, func() bool { return carolInbox.count() == 1 }, 5*time.Second, 5*time.Millisecond)
}

// TestHubQueueBound verifies only the newest lists are kept for an
// offline peer.
func TestHubQueueBound(t *testing.T) {
	hub := NewHub()
	from := &hubPeer{id: "alice"}
	for i := 0; i < maxQueued+5; i++ {
		hub.handle(from, &Message{Type: TypeCandidates, To: "dave", Error: string(rune('a' + i))})
	}
	require.Len(t, hub.pending["dave"], maxQueued)
	assert.Equal(t, string(rune('a'+5)), hub.pending["dave"][0].Error)
}

// TestHubRejectsMissingRegister verifies the first message must register.
func TestHubRejectsMissingRegister(t *testing.T) {
	_, url := newTestHub(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(&Message{Type: TypeCandidates, To: "bob"}))
	var reply Message
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, TypeError, reply.Type)
}

// TestHubUnregistersOnClose verifies a closed client goes offline.
func TestHubUnregistersOnClose(t *testing.T) {
	hub, url := newTestHub(t)
	c := dialTest(t, url, "erin", nil)
	require.Eventually(t, func() bool { return hub.Online("erin") }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return !hub.Online("erin") }, 5*time.Second, 5*time.Millisecond)

	err := c.Register(context.Background(), "erin", "bob", nil)
	assert.Error(t, err, "closed client cannot register")
}

// TestClientRegisterWrongID verifies a client only publishes for its own ID.
func TestClientRegisterWrongID(t *testing.T) {
	_, url := newTestHub(t)
	c := dialTest(t, url, "alice", nil)
	assert.Error(t, c.Register(context.Background(), "mallory", "bob", nil))
}

// TestDialEmptyID verifies an ID is required.
func TestDialEmptyID(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1", "", nil)
	assert.Error(t, err)
}
