package relay

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeTransport is an in-memory stand-in for *websocket.Conn: inbound
// frames are pushed onto a channel the read pump drains; outbound frames
// are captured for inspection.
type fakeTransport struct {
	mu     sync.Mutex
	inbox  chan []byte
	outbox [][]byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan []byte, 32)}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	b, ok := <-f.inbox
	if !ok {
		return 0, nil, fmt.Errorf("fake transport closed")
	}
	return websocket.BinaryMessage, b, nil
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	f.outbox = append(f.outbox, append([]byte{}, data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

func (f *fakeTransport) push(frame []byte) { f.inbox <- frame }

func (f *fakeTransport) popOutbox() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.outbox
	f.outbox = nil
	return out
}

// fakeHost records every callback a Session drives into it, standing in
// for *Coordinator in isolation.
type fakeHost struct {
	mu         sync.Mutex
	registered []*Session
	closedSess []*Session
	handled    []Message
	handleErr  error
}

func (h *fakeHost) Register(s *Session) {
	h.mu.Lock()
	h.registered = append(h.registered, s)
	h.mu.Unlock()
}

func (h *fakeHost) SessionClosed(s *Session) {
	h.mu.Lock()
	h.closedSess = append(h.closedSess, s)
	h.mu.Unlock()
}

func (h *fakeHost) HandleMessage(s *Session, msg Message) error {
	h.mu.Lock()
	h.handled = append(h.handled, msg)
	h.mu.Unlock()
	return h.handleErr
}

func (h *fakeHost) registeredCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.registered)
}

func (h *fakeHost) closedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.closedSess)
}

// pollUntil polls cond every 2ms until it is true or the deadline passes.
func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSessionHelloExchangeReachesOperational(t *testing.T) {
	transport := newFakeTransport()
	host := &fakeHost{}
	self := Hello{ID: [32]byte{1}, ChainID: 7}
	sess := NewSession(transport, self, host, func() uint64 { return 42 })
	sess.Start()

	pollUntil(t, time.Second, func() bool { return len(transport.popOutboxPeek()) >= 1 })

	peerHello, err := Encode(Message{Tag: TagHello, Hello: &Hello{ID: [32]byte{2}, ChainID: 7}})
	if err != nil {
		t.Fatalf("encode peer hello: %v", err)
	}
	transport.push(peerHello)

	pollUntil(t, time.Second, func() bool { return sess.State() == StateOperational })
	pollUntil(t, time.Second, func() bool { return host.registeredCount() == 1 })

	if sess.PeerID() != ([32]byte{2}) {
		t.Fatalf("peer id = %v, want [2 0 0...]", sess.PeerID())
	}
}

func TestSessionClosesOnChainIDMismatch(t *testing.T) {
	transport := newFakeTransport()
	host := &fakeHost{}
	self := Hello{ID: [32]byte{1}, ChainID: 7}
	sess := NewSession(transport, self, host, nil)
	sess.Start()

	peerHello, _ := Encode(Message{Tag: TagHello, Hello: &Hello{ID: [32]byte{2}, ChainID: 99}})
	transport.push(peerHello)

	pollUntil(t, time.Second, func() bool { return host.closedCount() == 1 })
	if sess.State() != StateClosed {
		t.Fatalf("expected session closed after chain id mismatch")
	}
}

func TestSessionClosesSilentlyOnSelfConnect(t *testing.T) {
	transport := newFakeTransport()
	host := &fakeHost{}
	self := Hello{ID: [32]byte{9}, ChainID: 7}
	sess := NewSession(transport, self, host, nil)
	sess.Start()

	peerHello, _ := Encode(Message{Tag: TagHello, Hello: &Hello{ID: [32]byte{9}, ChainID: 7}})
	transport.push(peerHello)

	pollUntil(t, time.Second, func() bool { return host.closedCount() == 1 })
}

func TestSessionRejectsNonHelloFirstMessage(t *testing.T) {
	transport := newFakeTransport()
	host := &fakeHost{}
	self := Hello{ID: [32]byte{1}, ChainID: 7}
	sess := NewSession(transport, self, host, nil)
	sess.Start()

	ping, _ := Encode(Message{Tag: TagPing, Ping: &Ping{Sent: 1, Code: 1, Head: 0}})
	transport.push(ping)

	pollUntil(t, time.Second, func() bool { return host.closedCount() == 1 })
}

func TestSessionClosesOnPingCodeMismatch(t *testing.T) {
	transport := newFakeTransport()
	host := &fakeHost{}
	self := Hello{ID: [32]byte{1}, ChainID: 7}
	sess := NewSession(transport, self, host, func() uint64 { return 0 })
	sess.Start()

	peerHello, _ := Encode(Message{Tag: TagHello, Hello: &Hello{ID: [32]byte{2}, ChainID: 7}})
	transport.push(peerHello)
	pollUntil(t, time.Second, func() bool { return sess.State() == StateOperational })

	badPong, _ := Encode(Message{Tag: TagPong, Pong: &Pong{EchoedCode: 999}})
	transport.push(badPong)

	pollUntil(t, time.Second, func() bool { return host.closedCount() == 1 })
}

func TestSessionForwardsApplicationMessagesToHost(t *testing.T) {
	transport := newFakeTransport()
	host := &fakeHost{}
	self := Hello{ID: [32]byte{1}, ChainID: 7}
	sess := NewSession(transport, self, host, func() uint64 { return 0 })
	sess.Start()

	peerHello, _ := Encode(Message{Tag: TagHello, Hello: &Hello{ID: [32]byte{2}, ChainID: 7}})
	transport.push(peerHello)
	pollUntil(t, time.Second, func() bool { return sess.State() == StateOperational })

	seed, _ := Encode(Message{Tag: TagChannelSeed, ChannelSeed: &ChannelSeed{Seed: []byte("seed-bytes")}})
	transport.push(seed)

	pollUntil(t, time.Second, func() bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		return len(host.handled) == 1
	})
}

func (f *fakeTransport) popOutboxPeek() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outbox
}

// TestSessionPingsIdleConnection proves the self-initiated ping branch
// (spec.md §4.3) fires on its own once pingInterval elapses, even though
// nothing arrives from the peer and nothing is queued to send.
func TestSessionPingsIdleConnection(t *testing.T) {
	transport := newFakeTransport()
	host := &fakeHost{}
	self := Hello{ID: [32]byte{1}, ChainID: 7}
	sess := NewSession(transport, self, host, func() uint64 { return 5 })
	sess.pingInterval = 20 * time.Millisecond
	sess.Start()

	peerHello, _ := Encode(Message{Tag: TagHello, Hello: &Hello{ID: [32]byte{2}, ChainID: 7}})
	transport.push(peerHello)
	pollUntil(t, time.Second, func() bool { return sess.State() == StateOperational })

	// Drain the hello frame; anything after it with no inbound/outbound
	// application traffic can only be a spontaneous ping from the ticker.
	transport.popOutbox()

	var sawPing bool
	pollUntil(t, time.Second, func() bool {
		for _, frame := range transport.popOutbox() {
			msg, err := Decode(frame)
			if err == nil && msg.Tag == TagPing {
				sawPing = true
			}
		}
		return sawPing
	})
	if !sawPing {
		t.Fatalf("expected a spontaneous ping on an idle session")
	}
}
