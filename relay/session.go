package relay

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// SessionState is the per-session state machine from spec.md §4.3.
type SessionState uint8

const (
	StateNew SessionState = iota
	StateHandshaking
	StateHelloExchange
	StateOperational
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHandshaking:
		return "handshaking"
	case StateHelloExchange:
		return "hello_exchange"
	case StateOperational:
		return "operational"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// defaultPingInterval is the minimum gap between self-initiated pings
// (spec.md §4.3: "≥ 3 seconds have elapsed since the last"). Sessions carry
// it as an instance field rather than a bare const so tests can shrink it
// on a fake transport instead of waiting out the production interval.
const defaultPingInterval = 3 * time.Second

// Transport is the subset of *websocket.Conn a Session drives. Satisfied
// directly by a real gorilla/websocket connection; swappable for a fake in
// tests.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	Close() error
}

// Host is the coordinator-side callback surface a Session drives into.
// Kept as an interface so session.go has no import on coordinator.go.
type Host interface {
	Register(s *Session)
	HandleMessage(s *Session, msg Message) error
	SessionClosed(s *Session)
}

// Session owns one peer connection's read and send pumps. It is its own
// serial execution context ("strand", spec.md §5): every field below the
// peerID line is touched only by closures run through strandCh, so the read
// pump and any caller of Send/Close never race with state mutation.
type Session struct {
	Self Hello
	conn Transport
	host Host
	head func() uint64

	strandCh  chan func()
	closeCh   chan struct{}
	closeOnce sync.Once

	peerMu sync.Mutex
	peerID [32]byte

	state         SessionState
	receivedHello bool
	peerHead      uint64

	sendQueue    [][]byte
	pendingPong  *Pong
	pingInFlight bool
	lastPingSent time.Time
	lastPingCode uint64
	pingCounter  uint64
	pingInterval time.Duration

	log *logrus.Entry
}

// NewSession wraps conn (a *websocket.Conn in production, a fake in tests)
// with the session state machine. head reports the local Fork Store head
// number carried on outbound pings, for peer catch-up.
func NewSession(conn Transport, self Hello, host Host, head func() uint64) *Session {
	if wsConn, ok := conn.(*websocket.Conn); ok {
		wsConn.SetReadLimit(1 << 20)
		if tcp, ok := wsConn.NetConn().(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetWriteBuffer(1 << 20)
		}
	}
	return &Session{
		Self:         self,
		conn:         conn,
		host:         host,
		head:         head,
		strandCh:     make(chan func(), 64),
		closeCh:      make(chan struct{}),
		state:        StateNew,
		pingInterval: defaultPingInterval,
		log:          logrus.WithField("component", "session"),
	}
}

// Start launches the strand loop, the read pump, and the idle-ping ticker,
// then sends the local hello immediately, per spec.md §4.3 hello_exchange.
func (s *Session) Start() {
	go s.strandLoop()
	go s.readPump()
	go s.tickPings()
	s.post(func() {
		s.state = StateHandshaking
		s.lastPingSent = time.Now()
		s.writeLocked(Message{Tag: TagHello, Hello: &s.Self})
	})
}

// tickPings nudges pump() once per pingInterval so the self-initiated ping
// branch fires even on a connection that is otherwise completely idle — a
// peer that stops reading without dropping the TCP connection would
// otherwise never be detected (spec.md §4.3).
func (s *Session) tickPings() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.post(func() { s.pump() })
		case <-s.closeCh:
			return
		}
	}
}

// PeerID returns the peer_id resolved during hello exchange, or the zero
// value before it resolves. Safe to call from any goroutine.
func (s *Session) PeerID() [32]byte {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	return s.peerID
}

func (s *Session) setPeerID(id [32]byte) {
	s.peerMu.Lock()
	s.peerID = id
	s.peerMu.Unlock()
}

// State returns the current session state. Safe to call from any goroutine
// via the strand.
func (s *Session) State() SessionState {
	done := make(chan SessionState, 1)
	s.post(func() { done <- s.state })
	select {
	case st := <-done:
		return st
	case <-s.closeCh:
		return StateClosed
	}
}

// Send enqueues an application message for the send pump. Safe from any
// goroutine; the actual encode and write happen on the strand.
func (s *Session) Send(msg Message) {
	s.post(func() {
		frame, err := Encode(msg)
		if err != nil {
			s.log.WithError(err).Error("encode outbound message")
			return
		}
		s.sendQueue = append(s.sendQueue, frame)
		s.pump()
	})
}

// Close tears the session down from any goroutine.
func (s *Session) Close() {
	s.post(func() { s.closeLocked(nil) })
}

// post enqueues fn onto the strand. Called from outside the strand (Send,
// Close, the read pump); everything queued here runs strictly in order on
// one goroutine, so no lock is needed across the handoff.
func (s *Session) post(fn func()) {
	select {
	case s.strandCh <- fn:
	case <-s.closeCh:
	}
}

func (s *Session) strandLoop() {
	for {
		select {
		case fn := <-s.strandCh:
			fn()
		case <-s.closeCh:
			return
		}
	}
}

// readPump blocks on the transport and posts each decoded message to the
// strand. The blocking read is the backpressure mechanism: Go's runtime and
// the OS socket buffer naturally prevent the pump from racing ahead of what
// the strand has processed, so no explicit re-arm-via-post is needed the
// way it would be over an async reactor.
func (s *Session) readPump() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.post(func() { s.closeLocked(fmt.Errorf("session: read: %w", err)) })
			return
		}
		msg, decodeErr := Decode(data)
		if decodeErr != nil {
			s.post(func() { s.closeLocked(decodeErr) })
			return
		}
		s.post(func() { s.handleInbound(msg) })
	}
}

func (s *Session) handleInbound(msg Message) {
	if s.state == StateClosed {
		return
	}
	if !s.receivedHello {
		if msg.Tag != TagHello {
			s.closeLocked(fmt.Errorf("session: %w: first message must be hello", ErrBadPayload))
			return
		}
		s.receivedHello = true
		s.onHello(msg.Hello)
		return
	}
	switch msg.Tag {
	case TagHello:
		s.closeLocked(fmt.Errorf("session: %w: duplicate hello", ErrBadPayload))
	case TagPing:
		s.onPing(msg.Ping)
	case TagPong:
		s.onPong(msg.Pong)
	default:
		if err := s.host.HandleMessage(s, msg); err != nil {
			s.log.WithError(err).Warn("host rejected message")
		}
	}
}

func (s *Session) onHello(h *Hello) {
	if h.ChainID != s.Self.ChainID {
		s.closeLocked(fmt.Errorf("session: %w", ErrChainIDMismatch))
		return
	}
	if h.ID == s.Self.ID {
		// self-connect: close silently, per spec.md §7.
		s.closeLocked(nil)
		return
	}
	s.setPeerID(h.ID)
	s.state = StateHelloExchange
	s.state = StateOperational
	s.host.Register(s)
	s.pump()
}

func (s *Session) onPing(p *Ping) {
	s.peerHead = p.Head
	s.pendingPong = &Pong{EchoedCode: p.Code}
	s.pump()
}

// PeerHead returns the most recent head number the peer advertised on a
// Ping, or 0 before the first one arrives. Safe to call from any goroutine;
// round-trips through the strand the same way State does, since peerHead is
// otherwise only ever touched by onPing.
func (s *Session) PeerHead() uint64 {
	done := make(chan uint64, 1)
	s.post(func() { done <- s.peerHead })
	select {
	case h := <-done:
		return h
	case <-s.closeCh:
		return 0
	}
}

func (s *Session) onPong(p *Pong) {
	if !s.pingInFlight || p.EchoedCode != s.lastPingCode {
		s.closeLocked(fmt.Errorf("session: %w", ErrPingMismatch))
		return
	}
	s.pingInFlight = false
	s.pump()
}

// pump drains send obligations in the priority order spec.md §4.3 mandates:
// a pending pong first, a due ping second, one queued application message
// last. Because pump only ever runs on the strand, and every write it
// issues is synchronous, at most one write is ever in flight (invariant 6)
// without a separate "sending" flag.
func (s *Session) pump() {
	for s.state == StateOperational {
		switch {
		case s.pendingPong != nil:
			pong := s.pendingPong
			s.pendingPong = nil
			if !s.writeLocked(Message{Tag: TagPong, Pong: pong}) {
				return
			}
		case !s.pingInFlight && time.Since(s.lastPingSent) >= s.pingInterval:
			s.pingCounter++
			s.pingInFlight = true
			s.lastPingSent = time.Now()
			s.lastPingCode = s.pingCounter
			head := uint64(0)
			if s.head != nil {
				head = s.head()
			}
			ping := &Ping{Sent: uint64(time.Now().Unix()), Code: s.pingCounter, Head: head}
			if !s.writeLocked(Message{Tag: TagPing, Ping: ping}) {
				return
			}
		case len(s.sendQueue) > 0:
			frame := s.sendQueue[0]
			s.sendQueue = s.sendQueue[1:]
			if !s.writeRaw(frame) {
				return
			}
		default:
			return
		}
	}
}

// writeLocked encodes and writes msg. Must only be called from the strand.
func (s *Session) writeLocked(msg Message) bool {
	frame, err := Encode(msg)
	if err != nil {
		s.log.WithError(err).Error("encode outbound message")
		return false
	}
	return s.writeRaw(frame)
}

func (s *Session) writeRaw(frame []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		s.closeLocked(fmt.Errorf("session: write: %w", err))
		return false
	}
	return true
}

func (s *Session) closeLocked(reason error) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if reason != nil {
		s.log.WithError(reason).Info("session closing")
	} else {
		s.log.Info("session closing")
	}
	_ = s.conn.Close()
	s.closeOnce.Do(func() { close(s.closeCh) })
	s.host.SessionClosed(s)
}
