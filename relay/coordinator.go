package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/icp-relay/core"
)

// Coordinator owns the session registry and bridges inbound wire messages
// to host-chain actions (spec.md §4.4). The registry is guarded by a mutex
// and its methods run on the calling goroutine (usually a session's
// strand); there is no separate application goroutine. Grounded on the
// teacher's map-of-peers-with-mutex
// registry shape and its message-to-ledger dispatch in messages.go's
// MessageQueue.ProcessNext.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[[32]byte]*Session

	channel  *core.ChannelContract
	selfID   [32]byte
	chainID  uint64
	contract core.Address

	metrics *RelayMetrics
	log     *logrus.Entry
}

// NewCoordinator binds a Coordinator to channel, the Channel Contract whose
// actions inbound messages are translated into.
func NewCoordinator(channel *core.ChannelContract, selfID [32]byte, chainID uint64, contract core.Address) *Coordinator {
	return &Coordinator{
		sessions: make(map[[32]byte]*Session),
		channel:  channel,
		selfID:   selfID,
		chainID:  chainID,
		contract: contract,
		log:      logrus.WithField("component", "coordinator"),
	}
}

// SetMetrics attaches the Prometheus collectors this coordinator updates as
// sessions register/unregister and packets/receipts are pushed. Metrics
// stays nil in tests that don't care about observability.
func (co *Coordinator) SetMetrics(m *RelayMetrics) { co.metrics = m }

// Hello builds the local hello payload a new Session should send.
func (co *Coordinator) Hello() Hello {
	return Hello{ID: co.selfID, ChainID: co.chainID, Contract: co.contract, PeerContract: co.channel.Peer().PeerContract}
}

// Register adds s to the registry under its resolved peer_id, closing any
// older session already registered under that peer_id (spec.md §4.3 dedup
// rule; invariant 7: two sessions never coexist with the same peer_id).
func (co *Coordinator) Register(s *Session) {
	co.mu.Lock()
	old, exists := co.sessions[s.PeerID()]
	co.sessions[s.PeerID()] = s
	co.mu.Unlock()
	if exists && old != s {
		co.log.WithField("peer_id", fmt.Sprintf("%x", s.PeerID())).Info("dedup: closing older session for peer")
		old.Close()
	}
	co.reportSessionCount()
}

// Unregister removes s from the registry if it is still the session
// currently registered under its peer_id.
func (co *Coordinator) Unregister(s *Session) {
	co.mu.Lock()
	if cur, ok := co.sessions[s.PeerID()]; ok && cur == s {
		delete(co.sessions, s.PeerID())
	}
	co.mu.Unlock()
	co.reportSessionCount()
}

// reportSessionCount updates the session gauge. Caller must not hold co.mu.
func (co *Coordinator) reportSessionCount() {
	if co.metrics == nil {
		return
	}
	co.metrics.SetSessionCount(co.SessionCount())
}

// SessionClosed implements Host.
func (co *Coordinator) SessionClosed(s *Session) { co.Unregister(s) }

// ForEachSession calls fn once for every currently registered session.
func (co *Coordinator) ForEachSession(fn func(*Session)) {
	co.mu.Lock()
	sessions := make([]*Session, 0, len(co.sessions))
	for _, s := range co.sessions {
		sessions = append(sessions, s)
	}
	co.mu.Unlock()
	for _, s := range sessions {
		fn(s)
	}
}

// SessionCount reports how many sessions are currently registered.
func (co *Coordinator) SessionCount() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.sessions)
}

// ID returns the coordinator's own peer identity.
func (co *Coordinator) ID() [32]byte { return co.selfID }

// LocalHead returns the current Fork Store head block number.
func (co *Coordinator) LocalHead() uint64 { return co.channel.Forks().Head().Number }

// PeerHead returns the highest head number advertised by any currently
// registered session's Ping traffic (spec.md §4.4), or 0 if no session has
// pinged yet.
func (co *Coordinator) PeerHead() uint64 {
	var max uint64
	co.ForEachSession(func(s *Session) {
		if h := s.PeerHead(); h > max {
			max = h
		}
	})
	return max
}

// LocalContract returns this side's contract account.
func (co *Coordinator) LocalContract() core.Address { return co.contract }

// PeerContract returns the peer contract address recorded in the channel's
// peer record.
func (co *Coordinator) PeerContract() core.Address { return co.channel.Peer().PeerContract }

// PushTransaction submits an already-built ICPActions push to the Channel
// Contract directly, without going through a session (used by local
// callers, e.g. a CLI replaying a stored proof).
func (co *Coordinator) PushTransaction(m ICPActions) error { return co.handleICPActions(&m) }

// SendPacket queues an outgoing packet on the Channel Contract and records
// the result on the attached metrics: a packet-sent count on success, a
// rate-limited count when the meter rejects it.
func (co *Coordinator) SendPacket(seq uint64, payload []byte, expiration time.Time, receiptAction []byte) error {
	err := co.channel.SendAction(seq, payload, expiration, receiptAction)
	if co.metrics == nil {
		return err
	}
	if errors.Is(err, core.ErrRateLimited) {
		co.metrics.RateLimited()
	} else if err == nil {
		co.metrics.PacketSent()
	}
	return err
}

// HandleMessage implements Host: translates one decoded wire message into
// the host-chain action(s) spec.md §4.4 names. hello/ping/pong never reach
// here; Session handles them internally.
func (co *Coordinator) HandleMessage(s *Session, msg Message) error {
	switch msg.Tag {
	case TagChannelSeed:
		seed, err := core.DecodeSeed(msg.ChannelSeed.Seed)
		if err != nil {
			return fmt.Errorf("coordinator: decode channel seed: %w", err)
		}
		return co.channel.OpenChannel(co.contract, seed)
	case TagBlockHeaderWithMerklePath:
		return co.channel.AddBlocks(msg.BlockHeaderWithMerklePath.Headers)
	case TagICPActions:
		return co.handleICPActions(msg.ICPActions)
	default:
		return fmt.Errorf("coordinator: unexpected message tag %s", msg.Tag)
	}
}

func (co *Coordinator) handleICPActions(m *ICPActions) error {
	if len(m.PeerActions) != len(m.Actions) || len(m.PeerActions) != len(m.ActionReceipts) {
		return core.ErrArrayMismatch
	}
	if err := co.channel.AddBlock(m.BlockHeader); err != nil {
		return err
	}
	for i, kind := range m.PeerActions {
		action := core.ICPAction{
			ActionBytes:   m.Actions[i],
			ReceiptBytes:  m.ActionReceipts[i],
			BlockID:       m.BlockHeader.ID,
			ActionDigests: m.ActionDigests,
		}
		var err error
		switch kind {
		case ActionKindPacket:
			err = co.channel.OnPacket(action)
			if err == nil && co.metrics != nil {
				co.metrics.PacketReceived()
			}
		case ActionKindReceipt:
			err = co.channel.OnReceipt(action)
			if err == nil && co.metrics != nil {
				co.metrics.ReceiptIssued()
			}
		default:
			err = fmt.Errorf("coordinator: unknown peer action kind %d", kind)
		}
		if err != nil {
			return fmt.Errorf("coordinator: peer_actions[%d]: %w", i, err)
		}
	}
	return nil
}
