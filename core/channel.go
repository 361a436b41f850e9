package core

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"
)

// packetPayload is the inner action schema carried by a Packet's
// SendAction bytes: a monotonic sequence number, an
// expiration, and an opaque application payload. RLP-encoded, matching the
// binary wire discipline the teacher's ledger WAL uses for its own records
// (core/ledger.go imports the same codec).
type packetPayload struct {
	Seq        uint64
	Expiration uint64
	Payload    []byte
}

// receiptPayload is the inner schema of a cross-chain receipt action.
type receiptPayload struct {
	Seq       uint64
	PacketSeq uint64
	Expired   bool
}

// ICPAction is the wire structure delivered to onpacket/onreceipt/oncleanup:
// an action plus the Merkle material needed to prove it happened on a
// finalized peer block (spec.md §6 icp_action).
type ICPAction struct {
	ActionBytes   []byte
	ReceiptBytes  []byte
	BlockID       Hash
	ActionDigests [][]byte
}

// Dispatcher executes the inner application action carried by a Packet once
// its cross-chain proof has verified. Host dispatch is an external
// collaborator (spec.md §1); ChannelContract only requires this interface.
type Dispatcher interface {
	Execute(action []byte) error
}

// noopDispatcher is used when a ChannelContract is constructed without an
// explicit Dispatcher, e.g. in proof-only or test contexts.
type noopDispatcher struct{}

func (noopDispatcher) Execute([]byte) error { return nil }

// ChannelContract is the on-chain, single-writer state machine described in
// spec.md §4.2. All mutating methods are safe to call sequentially from one
// transaction at a time; the host provides atomic commit/rollback around
// each call, so ChannelContract never leaves partial state behind an error.
type ChannelContract struct {
	Owner Address

	store KVStore
	forks *ForkStore
	disp  Dispatcher

	peer  PeerRecord
	meter Meter

	// seedDigest is the id of the trusted seed installed by OpenChannel.
	// GenProof uses it to regenerate the seed block's proof; CloseChannel
	// leaves it in place and the next OpenChannel overwrites it.
	seedDigest Hash

	log *logrus.Entry
}

// NewChannelContract constructs a closed contract bound to store for
// persisted tables and owned by owner. Pass nil for disp to use a no-op
// dispatcher (proof verification only, no inner-action execution).
func NewChannelContract(owner Address, store KVStore, disp Dispatcher) *ChannelContract {
	if disp == nil {
		disp = noopDispatcher{}
	}
	return &ChannelContract{
		Owner: owner,
		store: store,
		forks: NewForkStore(),
		disp:  disp,
		log:   logrus.WithField("component", "channel"),
	}
}

func (c *ChannelContract) requireOwner(caller Address) error {
	if caller != c.Owner {
		return fmt.Errorf("channel: caller %s is not owner: %w", caller, ErrUnauthorized)
	}
	return nil
}

// OpenChannel installs seed as the channel's trusted starting point. Fails
// ErrAlreadyOpen if a channel is already open.
func (c *ChannelContract) OpenChannel(caller Address, seed BlockHeaderState) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	if !c.forks.Empty() {
		return ErrAlreadyOpen
	}
	if err := c.forks.Init(seed); err != nil {
		return err
	}
	c.peer = PeerRecord{}
	c.meter = Meter{MaxPackets: c.meter.MaxPackets}
	c.seedDigest = seed.ID
	c.log.WithField("seed", seed.ID).Info("channel opened")
	return nil
}

// CloseChannel clears all channel tables. Irreversible.
func (c *ChannelContract) CloseChannel(caller Address) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	c.forks.Reset()
	c.peer = PeerRecord{}
	c.meter = Meter{}
	for _, it := range []string{packetPrefix, receiptPrefix} {
		c.clearPrefix(it)
	}
	c.log.Info("channel closed")
	return nil
}

func (c *ChannelContract) clearPrefix(prefix string) {
	it := c.store.Iterator([]byte(prefix))
	defer it.Close()
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte{}, it.Key()...))
	}
	for _, k := range keys {
		_ = c.store.Delete(k)
	}
}

// SetPeer sets the remote channel contract account.
func (c *ChannelContract) SetPeer(caller, peerContract Address) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	c.peer.PeerContract = peerContract
	return nil
}

// SetMaxPackets sets the rate-limiting ceiling.
func (c *ChannelContract) SetMaxPackets(caller Address, n uint32) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	c.meter.MaxPackets = n
	return nil
}

// SetMaxBlocks caps how many BlockHeaderState entries the Fork Store may
// hold concurrently, bounding the light client's worst-case memory use
// during a deep fork (spec.md §6 setmaxblocks). 0 removes the cap.
func (c *ChannelContract) SetMaxBlocks(caller Address, n uint32) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	c.forks.SetMaxHeaders(n)
	return nil
}

// AddBlock delegates a single header to the Fork Store.
func (c *ChannelContract) AddBlock(h Header) error {
	_, err := c.forks.AddHeader(h)
	return err
}

// AddBlocks delegates a contiguous header batch to the Fork Store; the
// batch must extend head by exactly one at its first element.
func (c *ChannelContract) AddBlocks(hs []Header) error {
	return c.forks.AddHeaderBatch(hs)
}

// SendAction records an outbound Packet. seq must equal
// last_outgoing_packet_seq + 1 and the meter must have headroom.
func (c *ChannelContract) SendAction(seq uint64, sendAction []byte, expiration time.Time, receiptAction []byte) error {
	if seq != c.peer.LastOutgoingPacketSeq+1 {
		return fmt.Errorf("sendaction: seq %d != expected %d: %w", seq, c.peer.LastOutgoingPacketSeq+1, ErrBadSeq)
	}
	if c.meter.CurrentPackets >= c.meter.MaxPackets {
		return ErrRateLimited
	}

	canonical, err := rlp.EncodeToBytes(packetPayload{
		Seq:        seq,
		Expiration: uint64(expiration.Unix()),
		Payload:    sendAction,
	})
	if err != nil {
		return fmt.Errorf("sendaction: encode canonical action: %w", err)
	}

	pkt := Packet{
		Seq: seq,
		Expiration: expiration,
		// SendAction holds the canonical {seq, expiration, payload} record
		// the relay scrapes and forwards as the peer's icp_action.action_bytes.
		SendAction: canonical,
		// ReceiptAction is the local callback dispatched once the matching
		// receipt lands (see OnReceipt), e.g. releasing an escrowed asset.
		ReceiptAction: receiptAction,
		Status:        PacketUnreceipted,
	}
	if err := c.putPacket(pkt); err != nil {
		return err
	}
	c.peer.LastOutgoingPacketSeq = seq
	c.meter.CurrentPackets++
	c.log.WithField("seq", seq).Info("packet sent")
	return nil
}

// OnPacket verifies and executes an inbound packet carried by a.
func (c *ChannelContract) OnPacket(a ICPAction) error {
	blk, ok := c.forks.Find(a.BlockID)
	if !ok {
		return ErrBlockNotFound
	}
	if blk.Number > c.forks.LIB() {
		return fmt.Errorf("onpacket: block %d not yet irreversible (lib=%d): %w", blk.Number, c.forks.LIB(), ErrNotIrreversible)
	}

	root, err := ReconstructActionMerkleRoot(a.ActionDigests)
	if err != nil || root != blk.ActionMRoot {
		return ErrBadMerkleProof
	}

	var payload packetPayload
	if err := rlp.DecodeBytes(a.ActionBytes, &payload); err != nil {
		return fmt.Errorf("onpacket: decode action: %w", err)
	}
	if payload.Seq != c.peer.LastIncomingPacketSeq+1 {
		return fmt.Errorf("onpacket: seq %d != expected %d: %w", payload.Seq, c.peer.LastIncomingPacketSeq+1, ErrSeqGap)
	}

	receiptSeq := c.peer.LastOutgoingReceiptSeq + 1
	now := uint64(time.Now().Unix())
	var rcpt Receipt
	if now >= payload.Expiration {
		rcpt = Receipt{Seq: receiptSeq, PacketSeq: payload.Seq, Status: ReceiptExpired}
	} else {
		if err := c.disp.Execute(payload.Payload); err != nil {
			return fmt.Errorf("onpacket: dispatch: %w", err)
		}
		rcpt = Receipt{Seq: receiptSeq, PacketSeq: payload.Seq, Status: ReceiptExecuted}
	}

	if err := c.putReceipt(rcpt); err != nil {
		return err
	}
	c.peer.LastIncomingPacketSeq = payload.Seq
	c.peer.LastOutgoingReceiptSeq = receiptSeq
	c.log.WithFields(logrus.Fields{"seq": payload.Seq, "status": rcpt.Status}).Info("packet received")
	return nil
}

// OnReceipt verifies an inbound receipt and advances the matching local
// Packet to its terminal status, decrementing the meter.
func (c *ChannelContract) OnReceipt(a ICPAction) error {
	blk, ok := c.forks.Find(a.BlockID)
	if !ok {
		return ErrBlockNotFound
	}
	if blk.Number > c.forks.LIB() {
		return fmt.Errorf("onreceipt: block %d not yet irreversible (lib=%d): %w", blk.Number, c.forks.LIB(), ErrNotIrreversible)
	}

	root, err := ReconstructActionMerkleRoot(a.ActionDigests)
	if err != nil || root != blk.ActionMRoot {
		return ErrBadMerkleProof
	}

	var payload receiptPayload
	if err := rlp.DecodeBytes(a.ReceiptBytes, &payload); err != nil {
		return fmt.Errorf("onreceipt: decode receipt: %w", err)
	}
	if payload.Seq != c.peer.LastIncomingReceiptSeq+1 {
		return fmt.Errorf("onreceipt: seq %d != expected %d: %w", payload.Seq, c.peer.LastIncomingReceiptSeq+1, ErrSeqGap)
	}

	pkt, err := c.getPacket(payload.PacketSeq)
	if err != nil {
		return fmt.Errorf("onreceipt: unknown packet %d: %w", payload.PacketSeq, err)
	}
	if payload.Expired {
		pkt.Status = PacketExpired
	} else {
		pkt.Status = PacketReceipted
		if len(pkt.ReceiptAction) > 0 {
			if err := c.disp.Execute(pkt.ReceiptAction); err != nil {
				return fmt.Errorf("onreceipt: receipt-action dispatch: %w", err)
			}
		}
	}
	if err := c.putPacket(pkt); err != nil {
		return err
	}
	c.peer.LastIncomingReceiptSeq = payload.Seq
	if c.meter.CurrentPackets > 0 {
		c.meter.CurrentPackets--
	}
	c.log.WithField("seq", payload.Seq).Info("receipt received")
	return nil
}

// OnCleanup applies the peer's advertised cleanup range by running Cleanup
// over [start, end]; no cursor is stored.
func (c *ChannelContract) OnCleanup(start, end uint64) error {
	return c.Cleanup(start, end)
}

// Cleanup removes receipts in [start, end] whose packets have reached a
// terminal status, rejecting any hole in the requested range.
func (c *ChannelContract) Cleanup(start, end uint64) error {
	if start > end {
		return fmt.Errorf("cleanup: start %d > end %d", start, end)
	}
	for seq := start; seq <= end; seq++ {
		rcpt, err := c.getReceipt(seq)
		if err != nil {
			return fmt.Errorf("cleanup: receipt %d missing: %w", seq, ErrHoleInRange)
		}
		pkt, err := c.getPacket(rcpt.PacketSeq)
		if err == nil && pkt.Status == PacketUnreceipted {
			return fmt.Errorf("cleanup: packet %d not terminal", rcpt.PacketSeq)
		}
	}
	for seq := start; seq <= end; seq++ {
		_ = c.store.Delete(receiptKey(seq))
	}
	return nil
}

// Prune admin-deletes Fork Store headers in [startNum, endNum], bounded by
// the current lib.
func (c *ChannelContract) Prune(caller Address, startNum, endNum uint64) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	lib := c.forks.LIB()
	if endNum >= lib {
		return fmt.Errorf("prune: endNum %d must be below lib %d", endNum, lib)
	}
	c.forks.PruneRange(startNum, endNum)
	return nil
}

// GenProofResult is the Merkle path genproof re-emits for a packet/receipt
// whose original proof the relay lost.
type GenProofResult struct {
	BlockID       Hash
	LeafIndex     uint32
	ActionDigests [][]byte
}

// LocalChainReader is the host-chain collaborator genproof needs to locate
// which local block recorded a given packet or receipt and recover that
// block's ordered action digests (the host's own Merkle tree construction
// is out of scope; see spec.md §1).
type LocalChainReader interface {
	BlockContainingPacket(seq uint64) (blockID Hash, digests [][]byte, leafIndex uint32, err error)
	BlockContainingReceipt(seq uint64) (blockID Hash, digests [][]byte, leafIndex uint32, err error)
	// SeedActionDigests recovers the ordered action digests of the block
	// identified by seedID, so genproof can re-derive the channel's own
	// seed-block proof (recovered from original_source/, SPEC_FULL §3/§4.2)
	// without fetching anything from the peer chain: seedID is already
	// trusted, carried on the channel itself.
	SeedActionDigests(seedID Hash) (digests [][]byte, leafIndex uint32, err error)
}

// GenProof re-derives the Merkle path for an old packet, an old receipt, or
// (when neither seq is given) the channel's own trusted seed block, letting
// a cold-started relay re-derive the seed's proof from the locally-stored
// seedDigest instead of re-fetching it from the peer chain. It is read-only
// with respect to channel business state.
func (c *ChannelContract) GenProof(reader LocalChainReader, packetSeq, receiptSeq uint64) (GenProofResult, error) {
	var blockID Hash
	var digests [][]byte
	var idx uint32
	var err error
	switch {
	case packetSeq != 0:
		blockID, digests, idx, err = reader.BlockContainingPacket(packetSeq)
	case receiptSeq != 0:
		blockID, digests, idx, err = reader.BlockContainingReceipt(receiptSeq)
	case !c.seedDigest.IsZero():
		blockID = c.seedDigest
		digests, idx, err = reader.SeedActionDigests(c.seedDigest)
	default:
		return GenProofResult{}, fmt.Errorf("genproof: no packet_seq, receipt_seq, or open seed: %w", ErrChannelClosed)
	}
	if err != nil {
		return GenProofResult{}, err
	}
	return GenProofResult{BlockID: blockID, LeafIndex: idx, ActionDigests: digests}, nil
}

// Peer returns a copy of the channel's peer cursor record.
func (c *ChannelContract) Peer() PeerRecord { return c.peer }

// MeterState returns a copy of the channel's rate-limit meter.
func (c *ChannelContract) MeterState() Meter { return c.meter }

// Forks exposes the underlying Fork Store for read-only inspection.
func (c *ChannelContract) Forks() *ForkStore { return c.forks }

// GetPacket returns the stored Packet for seq, the canonical bytes a relay
// scrapes to ship as an icp_action's action_bytes.
func (c *ChannelContract) GetPacket(seq uint64) (Packet, error) { return c.getPacket(seq) }

// GetReceipt returns the stored Receipt for seq.
func (c *ChannelContract) GetReceipt(seq uint64) (Receipt, error) { return c.getReceipt(seq) }

const (
	packetPrefix  = "icp:packet:"
	receiptPrefix = "icp:receipt:"
)

func packetKey(seq uint64) []byte {
	b := make([]byte, len(packetPrefix)+8)
	copy(b, packetPrefix)
	binary.BigEndian.PutUint64(b[len(packetPrefix):], seq)
	return b
}

func receiptKey(seq uint64) []byte {
	b := make([]byte, len(receiptPrefix)+8)
	copy(b, receiptPrefix)
	binary.BigEndian.PutUint64(b[len(receiptPrefix):], seq)
	return b
}

func (c *ChannelContract) putPacket(p Packet) error {
	b, err := rlp.EncodeToBytes(rlpPacket(p))
	if err != nil {
		return err
	}
	return c.store.Set(packetKey(p.Seq), b)
}

func (c *ChannelContract) getPacket(seq uint64) (Packet, error) {
	b, err := c.store.Get(packetKey(seq))
	if err != nil {
		return Packet{}, err
	}
	var rp rlpPacketT
	if err := rlp.DecodeBytes(b, &rp); err != nil {
		return Packet{}, err
	}
	return rp.toPacket(), nil
}

func (c *ChannelContract) putReceipt(r Receipt) error {
	b, err := rlp.EncodeToBytes(rlpReceipt(r))
	if err != nil {
		return err
	}
	return c.store.Set(receiptKey(r.Seq), b)
}

func (c *ChannelContract) getReceipt(seq uint64) (Receipt, error) {
	b, err := c.store.Get(receiptKey(seq))
	if err != nil {
		return Receipt{}, err
	}
	var rr rlpReceiptT
	if err := rlp.DecodeBytes(b, &rr); err != nil {
		return Receipt{}, err
	}
	return rr.toReceipt(), nil
}

// rlpPacketT/rlpReceiptT mirror Packet/Receipt with RLP-friendly field
// types (time.Time and the status enums need explicit conversions).
type rlpPacketT struct {
	Seq           uint64
	Expiration    uint64
	SendAction    []byte
	ReceiptAction []byte
	Status        uint8
}

func rlpPacket(p Packet) rlpPacketT {
	return rlpPacketT{
		Seq:           p.Seq,
		Expiration:    uint64(p.Expiration.Unix()),
		SendAction:    p.SendAction,
		ReceiptAction: p.ReceiptAction,
		Status:        uint8(p.Status),
	}
}

func (rp rlpPacketT) toPacket() Packet {
	return Packet{
		Seq:           rp.Seq,
		Expiration:    time.Unix(int64(rp.Expiration), 0).UTC(),
		SendAction:    rp.SendAction,
		ReceiptAction: rp.ReceiptAction,
		Status:        PacketStatus(rp.Status),
	}
}

type rlpReceiptT struct {
	Seq       uint64
	PacketSeq uint64
	Status    uint8
}

func rlpReceipt(r Receipt) rlpReceiptT {
	return rlpReceiptT{Seq: r.Seq, PacketSeq: r.PacketSeq, Status: uint8(r.Status)}
}

func (rr rlpReceiptT) toReceipt() Receipt {
	return Receipt{Seq: rr.Seq, PacketSeq: rr.PacketSeq, Status: ReceiptStatus(rr.Status)}
}
