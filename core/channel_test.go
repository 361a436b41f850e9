package core

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

type spyDispatcher struct {
	executed [][]byte
}

func (d *spyDispatcher) Execute(action []byte) error {
	d.executed = append(d.executed, append([]byte{}, action...))
	return nil
}

// newOpenChannel returns a ChannelContract already opened on a one-producer
// seed, so every subsequently added header becomes irreversible immediately
// (requiredConfirmations(1) == 1), keeping the onpacket/onreceipt tests free
// of multi-block confirmation bookkeeping.
func newOpenChannel(t *testing.T, owner Address, disp Dispatcher) *ChannelContract {
	t.Helper()
	c := NewChannelContract(owner, NewInMemoryStore(), disp)
	seed := BlockHeaderState{Header: Header{
		Number:       0,
		ID:           idFromString("peer-genesis"),
		Producer:     addrFromString("peer-producer"),
		ScheduleSize: 1,
	}}
	if err := c.OpenChannel(owner, seed); err != nil {
		t.Fatalf("open channel: %v", err)
	}
	return c
}

func mustEncode(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		t.Fatalf("rlp encode: %v", err)
	}
	return b
}

func TestChannelOnPacketHappyPath(t *testing.T) {
	owner := addrFromString("owner")
	disp := &spyDispatcher{}
	c := newOpenChannel(t, owner, disp)

	actionBytes := mustEncode(t, packetPayload{
		Seq:        1,
		Expiration: uint64(time.Now().Add(time.Hour).Unix()),
		Payload:    []byte("transfer 10 tok"),
	})
	root, err := ActionMerkleRoot([][]byte{actionBytes})
	if err != nil {
		t.Fatalf("merkle root: %v", err)
	}
	block1 := Header{
		Number:       1,
		Previous:     idFromString("peer-genesis"),
		ID:           idFromString("peer-block-1"),
		Producer:     addrFromString("peer-producer"),
		ScheduleSize: 1,
		ActionMRoot:  root,
	}
	if err := c.AddBlock(block1); err != nil {
		t.Fatalf("add block1: %v", err)
	}
	if got := c.Forks().LIB(); got != 1 {
		t.Fatalf("expected lib=1 after single-producer confirmation, got %d", got)
	}

	err = c.OnPacket(ICPAction{
		ActionBytes:   actionBytes,
		BlockID:       block1.ID,
		ActionDigests: [][]byte{actionBytes},
	})
	if err != nil {
		t.Fatalf("onpacket: %v", err)
	}
	if len(disp.executed) != 1 || string(disp.executed[0]) != "transfer 10 tok" {
		t.Fatalf("expected dispatch of inner payload, got %v", disp.executed)
	}
	if c.Peer().LastIncomingPacketSeq != 1 {
		t.Fatalf("last_incoming_packet_seq = %d, want 1", c.Peer().LastIncomingPacketSeq)
	}
	rcpt, err := c.getReceipt(1)
	if err != nil {
		t.Fatalf("getReceipt: %v", err)
	}
	if rcpt.Status != ReceiptExecuted || rcpt.PacketSeq != 1 {
		t.Fatalf("unexpected receipt %+v", rcpt)
	}
}

func TestChannelOnPacketExpiredSkipsDispatch(t *testing.T) {
	owner := addrFromString("owner")
	disp := &spyDispatcher{}
	c := newOpenChannel(t, owner, disp)

	actionBytes := mustEncode(t, packetPayload{
		Seq:        1,
		Expiration: uint64(time.Now().Add(-time.Hour).Unix()),
		Payload:    []byte("should not run"),
	})
	root, _ := ActionMerkleRoot([][]byte{actionBytes})
	block1 := Header{
		Number: 1, Previous: idFromString("peer-genesis"), ID: idFromString("peer-block-1"),
		Producer: addrFromString("peer-producer"), ScheduleSize: 1, ActionMRoot: root,
	}
	if err := c.AddBlock(block1); err != nil {
		t.Fatalf("add block1: %v", err)
	}

	if err := c.OnPacket(ICPAction{ActionBytes: actionBytes, BlockID: block1.ID, ActionDigests: [][]byte{actionBytes}}); err != nil {
		t.Fatalf("onpacket: %v", err)
	}
	if len(disp.executed) != 0 {
		t.Fatalf("expected no dispatch for expired packet, got %v", disp.executed)
	}
	rcpt, err := c.getReceipt(1)
	if err != nil {
		t.Fatalf("getReceipt: %v", err)
	}
	if rcpt.Status != ReceiptExpired {
		t.Fatalf("expected expired receipt, got %v", rcpt.Status)
	}
}

func TestChannelOnPacketRejectsBadMerkleProof(t *testing.T) {
	owner := addrFromString("owner")
	c := newOpenChannel(t, owner, nil)

	actionBytes := mustEncode(t, packetPayload{Seq: 1, Expiration: uint64(time.Now().Add(time.Hour).Unix()), Payload: []byte("x")})
	root, _ := ActionMerkleRoot([][]byte{actionBytes})
	block1 := Header{Number: 1, Previous: idFromString("peer-genesis"), ID: idFromString("peer-block-1"), Producer: addrFromString("peer-producer"), ScheduleSize: 1, ActionMRoot: root}
	if err := c.AddBlock(block1); err != nil {
		t.Fatalf("add block1: %v", err)
	}

	err := c.OnPacket(ICPAction{ActionBytes: actionBytes, BlockID: block1.ID, ActionDigests: [][]byte{[]byte("wrong-digest")}})
	if err != ErrBadMerkleProof {
		t.Fatalf("expected ErrBadMerkleProof, got %v", err)
	}
}

func TestChannelSendActionRequiresContiguousSeq(t *testing.T) {
	owner := addrFromString("owner")
	c := newOpenChannel(t, owner, nil)
	if err := c.SetMaxPackets(owner, 10); err != nil {
		t.Fatalf("set max packets: %v", err)
	}

	if err := c.SendAction(2, []byte("out"), time.Now().Add(time.Hour), nil); !errors.Is(err, ErrBadSeq) {
		t.Fatalf("expected ErrBadSeq for out-of-order seq, got %v", err)
	}
	if err := c.SendAction(1, []byte("out"), time.Now().Add(time.Hour), nil); err != nil {
		t.Fatalf("sendaction seq1: %v", err)
	}
	if err := c.SendAction(1, []byte("out"), time.Now().Add(time.Hour), nil); !errors.Is(err, ErrBadSeq) {
		t.Fatalf("expected ErrBadSeq for replayed seq, got %v", err)
	}
}

func TestChannelSendActionRateLimited(t *testing.T) {
	owner := addrFromString("owner")
	c := newOpenChannel(t, owner, nil)
	if err := c.SetMaxPackets(owner, 1); err != nil {
		t.Fatalf("set max packets: %v", err)
	}

	if err := c.SendAction(1, []byte("out"), time.Now().Add(time.Hour), nil); err != nil {
		t.Fatalf("sendaction seq1: %v", err)
	}
	if got := c.MeterState().CurrentPackets; got != 1 {
		t.Fatalf("current_packets = %d, want 1", got)
	}
	if err := c.SendAction(2, []byte("out"), time.Now().Add(time.Hour), nil); err != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestChannelOnReceiptExecutesCallbackAndDrainsMeter(t *testing.T) {
	owner := addrFromString("owner")
	disp := &spyDispatcher{}
	c := newOpenChannel(t, owner, disp)
	if err := c.SetMaxPackets(owner, 10); err != nil {
		t.Fatalf("set max packets: %v", err)
	}

	if err := c.SendAction(1, []byte("out-payload"), time.Now().Add(time.Hour), []byte("release-escrow")); err != nil {
		t.Fatalf("sendaction: %v", err)
	}
	if got := c.MeterState().CurrentPackets; got != 1 {
		t.Fatalf("current_packets = %d, want 1", got)
	}

	block1 := Header{Number: 1, Previous: idFromString("peer-genesis"), ID: idFromString("peer-block-1"), Producer: addrFromString("peer-producer"), ScheduleSize: 1}
	if err := c.AddBlock(block1); err != nil {
		t.Fatalf("add block1: %v", err)
	}

	receiptBytes := mustEncode(t, receiptPayload{Seq: 1, PacketSeq: 1, Expired: false})
	root, _ := ActionMerkleRoot([][]byte{receiptBytes})
	block2 := Header{Number: 2, Previous: block1.ID, ID: idFromString("peer-block-2"), Producer: addrFromString("peer-producer"), ScheduleSize: 1, ActionMRoot: root}
	if err := c.AddBlock(block2); err != nil {
		t.Fatalf("add block2: %v", err)
	}

	err := c.OnReceipt(ICPAction{ReceiptBytes: receiptBytes, BlockID: block2.ID, ActionDigests: [][]byte{receiptBytes}})
	if err != nil {
		t.Fatalf("onreceipt: %v", err)
	}
	if len(disp.executed) != 1 || string(disp.executed[0]) != "release-escrow" {
		t.Fatalf("expected receipt_action dispatch, got %v", disp.executed)
	}
	if got := c.MeterState().CurrentPackets; got != 0 {
		t.Fatalf("current_packets after receipt = %d, want 0", got)
	}
	pkt, err := c.getPacket(1)
	if err != nil {
		t.Fatalf("getPacket: %v", err)
	}
	if pkt.Status != PacketReceipted {
		t.Fatalf("packet status = %v, want receipted", pkt.Status)
	}
}

func TestChannelSetMaxBlocksCapsForkStore(t *testing.T) {
	owner := addrFromString("owner")
	c := newOpenChannel(t, owner, nil)
	if err := c.SetMaxBlocks(owner, 2); err != nil {
		t.Fatalf("set max blocks: %v", err)
	}

	block1 := Header{Number: 1, Previous: idFromString("peer-genesis"), ID: idFromString("peer-block-1"), Producer: addrFromString("peer-producer"), ScheduleSize: 1}
	if err := c.AddBlock(block1); err != nil {
		t.Fatalf("add block1 under cap: %v", err)
	}

	block2 := Header{Number: 2, Previous: block1.ID, ID: idFromString("peer-block-2"), Producer: addrFromString("peer-producer"), ScheduleSize: 1}
	if err := c.AddBlock(block2); !errors.Is(err, ErrTooManyHeaders) {
		t.Fatalf("expected ErrTooManyHeaders once the fork store hits its cap, got %v", err)
	}
}

func TestChannelSetMaxBlocksRequiresOwner(t *testing.T) {
	owner := addrFromString("owner")
	other := addrFromString("other")
	c := newOpenChannel(t, owner, nil)
	if err := c.SetMaxBlocks(other, 5); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

// fakeChainReader is a minimal LocalChainReader stand-in: the real
// implementation belongs to the host chain (spec.md §1 out-of-scope list),
// so tests just need something GenProof can call through.
type fakeChainReader struct {
	packetBlock, receiptBlock, seedBlock Hash
	digests                              [][]byte
	leafIndex                            uint32
	err                                  error
}

func (r *fakeChainReader) BlockContainingPacket(seq uint64) (Hash, [][]byte, uint32, error) {
	return r.packetBlock, r.digests, r.leafIndex, r.err
}

func (r *fakeChainReader) BlockContainingReceipt(seq uint64) (Hash, [][]byte, uint32, error) {
	return r.receiptBlock, r.digests, r.leafIndex, r.err
}

func (r *fakeChainReader) SeedActionDigests(seedID Hash) ([][]byte, uint32, error) {
	if seedID != r.seedBlock {
		return nil, 0, ErrBlockNotFound
	}
	return r.digests, r.leafIndex, r.err
}

func TestGenProofPacketPath(t *testing.T) {
	owner := addrFromString("owner")
	c := newOpenChannel(t, owner, nil)
	reader := &fakeChainReader{packetBlock: idFromString("peer-block-1"), digests: [][]byte{[]byte("d0")}, leafIndex: 0}

	res, err := c.GenProof(reader, 1, 0)
	if err != nil {
		t.Fatalf("genproof packet: %v", err)
	}
	if res.BlockID != reader.packetBlock || len(res.ActionDigests) != 1 {
		t.Fatalf("unexpected genproof result %+v", res)
	}
}

func TestGenProofReceiptPath(t *testing.T) {
	owner := addrFromString("owner")
	c := newOpenChannel(t, owner, nil)
	reader := &fakeChainReader{receiptBlock: idFromString("peer-block-2"), digests: [][]byte{[]byte("d0")}, leafIndex: 0}

	res, err := c.GenProof(reader, 0, 1)
	if err != nil {
		t.Fatalf("genproof receipt: %v", err)
	}
	if res.BlockID != reader.receiptBlock {
		t.Fatalf("unexpected genproof result %+v", res)
	}
}

// TestGenProofSeedPath exercises the seed-block recovery path: with neither
// packet_seq nor receipt_seq given, genproof re-derives the proof for the
// channel's own trusted seed block using the stored seedDigest, letting a
// cold-started relay recover trust without the peer chain.
func TestGenProofSeedPath(t *testing.T) {
	owner := addrFromString("owner")
	c := newOpenChannel(t, owner, nil)
	reader := &fakeChainReader{seedBlock: idFromString("peer-genesis"), digests: [][]byte{[]byte("seed-action")}, leafIndex: 0}

	res, err := c.GenProof(reader, 0, 0)
	if err != nil {
		t.Fatalf("genproof seed: %v", err)
	}
	if res.BlockID != idFromString("peer-genesis") {
		t.Fatalf("expected seed block id, got %v", res.BlockID)
	}
	if len(res.ActionDigests) != 1 || string(res.ActionDigests[0]) != "seed-action" {
		t.Fatalf("unexpected seed digests %+v", res.ActionDigests)
	}
}

func TestGenProofFailsWithoutSeqOrSeed(t *testing.T) {
	owner := addrFromString("owner")
	c := NewChannelContract(owner, NewInMemoryStore(), nil)
	reader := &fakeChainReader{}

	if _, err := c.GenProof(reader, 0, 0); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed when no channel is open and no seq given, got %v", err)
	}
}

func TestCleanupRejectsHoleInRange(t *testing.T) {
	owner := addrFromString("owner")
	c := newOpenChannel(t, owner, nil)
	if err := c.Cleanup(1, 1); !errors.Is(err, ErrHoleInRange) {
		t.Fatalf("expected ErrHoleInRange, got %v", err)
	}
}

func TestCleanupRejectsNonTerminalPacket(t *testing.T) {
	owner := addrFromString("owner")
	c := newOpenChannel(t, owner, nil)
	if err := c.putReceipt(Receipt{Seq: 1, PacketSeq: 1, Status: ReceiptExecuted}); err != nil {
		t.Fatalf("putReceipt: %v", err)
	}
	if err := c.putPacket(Packet{Seq: 1, Status: PacketUnreceipted}); err != nil {
		t.Fatalf("putPacket: %v", err)
	}
	if err := c.Cleanup(1, 1); err == nil {
		t.Fatalf("expected cleanup to reject a non-terminal packet")
	}
}

func TestCleanupSucceedsOnceTerminal(t *testing.T) {
	owner := addrFromString("owner")
	c := newOpenChannel(t, owner, nil)
	if err := c.putReceipt(Receipt{Seq: 1, PacketSeq: 1, Status: ReceiptExecuted}); err != nil {
		t.Fatalf("putReceipt: %v", err)
	}
	if err := c.putPacket(Packet{Seq: 1, Status: PacketReceipted}); err != nil {
		t.Fatalf("putPacket: %v", err)
	}
	if err := c.Cleanup(1, 1); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := c.getReceipt(1); err == nil {
		t.Fatalf("expected receipt 1 to be deleted after cleanup")
	}
}
