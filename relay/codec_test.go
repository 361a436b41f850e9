package relay

import (
	"bytes"
	"errors"
	"testing"

	"github.com/synnergy-labs/icp-relay/core"
)

func TestCodecRoundTripAllVariants(t *testing.T) {
	cases := []Message{
		{Tag: TagHello, Hello: &Hello{ID: [32]byte{1}, ChainID: 7, Contract: core.Address{1}, PeerContract: core.Address{2}}},
		{Tag: TagPing, Ping: &Ping{Sent: 100, Code: 5, Head: 42}},
		{Tag: TagPong, Pong: &Pong{EchoedCode: 5}},
		{Tag: TagChannelSeed, ChannelSeed: &ChannelSeed{Seed: []byte("seed-bytes")}},
		{Tag: TagBlockHeaderWithMerklePath, BlockHeaderWithMerklePath: &BlockHeaderWithMerklePath{
			Headers:    []core.Header{{Number: 1, ID: core.Hash{1}}, {Number: 2, ID: core.Hash{2}}},
			MerklePath: [][]byte{[]byte("a"), []byte("b")},
		}},
		{Tag: TagICPActions, ICPActions: &ICPActions{
			BlockHeader:    core.Header{Number: 3, ID: core.Hash{3}},
			PeerActions:    []ActionKind{ActionKindPacket, ActionKindReceipt},
			Actions:        [][]byte{[]byte("a1"), []byte("a2")},
			ActionReceipts: [][]byte{[]byte("r1"), []byte("r2")},
			ActionDigests:  [][]byte{[]byte("d1"), []byte("d2")},
		}},
	}

	for _, m := range cases {
		frame, err := Encode(m)
		if err != nil {
			t.Fatalf("encode %s: %v", m.Tag, err)
		}
		got, err := Decode(frame)
		if err != nil {
			t.Fatalf("decode %s: %v", m.Tag, err)
		}
		if got.Tag != m.Tag {
			t.Fatalf("tag roundtrip: got %s want %s", got.Tag, m.Tag)
		}
		switch m.Tag {
		case TagHello:
			if *got.Hello != *m.Hello {
				t.Fatalf("hello roundtrip mismatch: got %+v want %+v", got.Hello, m.Hello)
			}
		case TagPing:
			if *got.Ping != *m.Ping {
				t.Fatalf("ping roundtrip mismatch")
			}
		case TagPong:
			if *got.Pong != *m.Pong {
				t.Fatalf("pong roundtrip mismatch")
			}
		case TagChannelSeed:
			if !bytes.Equal(got.ChannelSeed.Seed, m.ChannelSeed.Seed) {
				t.Fatalf("channel_seed roundtrip mismatch")
			}
		case TagBlockHeaderWithMerklePath:
			if len(got.BlockHeaderWithMerklePath.Headers) != len(m.BlockHeaderWithMerklePath.Headers) {
				t.Fatalf("header batch length mismatch")
			}
			for i := range m.BlockHeaderWithMerklePath.Headers {
				if got.BlockHeaderWithMerklePath.Headers[i].Number != m.BlockHeaderWithMerklePath.Headers[i].Number {
					t.Fatalf("header %d number mismatch", i)
				}
			}
		case TagICPActions:
			g, w := got.ICPActions, m.ICPActions
			if g.BlockHeader.Number != w.BlockHeader.Number || len(g.PeerActions) != len(w.PeerActions) {
				t.Fatalf("icp_actions roundtrip mismatch: got %+v want %+v", g, w)
			}
		}
	}
}

func TestDecodeUnknownTagIsBadPayload(t *testing.T) {
	frame := make([]byte, 8)
	frame[3] = 0xFF // tag = 255, never assigned
	_, err := Decode(frame)
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload for unknown tag, got %v", err)
	}
}

func TestDecodeShortFrameIsBadPayload(t *testing.T) {
	if _, err := Decode([]byte{1, 2}); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload for short frame, got %v", err)
	}
}

func TestEncodeUnknownTagFails(t *testing.T) {
	if _, err := Encode(Message{Tag: Tag(99)}); err == nil {
		t.Fatalf("expected encode error for unknown tag")
	}
}
