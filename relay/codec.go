package relay

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/synnergy-labs/icp-relay/core"
)

// Tag discriminates the icp_message tagged union (spec.md §4.5). Values are
// stable and assigned in the order §4.3 lists the variants.
type Tag uint32

const (
	TagHello Tag = iota
	TagPing
	TagPong
	TagChannelSeed
	TagBlockHeaderWithMerklePath
	TagICPActions
)

func (t Tag) String() string {
	switch t {
	case TagHello:
		return "hello"
	case TagPing:
		return "ping"
	case TagPong:
		return "pong"
	case TagChannelSeed:
		return "channel_seed"
	case TagBlockHeaderWithMerklePath:
		return "block_header_with_merkle_path"
	case TagICPActions:
		return "icp_actions"
	default:
		return "unknown"
	}
}

// Hello is exchanged immediately on transport-up by both sides of a
// session.
type Hello struct {
	ID           [32]byte
	ChainID      uint64
	Contract     core.Address
	PeerContract core.Address
}

// Ping carries a liveness probe plus the sender's local head so the peer
// can trigger catch-up.
type Ping struct {
	Sent uint64
	Code uint64
	Head uint64
}

// Pong answers a Ping by echoing its code.
type Pong struct {
	EchoedCode uint64
}

// ChannelSeed carries the RLP-encoded seed Header (core.EncodeSeed) an
// openchannel action should seed the Fork Store with.
type ChannelSeed struct {
	Seed []byte
}

// BlockHeaderWithMerklePath carries a contiguous header batch destined for
// addblocks, plus the Merkle path material backing the batch's trailing
// header (used when a peer needs to prove a specific action independent of
// an icp_actions push).
type BlockHeaderWithMerklePath struct {
	Headers    []core.Header
	MerklePath [][]byte
}

// ActionKind distinguishes the two push kinds icp_actions.peer_actions[]
// selects between.
type ActionKind uint8

const (
	ActionKindPacket ActionKind = iota
	ActionKindReceipt
)

// ICPActions carries one block header plus the aligned arrays of actions,
// receipts and kinds the coordinator pushes into the Channel Contract after
// addblock (spec.md §4.4). PeerActions, Actions and ActionReceipts must be
// the same length (Open Question (b)); ActionDigests is the full per-block
// digest array shared by every push.
type ICPActions struct {
	BlockHeader    core.Header
	PeerActions    []ActionKind
	Actions        [][]byte
	ActionReceipts [][]byte
	ActionDigests  [][]byte
}

// Message is the decoded form of one wire frame. Exactly one payload
// pointer is populated, selected by Tag.
type Message struct {
	Tag                       Tag
	Hello                     *Hello
	Ping                      *Ping
	Pong                      *Pong
	ChannelSeed               *ChannelSeed
	BlockHeaderWithMerklePath *BlockHeaderWithMerklePath
	ICPActions                *ICPActions
}

func (m Message) payload() (interface{}, error) {
	switch m.Tag {
	case TagHello:
		return m.Hello, nil
	case TagPing:
		return m.Ping, nil
	case TagPong:
		return m.Pong, nil
	case TagChannelSeed:
		return m.ChannelSeed, nil
	case TagBlockHeaderWithMerklePath:
		return m.BlockHeaderWithMerklePath, nil
	case TagICPActions:
		return m.ICPActions, nil
	default:
		return nil, fmt.Errorf("codec: unknown tag %d: %w", m.Tag, ErrBadPayload)
	}
}

// Encode frames m as `uint32 tag || rlp(payload)`, the binary discipline
// spec.md §4.5 requires for WebSocket frames.
func Encode(m Message) ([]byte, error) {
	payload, err := m.payload()
	if err != nil {
		return nil, err
	}
	body, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", m.Tag, err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(m.Tag))
	copy(out[4:], body)
	return out, nil
}

// Decode parses one wire frame back into a Message. An unrecognized tag or
// a malformed body both surface as ErrBadPayload, per spec.md §4.5/§7.
func Decode(frame []byte) (Message, error) {
	if len(frame) < 4 {
		return Message{}, fmt.Errorf("codec: frame shorter than tag: %w", ErrBadPayload)
	}
	tag := Tag(binary.BigEndian.Uint32(frame))
	body := frame[4:]

	switch tag {
	case TagHello:
		var v Hello
		if err := rlp.DecodeBytes(body, &v); err != nil {
			return Message{}, decodeErr(tag, err)
		}
		return Message{Tag: tag, Hello: &v}, nil
	case TagPing:
		var v Ping
		if err := rlp.DecodeBytes(body, &v); err != nil {
			return Message{}, decodeErr(tag, err)
		}
		return Message{Tag: tag, Ping: &v}, nil
	case TagPong:
		var v Pong
		if err := rlp.DecodeBytes(body, &v); err != nil {
			return Message{}, decodeErr(tag, err)
		}
		return Message{Tag: tag, Pong: &v}, nil
	case TagChannelSeed:
		var v ChannelSeed
		if err := rlp.DecodeBytes(body, &v); err != nil {
			return Message{}, decodeErr(tag, err)
		}
		return Message{Tag: tag, ChannelSeed: &v}, nil
	case TagBlockHeaderWithMerklePath:
		var v BlockHeaderWithMerklePath
		if err := rlp.DecodeBytes(body, &v); err != nil {
			return Message{}, decodeErr(tag, err)
		}
		return Message{Tag: tag, BlockHeaderWithMerklePath: &v}, nil
	case TagICPActions:
		var v ICPActions
		if err := rlp.DecodeBytes(body, &v); err != nil {
			return Message{}, decodeErr(tag, err)
		}
		return Message{Tag: tag, ICPActions: &v}, nil
	default:
		return Message{}, fmt.Errorf("codec: unknown tag %d: %w", tag, ErrBadPayload)
	}
}

func decodeErr(tag Tag, err error) error {
	return fmt.Errorf("codec: decode %s: %w: %w", tag, ErrBadPayload, err)
}
