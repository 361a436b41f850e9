package core

import (
	"encoding/hex"
	"time"
)

// Address represents a 20-byte account identifier, shared with the rest of
// the host ledger so channel ownership composes with ordinary accounts.
type Address [20]byte

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool { return a == Address{} }

// Hash represents a 32-byte cryptographic digest: block ids, action
// Merkle roots, and schedule digests all share this representation.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// Header is the opaque fixed-schema peer-chain block record the light
// client tracks. Two headers may legitimately share Number during a fork.
type Header struct {
	Number               uint64  `json:"number"`
	Previous             Hash    `json:"previous"`
	ID                   Hash    `json:"id"`
	ProducerScheduleHash Hash    `json:"schedule_hash"`
	ActionMRoot          Hash    `json:"action_mroot"`
	Producer             Address `json:"producer"`
	// ScheduleSize is the number of producers active in the schedule that
	// signed this header. Supplied by the host chain alongside the header;
	// producer-signature verification itself is an external collaborator
	// (see spec.md §1 out-of-scope list) so the fork store only consumes
	// this count for its confirmation bookkeeping.
	ScheduleSize uint32 `json:"schedule_size"`
}

// BlockHeaderState is a Header plus the light-client bookkeeping needed to
// derive the last-irreversible-block-number.
type BlockHeaderState struct {
	Header
	// Confirmed is the rolling set of distinct producers that have built on
	// this fork since the last time the irreversibility window reset.
	Confirmed map[Address]struct{} `json:"-"`
	// LIB is the highest block number known irreversible as of this state.
	LIB uint64 `json:"lib"`
}

// requiredConfirmations returns the supermajority (> 2/3) producer count
// needed to advance LIB, mirroring the BFT finality rule of the peer chain.
func requiredConfirmations(scheduleSize uint32) int {
	if scheduleSize == 0 {
		return 1
	}
	return int(scheduleSize)*2/3 + 1
}

// PacketStatus enumerates the lifecycle states of an outbound Packet.
type PacketStatus uint8

const (
	PacketUnreceipted PacketStatus = iota
	PacketReceipted
	PacketExpired
)

func (s PacketStatus) String() string {
	switch s {
	case PacketUnreceipted:
		return "unreceipted"
	case PacketReceipted:
		return "receipted"
	case PacketExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Packet is a one-way cross-chain message identified by a direction-local
// monotonic sequence number.
type Packet struct {
	Seq            uint64       `json:"seq"`
	Expiration     time.Time    `json:"expiration"`
	SendAction     []byte       `json:"send_action"`
	ReceiptAction  []byte       `json:"receipt_action"`
	Status         PacketStatus `json:"status"`
}

// ReceiptStatus enumerates the terminal states of a Receipt.
type ReceiptStatus uint8

const (
	ReceiptExecuted ReceiptStatus = iota
	ReceiptExpired
)

func (s ReceiptStatus) String() string {
	if s == ReceiptExpired {
		return "expired"
	}
	return "executed"
}

// Receipt is the peer-side acknowledgement of a Packet, mirrored back as
// another packet in the reverse direction.
type Receipt struct {
	Seq       uint64        `json:"seq"`
	PacketSeq uint64        `json:"packet_seq"`
	Status    ReceiptStatus `json:"status"`
}

// PeerRecord is the singleton tracking the four authoritative sequence
// cursors for one channel.
type PeerRecord struct {
	PeerContract          Address `json:"peer_contract"`
	LastOutgoingPacketSeq uint64  `json:"last_outgoing_packet_seq"`
	LastIncomingPacketSeq uint64  `json:"last_incoming_packet_seq"`
	LastOutgoingReceiptSeq uint64 `json:"last_outgoing_receipt_seq"`
	LastIncomingReceiptSeq uint64 `json:"last_incoming_receipt_seq"`
}

// Meter is the singleton rate-limiting record: current_packets must never
// exceed max_packets at a transaction boundary.
type Meter struct {
	MaxPackets     uint32 `json:"max_packets"`
	CurrentPackets uint32 `json:"current_packets"`
}
