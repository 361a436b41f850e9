package core

import "github.com/ethereum/go-ethereum/rlp"

// EncodeSeed serializes the header half of a BlockHeaderState for transport
// as a channel_seed.seed payload (spec.md §4.4). Confirmed/LIB are
// recomputed by ForkStore.Init on the receiving end, so only the Header
// itself needs to cross the wire.
func EncodeSeed(st BlockHeaderState) ([]byte, error) {
	return rlp.EncodeToBytes(st.Header)
}

// DecodeSeed parses a channel_seed.seed payload back into a BlockHeaderState
// ready for ForkStore.Init.
func DecodeSeed(b []byte) (BlockHeaderState, error) {
	var h Header
	if err := rlp.DecodeBytes(b, &h); err != nil {
		return BlockHeaderState{}, err
	}
	return BlockHeaderState{Header: h}, nil
}
