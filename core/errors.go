package core

import "errors"

// Sentinel errors returned by the Fork Store and Channel Contract. Callers
// should use errors.Is against these rather than matching on message text.
var (
	ErrUnlinkable      = errors.New("unlinkable")
	ErrDuplicateHeader = errors.New("duplicate")
	ErrBadSchedule     = errors.New("bad_schedule")
	ErrBlockNotFound   = errors.New("block-not-found")

	ErrAlreadyOpen    = errors.New("already_open")
	ErrChannelClosed  = errors.New("channel_not_open")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadMerkleProof = errors.New("bad-merkle-proof")
	ErrSeqGap         = errors.New("seq-gap")
	ErrSeqDup         = errors.New("seq-dup")
	ErrRateLimited    = errors.New("rate-limited")
	ErrBadSeq         = errors.New("bad_seq")
	ErrNotIrreversible = errors.New("block-not-irreversible")
	ErrHoleInRange     = errors.New("hole-in-range")
	ErrArrayMismatch   = errors.New("array-length-mismatch")
	ErrTooManyHeaders  = errors.New("too-many-headers")
)
