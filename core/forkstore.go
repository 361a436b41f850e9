package core

import (
	"bytes"
	"fmt"
	"sync"
)

// AddOutcome reports how AddHeader resolved a single header.
type AddOutcome uint8

const (
	// Accepted means a new BlockHeaderState was inserted.
	Accepted AddOutcome = iota
	// DuplicateOK means the header's id was already stored; idempotent
	// success per spec.md §4.1.
	DuplicateOK
)

// ForkStore is the light-client header index: an id-keyed arena rather than
// a pointer graph (core/chain_fork_manager.go's parent-hash-keyed map,
// generalized to track full BlockHeaderState and finality).
type ForkStore struct {
	mu       sync.RWMutex
	byID     map[Hash]*BlockHeaderState
	byNumber map[uint64]map[Hash]struct{}
	head     Hash
	seed     Hash
	// maxHeaders caps how many BlockHeaderStates the arena may hold at
	// once (spec.md §6 setmaxblocks); 0 means unbounded. A header that
	// would exceed it is rejected rather than evicted. pruneBelowLIB only
	// removes losing forks, so canonical headers keep counting toward the
	// cap until an admin Prune removes them.
	maxHeaders uint32
}

// NewForkStore returns an empty, unseeded store.
func NewForkStore() *ForkStore {
	return &ForkStore{
		byID:     make(map[Hash]*BlockHeaderState),
		byNumber: make(map[uint64]map[Hash]struct{}),
	}
}

// Init seeds an empty store with a trusted BlockHeaderState, installing it
// as both head and lib. Returns ErrAlreadyOpen if the store is non-empty.
func (fs *ForkStore) Init(seed BlockHeaderState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.byID) != 0 {
		return ErrAlreadyOpen
	}
	if seed.Confirmed == nil {
		seed.Confirmed = map[Address]struct{}{seed.Producer: {}}
	}
	seed.LIB = seed.Number
	fs.byID[seed.ID] = &seed
	fs.index(seed.Number, seed.ID)
	fs.head = seed.ID
	fs.seed = seed.ID
	return nil
}

func (fs *ForkStore) index(number uint64, id Hash) {
	set, ok := fs.byNumber[number]
	if !ok {
		set = make(map[Hash]struct{})
		fs.byNumber[number] = set
	}
	set[id] = struct{}{}
}

// SetMaxHeaders installs a cap on how many headers the arena may hold
// concurrently. A cap of 0 removes any limit.
func (fs *ForkStore) SetMaxHeaders(n uint32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.maxHeaders = n
}

// Find returns the BlockHeaderState for id, if known.
func (fs *ForkStore) Find(id Hash) (BlockHeaderState, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	st, ok := fs.byID[id]
	if !ok {
		return BlockHeaderState{}, false
	}
	return *st, true
}

// Head returns the current best-known fork tip, or the zero state when the
// store has not been seeded.
func (fs *ForkStore) Head() BlockHeaderState {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	st, ok := fs.byID[fs.head]
	if !ok {
		return BlockHeaderState{}
	}
	return *st
}

// LIB returns the current last-irreversible-block-number.
func (fs *ForkStore) LIB() uint64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if st, ok := fs.byID[fs.head]; ok {
		return st.LIB
	}
	return 0
}

// AddHeader applies the fork-store algorithm from spec.md §4.1 to a single
// header and returns whether it was newly accepted or a known duplicate.
func (fs *ForkStore) AddHeader(h Header) (AddOutcome, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.addHeaderLocked(h)
}

func (fs *ForkStore) addHeaderLocked(h Header) (AddOutcome, error) {
	if _, dup := fs.byID[h.ID]; dup {
		return DuplicateOK, nil
	}
	if len(fs.byID) == 0 {
		return 0, ErrUnlinkable
	}
	parent, ok := fs.byID[h.Previous]
	if !ok {
		return 0, ErrUnlinkable
	}
	if fs.maxHeaders > 0 && uint32(len(fs.byID)) >= fs.maxHeaders {
		return 0, fmt.Errorf("addheader: arena holds %d headers, at cap %d: %w", len(fs.byID), fs.maxHeaders, ErrTooManyHeaders)
	}

	confirmed := make(map[Address]struct{}, len(parent.Confirmed)+1)
	for p := range parent.Confirmed {
		confirmed[p] = struct{}{}
	}
	confirmed[h.Producer] = struct{}{}

	newLIB := parent.LIB
	if len(confirmed) >= requiredConfirmations(h.ScheduleSize) {
		newLIB = h.Number
		confirmed = map[Address]struct{}{h.Producer: {}}
	}

	st := &BlockHeaderState{Header: h, Confirmed: confirmed, LIB: newLIB}
	fs.byID[h.ID] = st
	fs.index(h.Number, h.ID)

	fs.recomputeHead()
	fs.pruneBelowLIB()
	return Accepted, nil
}

// AddHeaderBatch applies a contiguous run of headers atomically: the batch
// is validated in full before any header is committed, so an unlinkable
// batch leaves the store untouched (spec.md §4.2 addblocks contract).
func (fs *ForkStore) AddHeaderBatch(hs []Header) error {
	if len(hs) == 0 {
		return nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	headSt, ok := fs.byID[fs.head]
	if !ok {
		return ErrUnlinkable
	}
	if hs[0].Number != headSt.Number+1 {
		return fmt.Errorf("addblocks: first header number %d != head+1 (%d): %w", hs[0].Number, headSt.Number+1, ErrUnlinkable)
	}
	if hs[0].Previous != fs.head {
		return fmt.Errorf("addblocks: first header does not extend head: %w", ErrUnlinkable)
	}
	for i := 1; i < len(hs); i++ {
		if hs[i].Previous != hs[i-1].ID {
			return fmt.Errorf("addblocks: header %d unlinkable to %d: %w", i, i-1, ErrUnlinkable)
		}
	}

	for _, h := range hs {
		if _, err := fs.addHeaderLocked(h); err != nil {
			return err
		}
	}
	return nil
}

// recomputeHead sets head to the tip with the greatest (LIB, Number) key,
// ties broken by the lexicographically smaller id (spec.md §4.1 step 4).
func (fs *ForkStore) recomputeHead() {
	var best *BlockHeaderState
	for id, st := range fs.byID {
		if !fs.isTip(id) {
			continue
		}
		if best == nil || better(st, best) {
			best = st
		}
	}
	if best != nil {
		fs.head = best.ID
	}
}

func better(candidate, current *BlockHeaderState) bool {
	if candidate.LIB != current.LIB {
		return candidate.LIB > current.LIB
	}
	if candidate.Number != current.Number {
		return candidate.Number > current.Number
	}
	return bytes.Compare(candidate.ID[:], current.ID[:]) < 0
}

// isTip reports whether id has no known descendant in the store.
func (fs *ForkStore) isTip(id Hash) bool {
	for _, st := range fs.byID {
		if st.Previous == id {
			return false
		}
	}
	return true
}

// pruneBelowLIB removes any fork whose tip sits strictly below the new lib
// and is not on the canonical ancestor chain of head (spec.md §4.1 step 6).
func (fs *ForkStore) pruneBelowLIB() {
	headSt := fs.byID[fs.head]
	if headSt == nil {
		return
	}
	canonical := map[Hash]struct{}{fs.head: {}}
	for cur := fs.head; ; {
		st := fs.byID[cur]
		if st == nil || st.ID == fs.seed {
			break
		}
		canonical[st.Previous] = struct{}{}
		cur = st.Previous
	}

	for id, st := range fs.byID {
		if _, onCanonical := canonical[id]; onCanonical {
			continue
		}
		if !fs.isTip(id) {
			continue
		}
		if st.Number < headSt.LIB {
			fs.removeBranch(id)
		}
	}
}

// removeBranch deletes id and any ancestor that becomes orphaned (no
// remaining descendant and not canonical), walking back toward the seed.
func (fs *ForkStore) removeBranch(id Hash) {
	for {
		st, ok := fs.byID[id]
		if !ok || id == fs.seed {
			return
		}
		delete(fs.byID, id)
		if set, ok := fs.byNumber[st.Number]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(fs.byNumber, st.Number)
			}
		}
		parent := st.Previous
		if fs.isTip(parent) && fs.byID[parent] != nil && fs.byID[parent].Number < fs.byID[fs.head].LIB && parent != fs.head {
			id = parent
			continue
		}
		return
	}
}

// PruneRange admin-deletes every BlockHeaderState whose Number falls in
// [startNum, endNum], regardless of fork membership. Callers are
// responsible for bounding the range below lib.
func (fs *ForkStore) PruneRange(startNum, endNum uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for num := startNum; num <= endNum; num++ {
		set := fs.byNumber[num]
		for id := range set {
			delete(fs.byID, id)
		}
		delete(fs.byNumber, num)
	}
}

// Remove deletes a single BlockHeaderState by id. It does not cascade to
// ancestors. (The admin-guarded ChannelContract.Prune uses PruneRange.)
func (fs *ForkStore) Remove(id Hash) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st, ok := fs.byID[id]
	if !ok {
		return
	}
	delete(fs.byID, id)
	if set, ok := fs.byNumber[st.Number]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(fs.byNumber, st.Number)
		}
	}
}

// IsAncestor reports whether ancestor lies on descendant's Previous chain.
func (fs *ForkStore) IsAncestor(descendant, ancestor Hash) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	cur := descendant
	for {
		if cur == ancestor {
			return true
		}
		st, ok := fs.byID[cur]
		if !ok || cur == fs.seed {
			return false
		}
		cur = st.Previous
	}
}

// MerkleRootAt returns the action_mroot of the canonical-chain block at
// number, if one is stored.
func (fs *ForkStore) MerkleRootAt(number uint64) (Hash, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for cur := fs.head; ; {
		st, ok := fs.byID[cur]
		if !ok {
			return Hash{}, false
		}
		if st.Number == number {
			return st.ActionMRoot, true
		}
		if st.Number < number || cur == fs.seed {
			return Hash{}, false
		}
		cur = st.Previous
	}
}

// Empty reports whether the store has not yet been seeded.
func (fs *ForkStore) Empty() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.byID) == 0
}

// Reset clears the store entirely (channel close).
func (fs *ForkStore) Reset() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.byID = make(map[Hash]*BlockHeaderState)
	fs.byNumber = make(map[uint64]map[Hash]struct{})
	fs.head = Hash{}
	fs.seed = Hash{}
}
