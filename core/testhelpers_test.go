package core

import "crypto/sha256"

// idFromString derives a deterministic test Hash from a label, so tests read
// as "header 101a" instead of raw hex.
func idFromString(s string) Hash {
	return sha256.Sum256([]byte(s))
}

// addrFromString derives a deterministic test Address from a label.
func addrFromString(s string) Address {
	sum := sha256.Sum256([]byte(s))
	var a Address
	copy(a[:], sum[:20])
	return a
}
