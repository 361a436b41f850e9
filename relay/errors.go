package relay

import "errors"

// Session-level error kinds from spec.md §7. Each maps to a session close,
// never a retry at this layer.
var (
	ErrBadPayload      = errors.New("relay: bad payload")
	ErrChainIDMismatch = errors.New("relay: chain id mismatch")
	ErrPingMismatch    = errors.New("relay: ping code mismatch")
)
