// Package classicerr defines the sentinel error kinds shared across the
// protocol, world, and session packages so callers can classify a failure
// with errors.Is/errors.As instead of matching on message text.
package classicerr

import "errors"

// Sentinel kinds. Wrap these with pkg/errors at the point of failure so the
// causal chain survives while the kind remains matchable.
var (
	// ErrProtocol marks a malformed packet, a disallowed packet id in Play,
	// or a field that could not be read at its fixed size.
	ErrProtocol = errors.New("protocol error")

	// ErrOversize marks a caller asking the codec to read or write more
	// than 1024 bytes for a single field.
	ErrOversize = errors.New("oversize field")

	// ErrPolicy marks a policy violation: anti-grief, move-spam, or an
	// unauthenticated peer attempting a gated action.
	ErrPolicy = errors.New("policy violation")

	// ErrClientGone marks a socket read/write that failed because the
	// peer disconnected (EOF or I/O failure).
	ErrClientGone = errors.New("client gone")

	// ErrWorldIO marks a failure reading or writing the RLE file or its
	// staging file during compaction.
	ErrWorldIO = errors.New("world I/O error")

	// ErrIdentityIO marks a failure reading or writing the identity store.
	ErrIdentityIO = errors.New("identity I/O error")
)

// PolicyError carries the human-readable kick/reject reason alongside
// ErrPolicy so callers can surface it in-band (0x0d chat or 0x0e disconnect)
// without re-deriving it from the sentinel.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

func (e *PolicyError) Unwrap() error { return ErrPolicy }

// NewPolicy builds a PolicyError with the given reason string.
func NewPolicy(reason string) error {
	return &PolicyError{Reason: reason}
}
