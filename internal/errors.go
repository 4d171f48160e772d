package internal

import "github.com/pipedev/npipe/npipeerrors"

// Aliased so callers comparing against the public sentinels match errors
// surfaced from this package.
var (
	ErrWouldBlock = npipeerrors.ErrWouldBlock
	ErrCancelled  = npipeerrors.ErrCancelled
	ErrTimeout    = npipeerrors.ErrTimeout
)
