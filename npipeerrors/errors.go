package npipeerrors

import "errors"

var (
	ErrWouldBlock       = errors.New("operation would block")
	ErrCancelled        = errors.New("operation cancelled")
	ErrTimeout          = errors.New("operation timed out")
	ErrListening        = errors.New("pipe is listening")
	ErrAlreadyConnected = errors.New("pipe already connected")
	ErrDisconnected     = errors.New("pipe disconnected")
	ErrBroken           = errors.New("pipe broken") // the peer end went away with the connection up
	ErrNotAvailable     = errors.New("no pipe instance available")
	ErrInstanceLimit    = errors.New("pipe instance limit reached")
	ErrAccessDenied     = errors.New("access denied")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrBufferOverflow   = errors.New("buffer too small for message") // partial message read, remainder stays queued
	ErrNoData           = errors.New("no data detected")
	ErrNoMemory         = errors.New("message too large to buffer")
	ErrNotSupported     = errors.New("operation not supported")
)
