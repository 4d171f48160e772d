package npipe

import "time"

const (
	// MaxCallbackDispatch is the maximum number of callbacks which can be
	// placed onto the stack for immediate invocation.
	MaxCallbackDispatch int = 32

	// flushPollInterval is how often a byte-mode flush re-checks the peer
	// for buffered data. There is no drained notification on a local
	// stream pair, so flush falls back to polling.
	flushPollInterval = 100 * time.Millisecond

	// defaultWaitTimeout bounds AsyncWaitForInstance when neither the
	// caller nor the pipe specifies a timeout.
	defaultWaitTimeout = 50 * time.Millisecond

	// maxMessageSize caps a single queued message. Writes above it fail
	// with ErrNoMemory instead of growing the queue without bound.
	maxMessageSize = 64 << 20
)

// AsyncCallback completes an asynchronous read or write. Callers should
// always process the n > 0 bytes returned before considering the error: a
// message-mode read into a buffer smaller than the message returns both the
// prefix and ErrBufferOverflow.
type AsyncCallback func(err error, n int)

// Callback completes an asynchronous operation which transfers no bytes:
// listen, flush and wait-for-instance.
type Callback func(err error)

// Access is the access requested when connecting to a pipe.
type Access uint32

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

// Sharing is the sharing mask fixed by the first instance of a named pipe.
// Every later instance must pass the identical mask.
type Sharing uint32

const (
	ShareRead Sharing = 1 << iota
	ShareWrite
)

// Flags describe the transport mode of a pipe or of one of its ends.
type Flags uint32

const (
	// MessageStreamWrite frames every write as a discrete message. Fixed
	// per pipe at creation; without it the pipe is a plain byte stream.
	MessageStreamWrite Flags = 0x0001

	// MessageStreamRead makes reads consume exactly one message per call.
	// Settable per end, only on pipes created with MessageStreamWrite.
	MessageStreamRead Flags = 0x0002

	// Nonblocking makes a read with nothing buffered fail immediately and
	// a write complete without waiting for the peer's backlog to drain.
	Nonblocking Flags = 0x0004

	// ServerEnd is reported by Info on server handles. Read-only.
	ServerEnd Flags = 0x8000
)

// ServerState is the connection state machine of a pipe server instance.
type ServerState int32

const (
	// StateIdle: freshly created, not listening yet. Still eligible for
	// connects.
	StateIdle ServerState = iota

	// StateWaitOpen: a listen is pending; connects prefer these servers.
	StateWaitOpen

	// StateConnected: wired to a client.
	StateConnected

	// StateWaitDisconnect: the client closed its handle; the server side
	// stays up so buffered data can still be drained.
	StateWaitDisconnect

	// StateWaitConnect: explicitly disconnected; a new listen is needed
	// before the next connect.
	StateWaitConnect
)

func (s ServerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitOpen:
		return "wait_open"
	case StateConnected:
		return "connected"
	case StateWaitDisconnect:
		return "wait_disconnect"
	case StateWaitConnect:
		return "wait_connect"
	default:
		return "state_unknown"
	}
}

// PipeConfig is the static per-name configuration established by the first
// CreatePipe call for a name.
type PipeConfig struct {
	Sharing        Sharing
	MaxInstances   int
	InSize         int // inbound (client-to-server) buffer size hint
	OutSize        int // outbound (server-to-client) buffer size hint
	DefaultTimeout time.Duration
	Flags          Flags // MessageStreamWrite and/or MessageStreamRead
}

// Info is a snapshot of a pipe end and its pipe's configuration.
type Info struct {
	Flags        Flags
	Sharing      Sharing
	MaxInstances int
	Instances    int
	InSize       int
	OutSize      int
}

// PeekInfo is the non-destructive view returned by Peek.
type PeekInfo struct {
	Available     int    // total unread bytes buffered for this end
	MessageLength int    // unread length of the next message
	Data          []byte // copy of the head bytes, bounded by the caller's limit
}
