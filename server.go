package npipe

import (
	"io"

	"github.com/pipedev/npipe/internal"
	"github.com/pipedev/npipe/npipeerrors"
)

// Server is the listening-side instance of a named pipe. Its lifecycle runs
// Idle -> WaitOpen -> Connected and back around through WaitDisconnect (the
// client closed) or WaitConnect (explicit Disconnect); Close destroys it from
// any state.
type Server struct {
	ioc  *IO
	pipe *NamedPipe
	end  *pipeEnd

	state  ServerState
	client *Client

	// ioctlFD is the auxiliary pseudo descriptor the server presents
	// while it has no transport; it doubles as the message-mode transport
	// handle when connected.
	ioctlFD *streamFD

	// flushPoll periodically re-checks "peer backlog empty" for byte-mode
	// flushes.
	flushPoll *Timer

	listenCb Callback
	closed   bool
}

func newServer(pipe *NamedPipe, flags Flags) *Server {
	s := &Server{
		ioc:     pipe.device.ioc,
		pipe:    pipe,
		end:     newPipeEnd(pipe.device.ioc, flags, pipe.config.InSize),
		ioctlFD: newPseudoFD(pipe.device.ioc),
		state:   StateIdle,
	}
	pipe.servers = append([]*Server{s}, pipe.servers...)
	return s
}

func (s *Server) State() ServerState {
	return s.state
}

func (s *Server) setState(state ServerState) {
	s.state = state
}

// AsyncListen arms the server for the next connect. The callback completes
// when a client is wired up, or immediately with listening / already
// connected / no data errors when the state forbids a listen.
func (s *Server) AsyncListen(cb Callback) {
	if s.closed {
		cb(io.EOF)
		return
	}

	switch s.state {
	case StateIdle, StateWaitConnect:
		s.listenCb = cb
		s.setState(StateWaitOpen)
		s.pipe.device.wakeInstanceWaiters(s.pipe.key)
	case StateConnected:
		cb(npipeerrors.ErrAlreadyConnected)
	case StateWaitDisconnect:
		cb(npipeerrors.ErrNoData)
	case StateWaitOpen:
		cb(npipeerrors.ErrListening)
	}
}

func (s *Server) completeListen(err error) {
	if cb := s.listenCb; cb != nil {
		s.listenCb = nil
		cb(err)
	}
}

// Disconnect severs the current connection, discarding unread data on both
// sides and failing the client's pending operations with ErrDisconnected.
func (s *Server) Disconnect() error {
	if s.closed {
		return io.EOF
	}

	switch s.state {
	case StateConnected:
		s.notifyEmpty()

		// The client loses all waiting data.
		s.end.disconnect(npipeerrors.ErrDisconnected)
		s.dropTransport(npipeerrors.ErrDisconnected)
		s.client.server = nil
		s.client = nil
		s.setState(StateWaitConnect)
		return nil
	case StateWaitDisconnect:
		s.end.disconnect(npipeerrors.ErrDisconnected)
		s.dropTransport(npipeerrors.ErrDisconnected)
		s.setState(StateWaitConnect)
		return nil
	case StateIdle, StateWaitOpen:
		return npipeerrors.ErrListening
	default: // StateWaitConnect
		return npipeerrors.ErrDisconnected
	}
}

// dropTransport tears down the transport handles of both ends. In byte mode
// that shuts the stream pair down, force-completing suspended fd operations
// with status; message-mode pseudo handles are simply dropped.
func (s *Server) dropTransport(status error) {
	// We may only have a server-side transport if the client already
	// closed its handle.
	if s.client != nil && !s.end.messageMode() {
		s.client.end.fd.closeWith(status)
		s.client.end.fd = nil
	}
	if !s.end.messageMode() {
		s.end.fd.shutdown()
		s.end.fd.closeWith(status)
	}
	s.end.fd = nil
}

func (s *Server) AsyncRead(b []byte, cb AsyncCallback) {
	if err := s.ioGate(); err != nil {
		cb(err, 0)
		return
	}
	s.end.asyncRead(b, cb)
}

func (s *Server) AsyncWrite(b []byte, cb AsyncCallback) {
	if err := s.ioGate(); err != nil {
		cb(err, 0)
		return
	}
	s.end.asyncWrite(b, cb)
}

// ioGate refuses data transfer in states without a transport: a listening
// server is not an error sink, and a disconnected one stays disconnected
// until the next listen.
func (s *Server) ioGate() error {
	if s.closed {
		return io.EOF
	}
	switch s.state {
	case StateIdle, StateWaitOpen:
		return npipeerrors.ErrListening
	case StateWaitConnect:
		return npipeerrors.ErrDisconnected
	}
	return nil
}

// AsyncFlush completes once every byte written by this server has been
// consumed by the client, or immediately when nothing is buffered. Byte mode
// cannot observe the peer draining, so it re-checks on a short poll;
// message mode completes exactly when the last queued message is consumed.
func (s *Server) AsyncFlush(cb Callback) {
	if s.closed {
		cb(io.EOF)
		return
	}
	if s.state != StateConnected || !s.dataRemaining() {
		cb(nil)
		return
	}

	s.end.flushWaiters = append(s.end.flushWaiters, cb)

	if !s.end.messageMode() && s.flushPoll == nil {
		timer, err := NewTimer(s.ioc)
		if err != nil {
			return
		}
		s.flushPoll = timer
		timer.ScheduleRepeating(flushPollInterval, s.checkFlushed)
	}
}

// dataRemaining reports whether the client still has unconsumed data from
// this server.
func (s *Server) dataRemaining() bool {
	if s.client == nil {
		return false
	}
	if s.end.messageMode() {
		return len(s.client.end.messages) > 0
	}
	if s.client.end.fd == nil || s.client.end.fd.closed {
		return false
	}
	return internal.Readable(s.client.end.fd.raw)
}

func (s *Server) checkFlushed() {
	if s.dataRemaining() {
		return // poll again next period
	}
	if s.flushPoll != nil {
		s.flushPoll.Close()
		s.flushPoll = nil
	}
	s.end.wakeFlushWaiters(nil)
}

// notifyEmpty completes a polled flush early: the data it was waiting on is
// gone along with the connection.
func (s *Server) notifyEmpty() {
	if s.flushPoll == nil {
		return
	}
	s.flushPoll.Close()
	s.flushPoll = nil
	s.end.wakeFlushWaiters(nil)
}

func (s *Server) Peek(maxLen int) (PeekInfo, error) {
	if s.closed {
		return PeekInfo{}, io.EOF
	}
	return s.end.peek(maxLen)
}

func (s *Server) Info() Info {
	return Info{
		Flags:        s.end.flags | ServerEnd,
		Sharing:      s.pipe.config.Sharing,
		MaxInstances: s.pipe.config.MaxInstances,
		Instances:    s.pipe.instances,
		InSize:       s.pipe.config.InSize,
		OutSize:      s.pipe.config.OutSize,
	}
}

// SetFlags updates this end's read and blocking mode. Only MessageStreamRead
// and Nonblocking are settable, and message-typed reads require a pipe
// created with message-framed writes.
func (s *Server) SetFlags(flags Flags) error {
	if s.closed {
		return io.EOF
	}
	return setEndFlags(s.end, s.pipe, flags)
}

func setEndFlags(end *pipeEnd, pipe *NamedPipe, flags Flags) error {
	if flags&^(MessageStreamRead|Nonblocking) != 0 {
		return npipeerrors.ErrInvalidParameter
	}
	if flags&MessageStreamRead != 0 && pipe.flags&MessageStreamWrite == 0 {
		return npipeerrors.ErrInvalidParameter
	}
	end.flags = pipe.flags | flags
	return nil
}

// Close destroys the instance: the peer sees a broken pipe, pending
// operations are force-completed and the instance count is given back to the
// pipe.
func (s *Server) Close() error {
	if s.closed {
		return io.EOF
	}
	s.closed = true

	s.completeListen(npipeerrors.ErrCancelled)
	s.end.disconnect(npipeerrors.ErrBroken)

	if s.end.fd != nil {
		s.notifyEmpty()
		s.dropTransport(npipeerrors.ErrBroken)
	}
	if s.flushPoll != nil {
		s.flushPoll.Close()
		s.flushPoll = nil
	}

	s.end.destroy()
	if s.client != nil {
		s.client.server = nil
		s.client = nil
	}

	s.pipe.removeServer(s)
	return nil
}
