package npipe

import (
	"io"

	"github.com/pipedev/npipe/npipeerrors"
)

// pipeEnd is the shared read/write state of one side of a connection, server
// or client. In byte mode data moves through fd, one endpoint of a local
// stream pair. In message mode there is no stream: writes queue framed
// messages directly on the peer end and suspend until the peer's backlog is
// back within bufferSize.
type pipeEnd struct {
	ioc        *IO
	flags      Flags
	bufferSize int // unread-byte threshold under which queued writes are acknowledged

	// fd is the transport handle: a real descriptor in byte mode, a
	// pseudo one in message mode. Nil whenever the end is not wired to a
	// peer (for a server, any state outside Connected/WaitDisconnect).
	fd *streamFD

	peer *pipeEnd

	messages     []*message
	readers      []*pendingRead
	flushWaiters []Callback
}

type pendingRead struct {
	b  []byte
	cb AsyncCallback
}

func newPipeEnd(ioc *IO, flags Flags, bufferSize int) *pipeEnd {
	return &pipeEnd{
		ioc:        ioc,
		flags:      flags,
		bufferSize: bufferSize,
	}
}

// messageMode reports whether I/O goes through the message queue rather than
// the stream pair. It follows the pipe's write framing flag: message-framed
// writes need the queue, and readers on such pipes consume from it.
func (end *pipeEnd) messageMode() bool {
	return end.flags&MessageStreamWrite != 0
}

func (end *pipeEnd) nonblocking() bool {
	return end.flags&Nonblocking != 0
}

func (end *pipeEnd) asyncRead(b []byte, cb AsyncCallback) {
	if !end.messageMode() {
		if end.fd == nil || end.fd.closed {
			cb(npipeerrors.ErrBroken, 0)
			return
		}
		end.fd.asyncRead(b, end.nonblocking(), func(err error, n int) {
			if err == io.EOF {
				// The stream was shut down under us: the peer end
				// went away with data possibly still in flight.
				err = npipeerrors.ErrBroken
			}
			cb(err, n)
		})
		return
	}

	if end.peer == nil && len(end.messages) == 0 {
		cb(npipeerrors.ErrBroken, 0)
		return
	}
	if end.nonblocking() && len(end.messages) == 0 {
		cb(npipeerrors.ErrWouldBlock, 0)
		return
	}

	end.readers = append(end.readers, &pendingRead{b: b, cb: cb})
	end.reselectReadQueue()
}

func (end *pipeEnd) asyncWrite(b []byte, cb AsyncCallback) {
	if !end.messageMode() {
		if end.fd == nil || end.fd.closed {
			cb(npipeerrors.ErrDisconnected, 0)
			return
		}
		end.fd.asyncWrite(b, cb)
		return
	}

	reader := end.peer
	if reader == nil {
		cb(npipeerrors.ErrDisconnected, 0)
		return
	}
	if len(b) > maxMessageSize {
		cb(npipeerrors.ErrNoMemory, 0)
		return
	}

	if end.nonblocking() {
		// Acknowledged up front; the payload stays queued for the
		// reader regardless of its backlog.
		reader.messages = append(reader.messages, newMessage(b, nil))
		cb(nil, len(b))
	} else {
		reader.messages = append(reader.messages, newMessage(b, cb))
	}
	end.reselectWriteQueue()
}

// messageQueueRead transfers queued payload into b. A message-typed reader
// consumes from the head message only, reporting ErrBufferOverflow when b is
// too small and leaving the remainder at the head. A byte-typed reader
// concatenates across as many messages as b can hold. A message leaves the
// queue exactly when its last byte is consumed; a zero-length message is
// consumed by the read that observes it.
func (end *pipeEnd) messageQueueRead(b []byte) (n int, err error) {
	if end.flags&MessageStreamRead != 0 {
		msg := end.messages[0]
		n = min(len(b), msg.unread())
		if msg.pos+n < msg.size() {
			err = npipeerrors.ErrBufferOverflow
		}
	} else {
		avail := 0
		for _, msg := range end.messages {
			avail += msg.unread()
			if avail >= len(b) {
				break
			}
		}
		n = min(len(b), avail)
	}

	written := 0
	for {
		msg := end.messages[0]
		chunk := min(n-written, msg.unread())
		copy(b[written:written+chunk], msg.bytes()[:chunk])
		written += chunk
		msg.pos += chunk
		if msg.unread() == 0 {
			msg.wake()
			end.popMessage()
		}
		if written >= n {
			break
		}
	}
	return n, err
}

func (end *pipeEnd) popMessage() {
	msg := end.messages[0]
	end.messages[0] = nil
	end.messages = end.messages[1:]
	msg.release()
}

// reselectReadQueue pairs pending readers with queued messages. When the
// queue drains completely the peer's flush waiters complete; when a read
// freed backlog the peer's suspended writes get another acknowledgement
// pass.
func (end *pipeEnd) reselectReadQueue() {
	readDone := false
	for len(end.messages) > 0 && len(end.readers) > 0 {
		r := end.readers[0]
		end.readers[0] = nil
		end.readers = end.readers[1:]

		n, err := end.messageQueueRead(r.b)
		r.cb(err, n)
		readDone = true
	}

	if end.peer != nil {
		if len(end.messages) == 0 {
			end.peer.wakeFlushWaiters(nil)
		} else if readDone {
			end.peer.reselectWriteQueue()
		}
	}
}

// reselectWriteQueue acknowledges this end's suspended writes whose payload
// fits the reader's backlog bound. Completion does not require the reader to
// have retrieved the bytes, only that its total unread data is within its
// buffer threshold. Zero-length messages always complete.
func (end *pipeEnd) reselectWriteQueue() {
	reader := end.peer
	if reader == nil {
		return
	}

	avail := 0
	for _, msg := range reader.messages {
		avail += msg.unread()
		if msg.pending != nil && (avail <= reader.bufferSize || msg.size() == 0) {
			msg.wake()
		}
	}

	reader.reselectReadQueue()
}

// disconnect severs the peer link on both sides and force-completes every
// pending operation with status. ErrDisconnected (an explicit disconnect)
// discards unread data; ErrBroken (the peer object went away) keeps fully
// written messages queued so the surviving end can still drain them.
func (end *pipeEnd) disconnect(status error) {
	peer := end.peer
	end.peer = nil

	if end.messageMode() {
		end.wakeFlushWaiters(status)
		end.wakeReaders(status)

		kept := end.messages[:0]
		for _, msg := range end.messages {
			if msg.pending != nil || status == npipeerrors.ErrDisconnected {
				msg.fail(status)
				msg.release()
			} else {
				kept = append(kept, msg)
			}
		}
		for i := len(kept); i < len(end.messages); i++ {
			end.messages[i] = nil
		}
		end.messages = kept
	}

	if peer != nil {
		peer.peer = nil
		peer.disconnect(status)
	}
}

func (end *pipeEnd) wakeReaders(status error) {
	readers := end.readers
	end.readers = nil
	for _, r := range readers {
		r.cb(status, 0)
	}
}

func (end *pipeEnd) wakeFlushWaiters(status error) {
	waiters := end.flushWaiters
	end.flushWaiters = nil
	for _, cb := range waiters {
		cb(status)
	}
}

// destroy drops whatever is still queued. Pending writes must have been
// failed by a disconnect already.
func (end *pipeEnd) destroy() {
	for i, msg := range end.messages {
		msg.release()
		end.messages[i] = nil
	}
	end.messages = nil
}

func (end *pipeEnd) peek(maxLen int) (PeekInfo, error) {
	if !end.messageMode() {
		// Byte-mode framing lives in the stream pair's socket buffers,
		// which cannot be inspected without consuming them.
		return PeekInfo{}, npipeerrors.ErrNotSupported
	}
	if maxLen < 0 {
		return PeekInfo{}, npipeerrors.ErrInvalidParameter
	}

	var info PeekInfo
	for _, msg := range end.messages {
		info.Available += msg.unread()
	}
	if info.Available > 0 {
		head := end.messages[0]
		info.MessageLength = head.unread()
		n := min(maxLen, info.MessageLength)
		info.Data = append([]byte(nil), head.bytes()[:n]...)
	}
	return info, nil
}
