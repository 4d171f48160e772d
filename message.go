package npipe

import "github.com/valyala/bytebufferpool"

// message is one writer's payload framed as a unit on the reading end's
// queue. pos tracks how much of it a message-mode reader has already
// consumed; the message leaves the queue only once pos reaches the payload
// length.
type message struct {
	buf *bytebufferpool.ByteBuffer
	pos int

	// pending completes the originating write once the reader's backlog
	// is back within its buffer threshold. Nil after acknowledgement.
	pending AsyncCallback
}

func newMessage(b []byte, pending AsyncCallback) *message {
	buf := bytebufferpool.Get()
	buf.Write(b)
	return &message{
		buf:     buf,
		pending: pending,
	}
}

func (m *message) size() int {
	return len(m.buf.B)
}

func (m *message) unread() int {
	return len(m.buf.B) - m.pos
}

func (m *message) bytes() []byte {
	return m.buf.B[m.pos:]
}

// wake acknowledges the originating write, reporting the full payload as
// transferred even though the reader may not have retrieved it yet.
func (m *message) wake() {
	if cb := m.pending; cb != nil {
		m.pending = nil
		cb(nil, m.size())
	}
}

// fail force-completes a still pending write with a terminal status.
func (m *message) fail(status error) {
	if cb := m.pending; cb != nil {
		m.pending = nil
		cb(status, 0)
	}
}

func (m *message) release() {
	if m.buf != nil {
		bytebufferpool.Put(m.buf)
		m.buf = nil
	}
}
