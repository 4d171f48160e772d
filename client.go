package npipe

import (
	"io"

	"github.com/pipedev/npipe/npipeerrors"
)

// Client is the connecting side of a pipe. Closing it returns a Connected
// server to WaitDisconnect; the server's transport stays up so it can drain
// whatever the client had already written.
type Client struct {
	ioc    *IO
	server *Server
	end    *pipeEnd
	closed bool
}

func (c *Client) AsyncRead(b []byte, cb AsyncCallback) {
	if c.closed {
		cb(io.EOF, 0)
		return
	}
	c.end.asyncRead(b, cb)
}

func (c *Client) AsyncWrite(b []byte, cb AsyncCallback) {
	if c.closed {
		cb(io.EOF, 0)
		return
	}
	c.end.asyncWrite(b, cb)
}

// AsyncFlush completes once the server has consumed everything this client
// wrote. Byte mode keeps no accounting on the client side and completes
// immediately.
func (c *Client) AsyncFlush(cb Callback) {
	if c.closed {
		cb(io.EOF)
		return
	}
	if !c.end.messageMode() {
		cb(nil)
		return
	}
	if c.end.peer == nil || len(c.end.peer.messages) == 0 {
		cb(nil)
		return
	}
	c.end.flushWaiters = append(c.end.flushWaiters, cb)
}

func (c *Client) Peek(maxLen int) (PeekInfo, error) {
	if c.closed {
		return PeekInfo{}, io.EOF
	}
	return c.end.peek(maxLen)
}

func (c *Client) Info() Info {
	info := Info{Flags: c.end.flags}
	if s := c.server; s != nil {
		info.Sharing = s.pipe.config.Sharing
		info.MaxInstances = s.pipe.config.MaxInstances
		info.Instances = s.pipe.instances
		info.InSize = s.pipe.config.InSize
		info.OutSize = s.pipe.config.OutSize
	}
	return info
}

// SetFlags updates this end's read and blocking mode, with the same rules as
// on the server side.
func (c *Client) SetFlags(flags Flags) error {
	if c.closed {
		return io.EOF
	}
	if c.server == nil {
		return npipeerrors.ErrDisconnected
	}
	return setEndFlags(c.end, c.server.pipe, flags)
}

// Close destroys the client end. Pending operations on both sides complete
// with ErrBroken, but messages the client fully wrote stay queued for the
// server to drain.
func (c *Client) Close() error {
	if c.closed {
		return io.EOF
	}
	c.closed = true

	c.end.disconnect(npipeerrors.ErrBroken)

	if s := c.server; s != nil {
		s.notifyEmpty()

		// Keep the server transport: a flush may still need it.
		s.setState(StateWaitDisconnect)
		s.client = nil
		c.server = nil
	}

	if c.end.fd != nil && !c.end.fd.pseudo() {
		c.end.fd.closeWith(npipeerrors.ErrBroken)
		c.end.fd = nil
	}

	c.end.destroy()
	return nil
}
