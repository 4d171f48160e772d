package npipe

import (
	"io"

	"github.com/pipedev/npipe/internal"
	"github.com/pipedev/npipe/npipeerrors"

	"golang.org/x/sys/unix"
)

// streamFD is one endpoint of the local stream pair backing a byte-mode
// connection. A pseudo descriptor (raw < 0) stands in for the transport of a
// message-mode end, which never does fd I/O: data moves through the message
// queue instead.
type streamFD struct {
	ioc    *IO
	raw    int
	slot   internal.Slot
	closed bool

	readDispatch, writeDispatch int

	pendingRead  *fdRead
	pendingWrite *fdWrite
}

type fdRead struct {
	b  []byte
	cb AsyncCallback
}

type fdWrite struct {
	b       []byte
	written int
	cb      AsyncCallback
}

func newStreamFD(ioc *IO, fd int) *streamFD {
	f := &streamFD{
		ioc: ioc,
		raw: fd,
	}
	f.slot.Fd = fd
	return f
}

func newPseudoFD(ioc *IO) *streamFD {
	return &streamFD{
		ioc: ioc,
		raw: -1,
	}
}

func (f *streamFD) pseudo() bool {
	return f.raw < 0
}

func (f *streamFD) Read(b []byte) (int, error) {
	n, err := unix.Read(f.raw, b)
	if n < 0 {
		n = 0
	}
	if err != nil {
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return 0, npipeerrors.ErrWouldBlock
		}
		if err == unix.ECONNRESET {
			return 0, io.EOF
		}
		return n, err
	}
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *streamFD) Write(b []byte) (int, error) {
	n, err := unix.Write(f.raw, b)
	if n < 0 {
		n = 0
	}
	if err != nil {
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return 0, npipeerrors.ErrWouldBlock
		}
		if err == unix.EPIPE || err == unix.ECONNRESET {
			return 0, npipeerrors.ErrDisconnected
		}
		return n, err
	}
	return n, nil
}

// asyncRead reads up to len(b) bytes. With nonblock set, an empty buffer
// fails immediately with ErrWouldBlock instead of suspending.
func (f *streamFD) asyncRead(b []byte, nonblock bool, cb AsyncCallback) {
	if f.closed {
		cb(io.EOF, 0)
		return
	}

	if f.readDispatch < MaxCallbackDispatch {
		f.readDispatch++
		f.asyncReadNow(b, nonblock, cb)
		f.readDispatch--
	} else {
		f.ioc.Post(func() {
			f.asyncRead(b, nonblock, cb)
		})
	}
}

func (f *streamFD) asyncReadNow(b []byte, nonblock bool, cb AsyncCallback) {
	n, err := f.Read(b)
	if err == npipeerrors.ErrWouldBlock {
		if nonblock {
			cb(err, 0)
			return
		}
		f.scheduleRead(b, cb)
		return
	}
	cb(err, n)
}

func (f *streamFD) scheduleRead(b []byte, cb AsyncCallback) {
	if f.closed {
		cb(io.EOF, 0)
		return
	}

	f.pendingRead = &fdRead{b: b, cb: cb}
	f.slot.Set(internal.ReadEvent, func(err error) {
		delete(f.ioc.pendingReads, &f.slot)
		pr := f.pendingRead
		f.pendingRead = nil
		if err != nil {
			pr.cb(err, 0)
			return
		}
		f.asyncReadNow(pr.b, false, pr.cb)
	})

	if err := f.ioc.poller.SetRead(f.raw, &f.slot); err != nil {
		f.pendingRead = nil
		cb(err, 0)
	} else {
		f.ioc.pendingReads[&f.slot] = struct{}{}
	}
}

// asyncWrite writes all of b, suspending on a full socket buffer. The
// buffer-size hints applied to the pair by the connect step are what bound
// the in-flight data.
func (f *streamFD) asyncWrite(b []byte, cb AsyncCallback) {
	if f.closed {
		cb(io.EOF, 0)
		return
	}

	if f.writeDispatch < MaxCallbackDispatch {
		f.writeDispatch++
		f.asyncWriteNow(&fdWrite{b: b, cb: cb})
		f.writeDispatch--
	} else {
		f.ioc.Post(func() {
			f.asyncWrite(b, cb)
		})
	}
}

func (f *streamFD) asyncWriteNow(w *fdWrite) {
	for {
		n, err := f.Write(w.b[w.written:])
		w.written += n

		if err == npipeerrors.ErrWouldBlock {
			f.scheduleWrite(w)
			return
		}
		if err != nil {
			w.cb(err, w.written)
			return
		}
		if w.written == len(w.b) {
			w.cb(nil, w.written)
			return
		}
	}
}

func (f *streamFD) scheduleWrite(w *fdWrite) {
	if f.closed {
		w.cb(io.EOF, w.written)
		return
	}

	f.pendingWrite = w
	f.slot.Set(internal.WriteEvent, func(err error) {
		delete(f.ioc.pendingWrites, &f.slot)
		pw := f.pendingWrite
		f.pendingWrite = nil
		if err != nil {
			pw.cb(err, pw.written)
			return
		}
		f.asyncWriteNow(pw)
	})

	if err := f.ioc.poller.SetWrite(f.raw, &f.slot); err != nil {
		f.pendingWrite = nil
		w.cb(err, w.written)
	} else {
		f.ioc.pendingWrites[&f.slot] = struct{}{}
	}
}

func (f *streamFD) shutdown() {
	if !f.closed && !f.pseudo() {
		internal.Shutdown(f.raw)
	}
}

// closeWith tears the descriptor down and force-completes any suspended read
// or write with status.
func (f *streamFD) closeWith(status error) {
	if f.closed {
		return
	}
	f.closed = true

	if !f.pseudo() {
		f.ioc.poller.Del(&f.slot)
		delete(f.ioc.pendingReads, &f.slot)
		delete(f.ioc.pendingWrites, &f.slot)
		unix.Close(f.raw)
	}

	if pr := f.pendingRead; pr != nil {
		f.pendingRead = nil
		pr.cb(status, 0)
	}
	if pw := f.pendingWrite; pw != nil {
		f.pendingWrite = nil
		pw.cb(status, pw.written)
	}
}
