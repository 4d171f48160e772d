package internal

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type PollFlags int16

const (
	ReadFlags  = PollFlags(unix.POLLIN)
	WriteFlags = PollFlags(unix.POLLOUT)
)

// Poller multiplexes file descriptor readiness with poll(2) and runs
// handlers posted from other goroutines. Byte-mode pipe ends register their
// socket descriptors here; everything else in the library is dispatched as a
// posted handler.
type Poller struct {
	// slots maps a registered file descriptor to the Slot holding its
	// one-shot read/write handlers.
	slots map[int]*Slot

	// waker is a nonblocking socketpair whose read end is always polled.
	// Dispatch writes one byte to the write end to interrupt a blocking
	// Poll.
	waker [2]int

	// handlers holds the functions posted by Dispatch, run in the polling
	// goroutine. Multiple goroutines may call Dispatch concurrently.
	handlers []func()
	lck      sync.Mutex

	// pending counts registered events and posted handlers which have not
	// been dispatched yet.
	pending int64

	scratch []unix.PollFd
	closed  uint32

	wakerBuf [8]byte
}

func NewPoller() (*Poller, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, os.NewSyscallError("socketpair", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, os.NewSyscallError("set_nonblock", err)
		}
	}

	p := &Poller{
		slots: make(map[int]*Slot),
		waker: fds,
	}
	return p, nil
}

func (p *Poller) Pending() int64 {
	return p.pending
}

func (p *Poller) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return io.EOF
	}

	p.slots = nil
	p.handlers = nil
	p.pending = 0

	unix.Close(p.waker[0])
	return unix.Close(p.waker[1])
}

func (p *Poller) Closed() bool {
	return atomic.LoadUint32(&p.closed) == 1
}

// Dispatch schedules the handler to run in the polling goroutine. Safe to
// call concurrently.
func (p *Poller) Dispatch(handler func()) error {
	if p.Closed() {
		return io.EOF
	}

	p.lck.Lock()
	p.handlers = append(p.handlers, handler)
	p.pending++
	p.lck.Unlock()

	var b [1]byte
	_, err := unix.Write(p.waker[1], b[:])
	if err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("waker_write", err)
	}
	return nil
}

func (p *Poller) SetRead(fd int, slot *Slot) error {
	return p.set(fd, slot, ReadFlags)
}

func (p *Poller) SetWrite(fd int, slot *Slot) error {
	return p.set(fd, slot, WriteFlags)
}

func (p *Poller) set(fd int, slot *Slot, flag PollFlags) error {
	if p.Closed() {
		return io.EOF
	}
	if slot.Events&flag == 0 {
		slot.Events |= flag
		p.pending++
	}
	p.slots[fd] = slot
	return nil
}

// Del removes every registration the Slot holds, without dispatching its
// handlers. The caller completes the cancelled operations itself.
func (p *Poller) Del(slot *Slot) error {
	if p.Closed() {
		return io.EOF
	}
	if slot.Events&ReadFlags != 0 {
		p.pending--
	}
	if slot.Events&WriteFlags != 0 {
		p.pending--
	}
	slot.Events = 0
	delete(p.slots, slot.Fd)
	return nil
}

// Poll waits for at most timeoutMs milliseconds (forever if negative) and
// dispatches ready completion handlers. ErrTimeout is returned when the wait
// elapsed with nothing dispatched.
func (p *Poller) Poll(timeoutMs int) error {
	if p.Closed() {
		return io.EOF
	}

	p.scratch = p.scratch[:0]
	p.scratch = append(p.scratch, unix.PollFd{
		Fd:     int32(p.waker[0]),
		Events: int16(unix.POLLIN),
	})
	for fd, slot := range p.slots {
		if slot.Events == 0 {
			continue
		}
		p.scratch = append(p.scratch, unix.PollFd{
			Fd:     int32(fd),
			Events: int16(slot.Events),
		})
	}

	// Posted handlers make the wait a no-op so they run immediately.
	p.lck.Lock()
	havePosted := len(p.handlers) > 0
	p.lck.Unlock()
	if havePosted {
		timeoutMs = 0
	}

	n, err := unix.Poll(p.scratch, timeoutMs)
	if err != nil {
		return err // including unix.EINTR, handled by the caller
	}

	dispatched := p.dispatchPosted()

	if n > 0 {
		for i := range p.scratch {
			pfd := &p.scratch[i]
			if pfd.Revents == 0 {
				continue
			}
			if int(pfd.Fd) == p.waker[0] {
				p.drainWaker()
				continue
			}

			slot, ok := p.slots[int(pfd.Fd)]
			if !ok {
				continue
			}

			// POLLHUP and POLLERR fire regardless of the requested
			// events; hand them to whichever handler is armed so the
			// operation observes the failure on its next syscall.
			revents := PollFlags(pfd.Revents)
			if pfd.Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
				revents |= slot.Events
			}

			if slot.Events&revents&ReadFlags != 0 {
				slot.Events &^= ReadFlags
				p.pending--
				dispatched++
				slot.DispatchRead(nil)
			}
			if slot.Events&revents&WriteFlags != 0 {
				slot.Events &^= WriteFlags
				p.pending--
				dispatched++
				slot.DispatchWrite(nil)
			}
			if slot, ok := p.slots[int(pfd.Fd)]; ok && slot.Events == 0 {
				delete(p.slots, int(pfd.Fd))
			}
		}
	}

	if dispatched == 0 && timeoutMs >= 0 {
		return ErrTimeout
	}
	return nil
}

func (p *Poller) dispatchPosted() (n int) {
	p.lck.Lock()
	handlers := p.handlers
	p.handlers = nil
	p.pending -= int64(len(handlers))
	p.lck.Unlock()

	for _, handler := range handlers {
		handler()
		n++
	}
	return n
}

func (p *Poller) drainWaker() {
	for {
		_, err := unix.Read(p.waker[0], p.wakerBuf[:])
		if err != nil {
			return
		}
	}
}
