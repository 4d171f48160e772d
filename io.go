package npipe

import (
	"container/heap"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pipedev/npipe/internal"

	"golang.org/x/sys/unix"
)

// IO is the dispatcher every pipe object hangs off. All pipe state is owned
// by the goroutine running it: operations either complete inline during the
// call that triggered them or are resumed by a later call, an fd readiness
// event or a timer, which keeps every state transition atomic without locks.
type IO struct {
	poller *internal.Poller

	// timers is a deadline-ordered heap of scheduled callbacks: flush
	// polls, wait-for-instance deadlines and user timers.
	timers timerQueue
	seq    uint64

	// pending* prevents the Slot owned by an object from being garbage
	// collected while an async operation is in flight on the object's
	// file descriptor, in case the object goes out of scope.
	pendingReads, pendingWrites map[*internal.Slot]struct{}

	closed uint32
}

func NewIO() (*IO, error) {
	poller, err := internal.NewPoller()
	if err != nil {
		return nil, err
	}

	return &IO{
		poller:        poller,
		pendingReads:  make(map[*internal.Slot]struct{}),
		pendingWrites: make(map[*internal.Slot]struct{}),
	}, nil
}

func MustIO() *IO {
	ioc, err := NewIO()
	if err != nil {
		panic(err)
	}
	return ioc
}

// Run runs the event processing loop.
func (ioc *IO) Run() error {
	for {
		if err := ioc.RunOne(); err != nil && err != internal.ErrTimeout {
			return err
		}
	}
}

// RunPending runs the event processing loop until all currently pending
// handlers have executed.
func (ioc *IO) RunPending() error {
	for ioc.Pending() > 0 {
		if err := ioc.RunOne(); err != nil && err != internal.ErrTimeout {
			return err
		}
	}
	return nil
}

// RunOne runs the event processing loop to execute at most one handler.
// note: this blocks the calling goroutine until one event is ready to process
func (ioc *IO) RunOne() error {
	return ioc.poll(-1)
}

// RunOneFor runs the event processing loop for the given duration to execute
// at most one handler.
func (ioc *IO) RunOneFor(dur time.Duration) error {
	return ioc.poll(int(dur.Milliseconds()))
}

// Poll runs the event processing loop to execute ready handlers.
// note: this will return immediately in case there is no event to process
func (ioc *IO) Poll() error {
	for {
		if err := ioc.PollOne(); err != nil {
			return err
		}
	}
}

// PollOne runs the event processing loop to execute one ready handler.
// note: this will return immediately in case there is no event to process
func (ioc *IO) PollOne() error {
	return ioc.poll(0)
}

func (ioc *IO) poll(timeoutMs int) error {
	// A scheduled timer bounds the wait so it fires on time.
	if len(ioc.timers) > 0 {
		untilMs := int(time.Until(ioc.timers[0].when).Milliseconds())
		if untilMs < 0 {
			untilMs = 0
		}
		if timeoutMs < 0 || untilMs < timeoutMs {
			timeoutMs = untilMs
		}
	}

	err := ioc.poller.Poll(timeoutMs)
	fired := ioc.fireTimers()

	if err != nil {
		if err == unix.EINTR {
			if timeoutMs >= 0 {
				return internal.ErrTimeout
			}

			runtime.Gosched()
			return nil
		}

		if err == internal.ErrTimeout {
			if fired > 0 {
				return nil
			}
			return err
		}

		return os.NewSyscallError("poll_wait", err)
	}

	return nil
}

// Post schedules the provided handler to be run immediately by the event
// processing loop in its own goroutine. It is safe to call this concurrently.
func (ioc *IO) Post(handler func()) error {
	return ioc.poller.Dispatch(handler)
}

// Pending counts the posted handlers, fd registrations and scheduled timers
// not yet dispatched.
func (ioc *IO) Pending() int64 {
	return ioc.poller.Pending() + int64(len(ioc.timers))
}

func (ioc *IO) Close() error {
	if !atomic.CompareAndSwapUint32(&ioc.closed, 0, 1) {
		return io.EOF
	}

	ioc.timers = nil
	return ioc.poller.Close()
}

func (ioc *IO) Closed() bool {
	return atomic.LoadUint32(&ioc.closed) == 1
}

func (ioc *IO) scheduleTimer(when time.Time, cb func()) *timerEntry {
	ioc.seq++
	entry := &timerEntry{when: when, seq: ioc.seq, cb: cb}
	heap.Push(&ioc.timers, entry)
	return entry
}

func (ioc *IO) removeTimer(entry *timerEntry) {
	if entry.index >= 0 && entry.index < len(ioc.timers) && ioc.timers[entry.index] == entry {
		heap.Remove(&ioc.timers, entry.index)
		entry.index = -1
	}
}

func (ioc *IO) fireTimers() (n int) {
	now := time.Now()
	for len(ioc.timers) > 0 {
		next := ioc.timers[0]
		if next.when.After(now) {
			break
		}
		heap.Pop(&ioc.timers)
		next.index = -1
		next.cb()
		n++
	}
	return n
}

type timerEntry struct {
	when  time.Time
	seq   uint64 // breaks ties so equal deadlines fire in schedule order
	cb    func()
	index int
}

type timerQueue []*timerEntry

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	entry := x.(*timerEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return entry
}
