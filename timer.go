package npipe

import (
	"time"

	"github.com/pipedev/npipe/npipeerrors"
)

type timerState uint8

const (
	stateReady timerState = iota
	stateScheduled
	stateClosed
)

// Timer schedules a callback on the dispatcher, once or repeatedly. Flush
// polling and wait-for-instance deadlines are built on it.
type Timer struct {
	ioc    *IO
	state  timerState
	entry  *timerEntry
	period time.Duration // non-zero when repeating
	cb     func()
}

func NewTimer(ioc *IO) (*Timer, error) {
	return &Timer{ioc: ioc}, nil
}

// ScheduleOnce runs cb after dur elapses. The timer is ready to be
// rescheduled right before cb runs.
func (t *Timer) ScheduleOnce(dur time.Duration, cb func()) error {
	if t.state != stateReady {
		return npipeerrors.ErrCancelled
	}

	t.cb = cb
	t.period = 0
	t.state = stateScheduled
	t.entry = t.ioc.scheduleTimer(time.Now().Add(dur), t.fire)
	return nil
}

// ScheduleRepeating runs cb every dur until Cancel or Close.
func (t *Timer) ScheduleRepeating(dur time.Duration, cb func()) error {
	if t.state != stateReady {
		return npipeerrors.ErrCancelled
	}
	if dur <= 0 {
		return npipeerrors.ErrInvalidParameter
	}

	t.cb = cb
	t.period = dur
	t.state = stateScheduled
	t.entry = t.ioc.scheduleTimer(time.Now().Add(dur), t.fire)
	return nil
}

func (t *Timer) fire() {
	if t.state != stateScheduled {
		return
	}

	if t.period > 0 {
		t.entry = t.ioc.scheduleTimer(time.Now().Add(t.period), t.fire)
		t.cb()
		return
	}

	t.state = stateReady
	t.entry = nil
	t.cb()
}

func (t *Timer) Scheduled() bool {
	return t.state == stateScheduled
}

// Cancel drops the scheduled callback, if any. The callback does not run.
func (t *Timer) Cancel() {
	if t.state != stateScheduled {
		return
	}

	if t.entry != nil {
		t.ioc.removeTimer(t.entry)
		t.entry = nil
	}
	t.period = 0
	t.state = stateReady
}

// Close cancels the timer and makes any future schedule fail with
// ErrCancelled.
func (t *Timer) Close() error {
	if t.state == stateClosed {
		return npipeerrors.ErrCancelled
	}

	t.Cancel()
	t.state = stateClosed
	return nil
}
