package npipe

import (
	"strings"
	"time"

	"github.com/pipedev/npipe/internal"
	"github.com/pipedev/npipe/npipeerrors"
)

// Device is the namespace root under which pipes are created and looked up
// by name. Lookups are case-insensitive. It also implements the wait
// protocol: block until any instance of a name becomes connect-eligible.
type Device struct {
	ioc   *IO
	pipes map[string]*NamedPipe

	// waiters are keyed by pipe name rather than held on the pipe itself,
	// so a wait on a name with no instances at all can still time out
	// instead of failing outright.
	waiters map[string][]*instanceWaiter
}

type instanceWaiter struct {
	cb    Callback
	timer *Timer
}

func NewDevice(ioc *IO) *Device {
	return &Device{
		ioc:     ioc,
		pipes:   make(map[string]*NamedPipe),
		waiters: make(map[string][]*instanceWaiter),
	}
}

func pipeKey(name string) string {
	return strings.ToLower(name)
}

// CreatePipe creates a new server instance of the named pipe, establishing
// the pipe itself with cfg if this is the first instance. Later instances
// must pass the identical sharing mask and transport mode, and are refused
// once MaxInstances is reached.
func (d *Device) CreatePipe(name string, cfg PipeConfig) (*Server, error) {
	if name == "" {
		return nil, npipeerrors.ErrInvalidParameter
	}
	if cfg.Sharing == 0 || cfg.Sharing&^(ShareRead|ShareWrite) != 0 {
		return nil, npipeerrors.ErrInvalidParameter
	}
	if cfg.Flags&^(MessageStreamWrite|MessageStreamRead|Nonblocking) != 0 {
		return nil, npipeerrors.ErrInvalidParameter
	}
	if cfg.Flags&MessageStreamRead != 0 && cfg.Flags&MessageStreamWrite == 0 {
		return nil, npipeerrors.ErrInvalidParameter
	}
	if cfg.MaxInstances <= 0 {
		return nil, npipeerrors.ErrInvalidParameter
	}

	key := pipeKey(name)
	pipe := d.pipes[key]
	if pipe == nil {
		pipe = &NamedPipe{
			device: d,
			name:   name,
			key:    key,
			config: cfg,
			flags:  cfg.Flags & MessageStreamWrite,
		}
		d.pipes[key] = pipe
	} else {
		if pipe.instances >= pipe.config.MaxInstances {
			return nil, npipeerrors.ErrInstanceLimit
		}
		if pipe.config.Sharing != cfg.Sharing {
			return nil, npipeerrors.ErrAccessDenied
		}
		if cfg.Flags&MessageStreamWrite != pipe.flags {
			return nil, npipeerrors.ErrAccessDenied
		}
	}

	server := newServer(pipe, cfg.Flags)
	pipe.instances++

	// A fresh Idle instance is connect-eligible.
	d.wakeInstanceWaiters(key)

	return server, nil
}

// Connect opens a client against an available instance of the named pipe,
// wiring the transport according to the pipe's mode: a local stream pair for
// byte mode, linked message queues for message mode.
func (d *Device) Connect(name string, access Access) (*Client, error) {
	if access == 0 || access&^(AccessRead|AccessWrite) != 0 {
		return nil, npipeerrors.ErrInvalidParameter
	}

	pipe := d.pipes[pipeKey(name)]
	if pipe == nil {
		return nil, npipeerrors.ErrNotAvailable
	}
	server := pipe.findAvailableServer()
	if server == nil {
		return nil, npipeerrors.ErrNotAvailable
	}

	sharing := pipe.config.Sharing
	if (access&AccessRead != 0 && sharing&ShareRead == 0) ||
		(access&AccessWrite != 0 && sharing&ShareWrite == 0) {
		return nil, npipeerrors.ErrAccessDenied
	}

	client := &Client{
		ioc: d.ioc,
		end: newPipeEnd(d.ioc, pipe.flags, pipe.config.OutSize),
	}

	if server.end.messageMode() {
		client.end.fd = newPseudoFD(d.ioc)
		server.end.fd = server.ioctlFD
	} else {
		fds, err := internal.StreamPair(pipe.config.InSize, pipe.config.OutSize)
		if err != nil {
			return nil, err
		}
		server.end.fd = newStreamFD(d.ioc, fds[0])
		client.end.fd = newStreamFD(d.ioc, fds[1])
	}

	wasListening := server.state == StateWaitOpen
	server.setState(StateConnected)
	server.client = client
	client.server = server
	server.end.peer = client.end
	client.end.peer = server.end

	// Completed last so the callback observes the connected instance.
	if wasListening {
		server.completeListen(nil)
	}

	return client, nil
}

// AsyncWaitForInstance completes once a connect-eligible instance of the
// named pipe exists, or with ErrTimeout when the deadline elapses first. A
// zero timeout falls back to the pipe's default, then to the device default.
func (d *Device) AsyncWaitForInstance(name string, timeout time.Duration, cb Callback) {
	key := pipeKey(name)

	pipe := d.pipes[key]
	if pipe != nil && pipe.findAvailableServer() != nil {
		cb(nil)
		return
	}

	dur := timeout
	if dur <= 0 {
		if pipe != nil && pipe.config.DefaultTimeout > 0 {
			dur = pipe.config.DefaultTimeout
		} else {
			dur = defaultWaitTimeout
		}
	}

	timer, err := NewTimer(d.ioc)
	if err != nil {
		cb(err)
		return
	}

	w := &instanceWaiter{cb: cb, timer: timer}
	timer.ScheduleOnce(dur, func() {
		d.removeWaiter(key, w)
		w.cb(npipeerrors.ErrTimeout)
	})
	d.waiters[key] = append(d.waiters[key], w)
}

func (d *Device) wakeInstanceWaiters(key string) {
	waiters := d.waiters[key]
	if len(waiters) == 0 {
		return
	}
	delete(d.waiters, key)

	for _, w := range waiters {
		w.timer.Close()
		w.cb(nil)
	}
}

func (d *Device) removeWaiter(key string, waiter *instanceWaiter) {
	waiters := d.waiters[key]
	for i, w := range waiters {
		if w == waiter {
			d.waiters[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(d.waiters[key]) == 0 {
		delete(d.waiters, key)
	}
}

func (d *Device) removePipe(p *NamedPipe) {
	delete(d.pipes, p.key)
}
