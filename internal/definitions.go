package internal

type EventType int8

const (
	ReadEvent EventType = iota
	WriteEvent
	MaxEvent
)

type Handler func(error)

// Slot carries the completion handlers registered for one file descriptor.
// Registrations are one-shot: the poller clears an event before dispatching
// its handler.
type Slot struct {
	Fd int // set by the owner at construction time

	// Events registered with this Slot, a bitmask of ReadFlags and
	// WriteFlags. Every event set here has a corresponding Handler.
	Events PollFlags

	Handlers [MaxEvent]Handler
}

func (s *Slot) Set(et EventType, h Handler) {
	s.Handlers[et] = h
}

func (s *Slot) DispatchRead(err error) {
	h := s.Handlers[ReadEvent]
	s.Handlers[ReadEvent] = nil
	h(err)
}

func (s *Slot) DispatchWrite(err error) {
	h := s.Handlers[WriteEvent]
	s.Handlers[WriteEvent] = nil
	h(err)
}
