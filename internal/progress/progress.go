// Package progress carries provisioning progress from the provisioner to a listening client.
package progress

import (
	"encoding/json"
	"sync"
)

// Sink receives progress from a long-running operation. Done and Fail are terminal; a Sink
// ignores anything reported after either.
type Sink interface {
	Report(message string, percent int)
	Done(message string, result any)
	Fail(err error)
}

// Event is one progress update. A non-empty Error marks a failed terminal event.
type Event struct {
	Message   string
	Progress  int
	Error     string
	Workspace any
}

func (e Event) Terminal() bool {
	return e.Error != "" || e.Progress >= 100
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{e.Error})
	}
	return json.Marshal(struct {
		Message   string `json:"message"`
		Progress  int    `json:"progress"`
		Workspace any    `json:"workspace,omitempty"`
	}{e.Message, e.Progress, e.Workspace})
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Report(string, int) {}
func (discard) Done(string, any)   {}
func (discard) Fail(error)         {}

// Stream is a Sink that delivers events, in order, on a channel. Percentages never decrease
// and at most one terminal event is delivered, after which the channel is closed.
//
// Once Detach is called the stream stops delivering and never blocks the producer.
type Stream struct {
	events   chan Event
	detached chan struct{}
	once     sync.Once

	mu     sync.Mutex
	last   int
	closed bool
}

func NewStream(buffer int) *Stream {
	return &Stream{
		events:   make(chan Event, buffer),
		detached: make(chan struct{}),
	}
}

func (s *Stream) Events() <-chan Event {
	return s.events
}

func (s *Stream) Report(message string, percent int) {
	if percent >= 100 {
		// 100 is reserved for the terminal event.
		percent = 99
	}
	s.emit(Event{Message: message, Progress: percent}, false)
}

func (s *Stream) Done(message string, result any) {
	s.emit(Event{Message: message, Progress: 100, Workspace: result}, true)
}

func (s *Stream) Fail(err error) {
	msg := "provisioning failed"
	if err != nil {
		msg = err.Error()
	}
	s.emit(Event{Error: msg}, true)
}

// Detach tells the stream its consumer has gone away.
func (s *Stream) Detach() {
	s.once.Do(func() { close(s.detached) })
}

func (s *Stream) emit(ev Event, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if ev.Error == "" {
		if ev.Progress < s.last {
			ev.Progress = s.last
		}
		s.last = ev.Progress
	}

	select {
	case s.events <- ev:
	case <-s.detached:
	}

	if terminal {
		s.closed = true
		close(s.events)
	}
}
