package audit

import (
	"errors"
	"sync"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

// Trail is the in-memory hash-chained event log shared by the coordination
// services. Every mutation and every denied action lands here before the
// caller sees a response.
type Trail struct {
	mu     sync.Mutex
	events []Event
	last   string
}

func NewTrail() *Trail {
	return &Trail{last: "GENESIS"}
}

func (s *Trail) Append(e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)

	if len(s.events) > 0 {
		prev := s.events[len(s.events)-1]
		recomputed := ComputeHash(prev.HashPrev, prev)
		if recomputed != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	s.events = append(s.events, e)
	s.last = e.HashCurr
	return e, nil
}

func (s *Trail) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Verify walks the whole chain and reports the first break.
func (s *Trail) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := "GENESIS"
	for _, e := range s.events {
		if e.HashPrev != prev {
			return ErrCorruptChain
		}
		if ComputeHash(prev, e) != e.HashCurr {
			return ErrCorruptChain
		}
		prev = e.HashCurr
	}
	return nil
}
