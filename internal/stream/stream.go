// Package stream fan-outs coarse ceremony outcome events to SSE
// subscribers. Events carry the same granularity as the claims envelope:
// relying party, operation, outcome. Never user ids or credential material.
package stream

import (
	"context"
	"sync"
	"time"
)

// Outcome is the terminal state of a completed ceremony.
type Outcome string

const (
	OutcomeVerified Outcome = "verified"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// Event describes one completed ceremony for dashboards and monitors.
type Event struct {
	RelyingPartyID string    `json:"relying_party_id"`
	Operation      string    `json:"operation"`
	Outcome        Outcome   `json:"outcome"`
	ReasonCode     string    `json:"reason_code,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
