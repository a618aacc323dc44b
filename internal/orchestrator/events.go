package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privyscan/privyscan/internal/scanner"
)

// eventRetention is how long a finished job's stream stays replayable.
const eventRetention = 15 * time.Minute

// subscriberBuffer is the channel depth per live subscriber. A subscriber
// that falls this far behind is dropped rather than blocking the run.
const subscriberBuffer = 256

// jobStream buffers one job's event sequence and fans it out to subscribers.
type jobStream struct {
	events      []scanner.Event
	subscribers map[int]chan scanner.Event
	nextSub     int
	terminalAt  time.Time
}

// eventHub retains per-job event streams for replay and live tailing.
type eventHub struct {
	mu      sync.Mutex
	streams map[uuid.UUID]*jobStream
	now     func() time.Time
}

func newEventHub() *eventHub {
	return &eventHub{streams: make(map[uuid.UUID]*jobStream), now: time.Now}
}

func (h *eventHub) stream(jobID uuid.UUID) *jobStream {
	s, ok := h.streams[jobID]
	if !ok {
		s = &jobStream{subscribers: make(map[int]chan scanner.Event)}
		h.streams[jobID] = s
	}
	return s
}

// Publish appends one event and delivers it to live subscribers. Slow
// subscribers are disconnected, never waited on.
func (h *eventHub) Publish(jobID uuid.UUID, ev scanner.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune()

	s := h.stream(jobID)
	s.events = append(s.events, ev)
	if ev.Kind == scanner.EventTerminal {
		s.terminalAt = h.now()
	}
	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			delete(s.subscribers, id)
			close(ch)
		}
	}
	if ev.Kind == scanner.EventTerminal {
		for id, ch := range s.subscribers {
			delete(s.subscribers, id)
			close(ch)
		}
	}
}

// Subscribe returns the events published so far plus a live channel for the
// rest. The channel is closed at the terminal event. A job already finished
// replays its buffered stream with an immediately closed channel.
func (h *eventHub) Subscribe(jobID uuid.UUID) ([]scanner.Event, <-chan scanner.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune()

	s := h.stream(jobID)
	replay := make([]scanner.Event, len(s.events))
	copy(replay, s.events)

	ch := make(chan scanner.Event, subscriberBuffer)
	if !s.terminalAt.IsZero() {
		close(ch)
		return replay, ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(cur)
		}
	}
	return replay, ch, cancel
}

// prune drops streams past the retention window. Caller holds the lock.
func (h *eventHub) prune() {
	cutoff := h.now().Add(-eventRetention)
	for id, s := range h.streams {
		if !s.terminalAt.IsZero() && s.terminalAt.Before(cutoff) {
			delete(h.streams, id)
		}
	}
}
