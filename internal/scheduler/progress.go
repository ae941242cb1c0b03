package scheduler

import "sync"

// ProgressEvent reports engine progress for one running job. Events are
// ephemeral and never persisted.
type ProgressEvent struct {
	JobID   string
	Percent float64
	Stage   string
	Message string
}

// ProgressHub fans progress events out to subscribers. Publishing never
// blocks: a subscriber that falls behind misses events rather than stalling
// a running conversion.
type ProgressHub struct {
	mu   sync.Mutex
	subs map[int]chan ProgressEvent
	next int
}

// NewProgressHub constructs an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[int]chan ProgressEvent)}
}

// Subscribe registers a listener. The returned cancel func must be called
// to release the subscription; the channel is closed on cancel.
func (h *ProgressHub) Subscribe(buffer int) (<-chan ProgressEvent, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan ProgressEvent, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber with room for it.
func (h *ProgressHub) Publish(event ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
