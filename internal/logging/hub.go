package logging

import "sync"

const defaultSubscriberBuffer = 64

// LogHub fans log entries out to subscribers. Sends never block; a
// subscriber that falls behind loses entries rather than stalling the
// logger.
type LogHub struct {
	mu          sync.Mutex
	subscribers map[int]chan LogEntry
	nextID      int
	closed      bool
}

func NewLogHub() *LogHub {
	return &LogHub{subscribers: make(map[int]chan LogEntry)}
}

// Subscribe registers a new subscriber channel with the given buffer
// size (0 means the default). The returned cancel func is idempotent.
func (h *LogHub) Subscribe(size int) (<-chan LogEntry, func()) {
	if h == nil {
		return nil, func() {}
	}
	if size <= 0 {
		size = defaultSubscriberBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan LogEntry)
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	ch := make(chan LogEntry, size)
	h.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if existing, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(existing)
			}
		})
	}
	return ch, cancel
}

func (h *LogHub) Broadcast(entry LogEntry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}

func (h *LogHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}

func (h *LogHub) SubscriberCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
