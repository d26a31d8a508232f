package monitor

import "sync"

// subscriberBuffer is the per-subscriber event channel depth. A subscriber
// that falls further behind loses events rather than blocking the
// publisher; snapshots via GetTask recover the current state.
const subscriberBuffer = 64

// broadcaster fans one task's events out to its subscribers.
type broadcaster struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs = append(b.subs, ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (b *broadcaster) send(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscribers.
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// subscriberRegistry tracks one broadcaster per followed task.
type subscriberRegistry struct {
	mu     sync.Mutex
	byText map[string]*broadcaster
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{byText: make(map[string]*broadcaster)}
}

func (r *subscriberRegistry) get(textID string) *broadcaster {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byText[textID]
	if !ok {
		b = &broadcaster{}
		r.byText[textID] = b
	}
	return b
}

func (r *subscriberRegistry) send(textID string, evt Event) {
	r.mu.Lock()
	b := r.byText[textID]
	r.mu.Unlock()
	if b != nil {
		b.send(evt)
	}
}

// finish delivers a terminal event and closes the task's stream. Late
// subscribers get a fresh broadcaster and rely on snapshots to see the
// terminal state.
func (r *subscriberRegistry) finish(textID string, evt Event) {
	r.mu.Lock()
	b := r.byText[textID]
	delete(r.byText, textID)
	r.mu.Unlock()
	if b != nil {
		b.send(evt)
		b.close()
	}
}

func (r *subscriberRegistry) closeAll() {
	r.mu.Lock()
	all := r.byText
	r.byText = make(map[string]*broadcaster)
	r.mu.Unlock()
	for _, b := range all {
		b.close()
	}
}
