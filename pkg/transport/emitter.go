package transport

import (
	"slices"
	"sync"
)

// Emitter is a concurrency-safe event fan-out used by [Transport]
// implementations. The zero value is ready to use.
type Emitter struct {
	mu       sync.Mutex
	next     uint64
	handlers map[EventType]map[uint64]Handler
}

// On registers h for et and returns its unsubscribe function.
func (e *Emitter) On(et EventType, h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[EventType]map[uint64]Handler)
	}
	if e.handlers[et] == nil {
		e.handlers[et] = make(map[uint64]Handler)
	}
	e.next++
	id := e.next
	e.handlers[et][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.handlers[et], id)
		})
	}
}

// Emit delivers ev to every handler registered for ev.Type. Handlers run on
// the caller's goroutine, outside the internal lock, in registration order.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	set := e.handlers[ev.Type]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = set[id]
	}
	e.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// Count returns the number of handlers registered for et.
func (e *Emitter) Count(et EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[et])
}
