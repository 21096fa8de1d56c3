package switcher

import (
	"container/list"
	"sync"
)

// warmCache parks sessions of recently active projects, keeping their
// resources loaded. Front of the list is most recently used.
type warmCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

func newWarmCache(capacity int) *warmCache {
	if capacity < 0 {
		capacity = 0
	}
	return &warmCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// put parks s and returns the sessions that no longer fit, least recently
// used first. With zero capacity s itself is returned.
func (w *warmCache) put(s *ActiveSession) []*ActiveSession {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.capacity == 0 {
		return []*ActiveSession{s}
	}
	var victims []*ActiveSession
	if el, ok := w.items[s.ProjectID]; ok {
		victims = append(victims, el.Value.(*ActiveSession))
		w.order.Remove(el)
		delete(w.items, s.ProjectID)
	}
	w.items[s.ProjectID] = w.order.PushFront(s)
	for w.order.Len() > w.capacity {
		victims = append(victims, w.removeLocked(w.order.Back()))
	}
	return victims
}

// take removes and returns the parked session for id.
func (w *warmCache) take(id string) (*ActiveSession, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.items[id]
	if !ok {
		return nil, false
	}
	return w.removeLocked(el), true
}

// popOldest removes and returns the least recently used session.
func (w *warmCache) popOldest() (*ActiveSession, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	el := w.order.Back()
	if el == nil {
		return nil, false
	}
	return w.removeLocked(el), true
}

// drain removes every parked session.
func (w *warmCache) drain() []*ActiveSession {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*ActiveSession, 0, w.order.Len())
	for el := w.order.Back(); el != nil; el = w.order.Back() {
		out = append(out, w.removeLocked(el))
	}
	return out
}

// reservedBytes is the budget held by parked sessions.
func (w *warmCache) reservedBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	var total int64
	for el := w.order.Front(); el != nil; el = el.Next() {
		total += el.Value.(*ActiveSession).ReservedBytes()
	}
	return total
}

// ids returns parked project ids, most recently used first.
func (w *warmCache) ids() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, w.order.Len())
	for el := w.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*ActiveSession).ProjectID)
	}
	return out
}

func (w *warmCache) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

func (w *warmCache) removeLocked(el *list.Element) *ActiveSession {
	s := w.order.Remove(el).(*ActiveSession)
	delete(w.items, s.ProjectID)
	return s
}
