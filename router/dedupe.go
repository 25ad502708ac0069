package router

import (
	"container/list"

	"github.com/bazelment/yoloswe/rewind/agentstream"
)

// channelClass groups subscriptions for occurrence counting. Every scoped
// subscription of one router shares a class, as do all generic ones.
type channelClass int

const (
	classGeneric channelClass = iota
	classScoped
	classInjected
	numClasses
)

func (c channelClass) String() string {
	switch c {
	case classGeneric:
		return "generic"
	case classScoped:
		return "scoped"
	default:
		return "injected"
	}
}

type dedupeEntry struct {
	elem      *list.Element
	key       string
	seen      [numClasses]int
	delivered int
}

// dedupeWindow remembers the most recent keys, evicting least recently
// touched ones past capacity.
//
// Stable keys are delivered once, full stop. Content-hash keys count
// occurrences per channel class: the n-th copy on a class is delivered only
// if fewer than n copies were delivered in total. Two identical lines from
// the backend therefore both come through, while the copy of each on the
// other class is dropped.
type dedupeWindow struct {
	entries  map[string]*dedupeEntry
	lru      *list.List
	capacity int
}

func newDedupeWindow(capacity int) *dedupeWindow {
	if capacity <= 0 {
		capacity = DefaultDedupeWindow
	}
	return &dedupeWindow{
		entries:  make(map[string]*dedupeEntry, capacity),
		lru:      list.New(),
		capacity: capacity,
	}
}

// accept reports whether the event with key arriving on class should be
// delivered, and records it.
func (w *dedupeWindow) accept(key string, class channelClass) bool {
	e, ok := w.entries[key]
	if !ok {
		e = &dedupeEntry{key: key}
		e.elem = w.lru.PushFront(e)
		w.entries[key] = e
		w.evict()
	} else {
		w.lru.MoveToFront(e.elem)
	}

	if agentstream.IsStableKey(key) {
		if e.delivered > 0 {
			return false
		}
		e.delivered = 1
		return true
	}

	e.seen[class]++
	if e.seen[class] > e.delivered {
		e.delivered++
		return true
	}
	return false
}

func (w *dedupeWindow) evict() {
	for w.lru.Len() > w.capacity {
		oldest := w.lru.Back()
		if oldest == nil {
			return
		}
		e := oldest.Value.(*dedupeEntry)
		w.lru.Remove(oldest)
		delete(w.entries, e.key)
	}
}

func (w *dedupeWindow) len() int { return w.lru.Len() }
