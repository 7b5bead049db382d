package rxdjango

import (
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

// listenerToken identifies one registered listener so it can be removed
// without requiring the listener value itself to be comparable (most of
// ours are funcs, which generic helpers like slices.Index can't compare
// directly).
type listenerToken uint64

var listenerTokenSeq atomic.Uint64

func nextListenerToken() listenerToken {
	return listenerToken(listenerTokenSeq.Add(1))
}

type listenerEntry[T any] struct {
	token listenerToken
	fn    T
}

// listenerList holds a set of callbacks keyed by token and hands out an
// immutable snapshot for iteration, so a callback that unsubscribes
// itself (or another) mid-notification cannot corrupt an in-flight
// notification loop (spec.md §5, "iterate over a snapshot of the
// listener set for each notification pass"). Grounded on the teacher's
// util.go CallbackList[T], reworked into a token-keyed, copy-on-write
// registry since Go func values are not comparable.
type listenerList[T any] struct {
	mutex   sync.Mutex
	entries []listenerEntry[T]
}

func (self *listenerList[T]) add(fn T) listenerToken {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	token := nextListenerToken()
	next := slices.Clone(self.entries)
	next = append(next, listenerEntry[T]{token: token, fn: fn})
	self.entries = next
	return token
}

func (self *listenerList[T]) remove(token listenerToken) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(e listenerEntry[T]) bool {
		return e.token == token
	})
	if i < 0 {
		return
	}
	next := slices.Clone(self.entries)
	next = slices.Delete(next, i, i+1)
	self.entries = next
}

// snapshot returns the current listener functions, safe to range over
// even while add/remove run concurrently.
func (self *listenerList[T]) snapshot() []T {
	self.mutex.Lock()
	entries := self.entries
	self.mutex.Unlock()

	fns := make([]T, len(entries))
	for i, e := range entries {
		fns[i] = e.fn
	}
	return fns
}

func (self *listenerList[T]) len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.entries)
}
