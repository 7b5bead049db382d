package rxdjango

import "time"

// reconnectBackoff implements the capped exponential backoff from
// spec.md §4.2: on non-terminal closure, wait the current interval,
// then double it (clamped to max); a successful open resets it to
// initial. Grounded on the call-site shape in the teacher's
// transport.go (`reconnect := NewReconnect(timeout); ...; <-reconnect.After()`),
// generalized from a single fixed timeout to the spec's initial/max pair.
type reconnectBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newReconnectBackoff(initial, max time.Duration) *reconnectBackoff {
	return &reconnectBackoff{
		initial: initial,
		max:     max,
		current: initial,
	}
}

// After returns a channel that fires once the current backoff interval
// elapses, then advances the interval toward max for the next call.
func (self *reconnectBackoff) After() <-chan time.Time {
	interval := self.current
	next := self.current * 2
	if self.max < next {
		next = self.max
	}
	self.current = next
	return time.After(interval)
}

// Reset restores the backoff to its initial interval, called on a
// successful connection open.
func (self *reconnectBackoff) Reset() {
	self.current = self.initial
}
