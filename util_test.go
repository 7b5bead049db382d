package rxdjango

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestListenerListSnapshotIsolation(t *testing.T) {
	var list listenerList[func(int)]

	var calls []int
	token := list.add(func(n int) { calls = append(calls, n) })
	list.add(func(n int) { calls = append(calls, n*10) })

	snapshot := list.snapshot()
	assert.Equal(t, len(snapshot), 2)

	// Removing a listener must not mutate a snapshot already taken.
	list.remove(token)
	for _, fn := range snapshot {
		fn(1)
	}
	assert.Equal(t, calls, []int{1, 10})

	calls = nil
	for _, fn := range list.snapshot() {
		fn(2)
	}
	assert.Equal(t, calls, []int{20})
}

func TestListenerListRemoveUnknownTokenIsNoop(t *testing.T) {
	var list listenerList[func()]
	list.add(func() {})
	assert.Equal(t, list.len(), 1)

	list.remove(listenerToken(999999))
	assert.Equal(t, list.len(), 1)
}

func TestToInt64Slice(t *testing.T) {
	ids, ok := toInt64Slice([]any{float64(1), float64(2), float64(3)})
	assert.Equal(t, ok, true)
	assert.Equal(t, ids, []int64{1, 2, 3})

	ids, ok = toInt64Slice([]int{4, 5})
	assert.Equal(t, ok, true)
	assert.Equal(t, ids, []int64{4, 5})

	_, ok = toInt64Slice("not a slice")
	assert.Equal(t, ok, false)
}
