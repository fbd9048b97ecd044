package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_SubscriptionOrder(t *testing.T) {
	e := NewEmitter[int]()
	var got []string
	e.On("t", func(v int) { got = append(got, "a") })
	e.On("t", func(v int) { got = append(got, "b") })
	e.On("other", func(v int) { got = append(got, "x") })

	n := e.Emit("t", 1)

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestEmitter_Cancel(t *testing.T) {
	e := NewEmitter[string]()
	calls := 0
	cancel := e.On("t", func(string) { calls++ })

	e.Emit("t", "x")
	cancel()
	e.Emit("t", "x")

	assert.Equal(t, 1, calls)
	assert.False(t, e.Has("t"))
}

func TestEmitter_Once(t *testing.T) {
	e := NewEmitter[int]()
	var got []int
	e.Once("t", func(v int) { got = append(got, v) })

	e.Emit("t", 1)
	e.Emit("t", 2)

	assert.Equal(t, []int{1}, got)
}

func TestEmitter_UnsubscribeDuringEmit(t *testing.T) {
	e := NewEmitter[int]()
	var got []string
	var cancelB func()
	e.On("t", func(int) {
		got = append(got, "a")
		cancelB()
	})
	cancelB = e.On("t", func(int) { got = append(got, "b") })

	e.Emit("t", 1)
	require.Equal(t, []string{"a", "b"}, got, "snapshot still delivers to b on this emit")

	got = nil
	e.Emit("t", 1)
	assert.Equal(t, []string{"a"}, got)
}
