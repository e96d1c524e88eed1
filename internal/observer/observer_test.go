package observer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := New[int]()
	var a, c []int
	cancelA := b.Subscribe(func(v int) { a = append(a, v) })
	b.Subscribe(func(v int) { c = append(c, v) })

	b.Publish(1)
	cancelA()
	cancelA()
	b.Publish(2)

	require.Equal(t, []int{1}, a)
	require.Equal(t, []int{1, 2}, c)
	require.Equal(t, 1, b.Len())
}

func TestBroadcasterZeroValue(t *testing.T) {
	var b Broadcaster[string]
	got := ""
	b.Subscribe(func(v string) { got = v })
	b.Publish("x")
	require.Equal(t, "x", got)
}

func TestBroadcasterUnsubscribeDuringPublish(t *testing.T) {
	b := New[int]()
	var cancel func()
	calls := 0
	cancel = b.Subscribe(func(int) {
		calls++
		cancel()
	})
	b.Publish(1)
	b.Publish(2)
	require.Equal(t, 1, calls)
}
