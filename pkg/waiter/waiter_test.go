package waiter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWaiter(t *testing.T) {
	var w Waiter

	c := make(chan struct{}, 1)
	e := w.RegisterChannel(EventRunnable, c)
	require.Equal(t, 1, w.Len())

	w.Notify(EventIn)

	select {
	case <-c:
		t.Fatal("notified for an unrelated event")
	default:
	}

	w.Notify(EventRunnable)
	w.Notify(EventRunnable)

	<-c

	select {
	case <-c:
		t.Fatal("channel should coalesce notifications")
	default:
	}

	w.Unregister(e)
	w.Unregister(e)
	require.Equal(t, 0, w.Len())

	w.Notify(EventAll)

	select {
	case <-c:
		t.Fatal("notified after unregister")
	default:
	}
}
