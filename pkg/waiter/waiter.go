// Package waiter lets goroutines park on kernel events such as a task being
// queued or a pipe becoming readable.
package waiter

import (
	"container/list"
	"sync"

	"github.com/evanphx/rafos/log"
)

type EventType uint64

const (
	EventIn EventType = 1 << iota
	EventOut
	EventHUp
	EventRunnable
	EventChildExit

	EventAll = EventIn | EventOut | EventHUp | EventRunnable | EventChildExit
)

type Waiter struct {
	mu sync.RWMutex

	waiters list.List
}

type Event struct {
	elem *list.Element

	Mask     EventType
	Context  interface{}
	Callback func(e *Event)
}

func (w *Waiter) Register(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e.elem != nil {
		return
	}

	e.elem = w.waiters.PushBack(e)
}

func triggerChan(e *Event) {
	c := e.Context.(chan struct{})

	select {
	case c <- struct{}{}:
	default:
	}
}

// RegisterChannel arranges for a non-blocking send on c whenever an event
// in mask fires. c should have a buffer of at least one.
func (w *Waiter) RegisterChannel(mask EventType, c chan struct{}) *Event {
	e := &Event{
		Callback: triggerChan,
		Context:  c,
		Mask:     mask,
	}

	w.Register(e)

	return e
}

func (w *Waiter) Unregister(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e.elem == nil {
		return
	}

	w.waiters.Remove(e.elem)
	e.elem = nil
}

func (w *Waiter) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.waiters.Len()
}

func (w *Waiter) Notify(mask EventType) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for it := w.waiters.Front(); it != nil; it = it.Next() {
		e := it.Value.(*Event)
		if mask&e.Mask != 0 {
			if log.L.IsTrace() {
				log.L.Trace("waiters-walk", "event-mask", e.Mask, "notify-mask", mask)
			}
			e.Callback(e)
		}
	}
}
