package riscv

import (
	"runtime"
	"sync"
)

// TaskContext is a suspended kernel execution context: the idle loop of a
// core, or the kernel side of a task. Exactly one context runs on a core
// at a time; the others are parked waiting to be switched to.
type TaskContext struct {
	resume chan int

	startOnce sync.Once
	entry     func(cpu int)

	done chan struct{}
	kill sync.Once
}

// NewTaskContext returns a context that starts running entry on its first
// switch. entry must leave through MoveToNext.
func NewTaskContext(entry func(cpu int)) *TaskContext {
	return &TaskContext{
		resume: make(chan int, 1),
		entry:  entry,
		done:   make(chan struct{}),
	}
}

// CurrentContext wraps the calling goroutine, typically a core's idle
// loop, so it can switch away and be switched back to.
func CurrentContext() *TaskContext {
	c := &TaskContext{
		resume: make(chan int, 1),
		done:   make(chan struct{}),
	}

	c.startOnce.Do(func() {})
	return c
}

func (c *TaskContext) start() {
	c.startOnce.Do(func() {
		go func() {
			cpu, ok := c.wait()
			if !ok {
				return
			}

			c.entry(cpu)
			panic("task context entry returned")
		}()
	})
}

func (c *TaskContext) wait() (int, bool) {
	select {
	case cpu := <-c.resume:
		return cpu, true
	case <-c.done:
		return 0, false
	}
}

// Switch hands the core to next and blocks until something switches back
// to cur. It returns the core cur was resumed on.
func Switch(cur, next *TaskContext, cpu int) int {
	next.start()
	next.resume <- cpu

	resumed, ok := cur.wait()
	if !ok {
		runtime.Goexit()
	}

	return resumed
}

// MoveToNext hands the core to next and ends the calling context. It never
// returns.
func MoveToNext(cur, next *TaskContext, cpu int) {
	cur.Release()

	next.start()
	next.resume <- cpu

	runtime.Goexit()
}

// Release abandons a context that will never run again. A parked goroutine
// behind it exits.
func (c *TaskContext) Release() {
	c.kill.Do(func() {
		close(c.done)
	})
}
