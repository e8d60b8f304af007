package kernel

import "sync"

// IdleTid belongs to the per-kernel init task. It is never handed out.
const IdleTid = 0

// TidAllocator hands out the lowest free task id.
type TidAllocator struct {
	mu        sync.Mutex
	highWater int
	used      map[int]struct{}
}

func NewTidAllocator() *TidAllocator {
	return &TidAllocator{
		used: map[int]struct{}{IdleTid: {}},
	}
}

func (a *TidAllocator) Alloc() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 1; i <= a.highWater; i++ {
		if _, ok := a.used[i]; !ok {
			a.used[i] = struct{}{}
			return i
		}
	}

	a.highWater++
	a.used[a.highWater] = struct{}{}

	return a.highWater
}

func (a *TidAllocator) Free(tid int) {
	if tid == IdleTid {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.used, tid)
}

func (a *TidAllocator) InUse(tid int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.used[tid]
	return ok
}
