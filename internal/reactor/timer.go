package reactor

import (
	"container/heap"
	"sync"
	"time"
)

type timerEntry struct {
	deadline time.Time
	seq      uint64 // insertion order, breaks deadline ties
	fn       func()
	es       *EventState
	index    int
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Timer is a cancelable, restartable deadline registered with a Loop.
type Timer struct {
	loop *Loop
	es   *EventState
	fn   func()
	seq  uint64
	mu   sync.Mutex
	cur  *timerEntry
}

// NewTimer creates a Timer bound to the loop, guarded by es, invoking fn on
// the loop goroutine when it expires. It is created idle; call Start to
// arm it.
func (l *Loop) NewTimer(es *EventState, fn func()) *Timer {
	return &Timer{loop: l, es: es, fn: fn}
}

// Start (re)arms the timer to fire after interval, canceling any pending
// firing first — this is the "periodic restart" the contract requires.
func (t *Timer) Start(interval time.Duration) {
	t.Cancel()

	t.loop.timerMu.Lock()
	t.loop.timerSeq++
	e := &timerEntry{
		deadline: time.Now().Add(interval),
		seq:      t.loop.timerSeq,
		es:       t.es,
	}
	e.fn = func() {
		t.fn()
	}
	heap.Push(&t.loop.timers, e)
	t.loop.timerMu.Unlock()

	t.mu.Lock()
	t.cur = e
	t.mu.Unlock()

	t.loop.wakeTimers()
}

// Cancel disarms a pending firing, if any. Safe to call even if the timer
// never started or already fired.
func (t *Timer) Cancel() {
	t.mu.Lock()
	e := t.cur
	t.cur = nil
	t.mu.Unlock()
	if e == nil {
		return
	}
	t.loop.timerMu.Lock()
	e.canceled = true
	t.loop.timerMu.Unlock()
}

func (l *Loop) wakeTimers() {
	select {
	case l.timerCh <- struct{}{}:
	default:
	}
}

// nextTimerWait returns how long Run should wait before the next timer
// check, or a negative duration if there are no live timers.
func (l *Loop) nextTimerWait() time.Duration {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	for l.timers.Len() > 0 && l.timers[0].canceled {
		heap.Pop(&l.timers)
	}
	if l.timers.Len() == 0 {
		return -1
	}
	d := time.Until(l.timers[0].deadline)
	if d < 0 {
		d = 0
	}
	return d
}

// fireExpiredTimers runs every timer whose deadline has passed, in
// insertion order among ties, invoking each directly on the loop goroutine
// so it executes serialized with every other callback.
func (l *Loop) fireExpiredTimers() {
	now := time.Now()
	l.timerMu.Lock()
	var ready []*timerEntry
	for l.timers.Len() > 0 {
		top := l.timers[0]
		if top.canceled {
			heap.Pop(&l.timers)
			continue
		}
		if top.deadline.After(now) {
			break
		}
		ready = append(ready, heap.Pop(&l.timers).(*timerEntry))
	}
	l.timerMu.Unlock()

	for _, e := range ready {
		l.invoke(e.fn, e.es)
	}
}
