// Package timeout implements the engine's timeout wheel: a priority queue
// of armed timeout entries, polled by one background task that posts the
// earliest due entry back to the event core.
package timeout

import (
	"container/heap"
	"sync"
	"time"

	"daoengine/dtype"
)

// entryHeap orders dtype.TimeoutEntry by absolute deadline, earliest first.
type entryHeap []dtype.TimeoutEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Deadline().Before(h[j].Deadline()) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(dtype.TimeoutEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Wheel owns the armed timeout set and wakes Run's goroutine whenever a new
// earliest entry might be due sooner than the one it was sleeping on.
type Wheel struct {
	minSleep time.Duration

	mu     sync.Mutex
	q      entryHeap
	wakeCh chan struct{}

	fired chan dtype.TimeoutEntry
	done  chan struct{}
	once  sync.Once
}

// New builds a Wheel that never sleeps longer than minSleep between
// polls.
func New(minSleep time.Duration) *Wheel {
	return &Wheel{
		minSleep: minSleep,
		wakeCh:   make(chan struct{}, 1),
		fired:    make(chan dtype.TimeoutEntry, 64),
		done:     make(chan struct{}),
	}
}

// Fired delivers entries as they come due. The engine's event core reads
// from this channel alongside its in-queue and inbound-message channel.
func (w *Wheel) Fired() <-chan dtype.TimeoutEntry { return w.fired }

// Arm schedules entry. It never replaces or removes an earlier entry for
// the same id: superseded entries stay armed and still fire, and the
// engine discards them on arrival because their Generation or
// StatusWhenArmed no longer matches the operation's current row.
func (w *Wheel) Arm(entry dtype.TimeoutEntry) {
	w.mu.Lock()
	heap.Push(&w.q, entry)
	w.mu.Unlock()
	w.wake()
}

// Cancel removes every armed entry for id, so a finished operation's
// stale entries never fire.
func (w *Wheel) Cancel(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.q[:0]
	for _, e := range w.q {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	w.q = kept
	heap.Init(&w.q)
}

func (w *Wheel) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Run polls the earliest due entry until stopped. It is intended to run in
// its own goroutine for the lifetime of the engine.
func (w *Wheel) Run() {
	for {
		w.mu.Lock()
		var sleep time.Duration
		if len(w.q) == 0 {
			sleep = w.minSleep
		} else {
			sleep = time.Until(w.q[0].Deadline())
			if sleep < 0 {
				sleep = 0
			}
			if sleep > w.minSleep {
				sleep = w.minSleep
			}
		}
		w.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-w.done:
			timer.Stop()
			return
		case <-w.wakeCh:
			timer.Stop()
			continue
		case <-timer.C:
		}

		w.mu.Lock()
		for len(w.q) > 0 && !w.q[0].Deadline().After(time.Now()) {
			due := heap.Pop(&w.q).(dtype.TimeoutEntry)
			w.mu.Unlock()
			select {
			case w.fired <- due:
			case <-w.done:
				return
			}
			w.mu.Lock()
		}
		w.mu.Unlock()
	}
}

// Stop ends the background poll loop. Safe to call once.
func (w *Wheel) Stop() {
	w.once.Do(func() { close(w.done) })
}
