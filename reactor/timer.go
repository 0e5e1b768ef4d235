// File: reactor/timer.go
// Author: momentics <momentics@gmail.com>

package reactor

import "time"

// pendingTimer is one scheduled firing of a timer reaction. slot indexes the
// owning thread's timer reaction table.
type pendingTimer struct {
	when     time.Time
	interval time.Duration
	slot     int
}

// timerHeap is a min-heap over next-fire times, used with container/heap.
type timerHeap []pendingTimer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(pendingTimer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
