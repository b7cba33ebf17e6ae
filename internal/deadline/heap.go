package deadline

import "time"

// entry is one heap slot. Entries are never updated in place: a reschedule
// or cancel bumps the deadline's generation and the old entry is skipped
// when it surfaces.
type entry struct {
	at  time.Time
	id  string
	gen uint64
}

// entryHeap implements container/heap.Interface as a min-heap on at.
type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (h entryHeap) peek() (entry, bool) {
	if len(h) == 0 {
		return entry{}, false
	}
	return h[0], true
}
