package orchestrator

import (
	"container/heap"
	"time"

	"github.com/detektr/orchestrator/internal/envelope"
)

// parked is a frame waiting for capacity: no route existed, so the upstream
// entry stays unacknowledged while the frame sits here.
type parked struct {
	entryID  string
	frame    *envelope.Frame
	attempts int
	next     time.Time
	arrival  uint64 // admission order, for oldest-first eviction

	index int
}

const (
	parkBaseDelay = 50 * time.Millisecond
	parkMaxDelay  = 5 * time.Second
)

// parkDelay grows exponentially with the number of failed routing attempts.
func parkDelay(attempts int) time.Duration {
	d := parkBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= parkMaxDelay {
			return parkMaxDelay
		}
	}
	return d
}

// park is the bounded in-memory retry queue. Not safe for concurrent use;
// the Loop serializes access. The heap orders by next-attempt time;
// admission order breaks ties and drives cap eviction.
type park struct {
	cap     int
	heap    parkHeap
	members map[string]struct{}
	counter uint64
}

func newPark(cap int) *park {
	return &park{cap: cap, members: make(map[string]struct{})}
}

func (p *park) len() int { return len(p.heap) }

func (p *park) contains(entryID string) bool {
	_, ok := p.members[entryID]
	return ok
}

// add parks a frame. When the park is at capacity it evicts the oldest frame
// first and returns it so the caller can dead-letter it.
func (p *park) add(entryID string, frame *envelope.Frame, attempts int, now time.Time) (evicted *parked) {
	if p.contains(entryID) {
		return nil
	}
	if len(p.heap) >= p.cap {
		evicted = p.evictOldest()
	}

	p.counter++
	item := &parked{
		entryID:  entryID,
		frame:    frame,
		attempts: attempts,
		next:     now.Add(parkDelay(attempts)),
		arrival:  p.counter,
	}
	heap.Push(&p.heap, item)
	p.members[entryID] = struct{}{}
	return evicted
}

// popDue removes and returns the next frame whose retry time has arrived.
func (p *park) popDue(now time.Time) *parked {
	if len(p.heap) == 0 || p.heap[0].next.After(now) {
		return nil
	}
	item := heap.Pop(&p.heap).(*parked)
	delete(p.members, item.entryID)
	return item
}

// popAny drains the park regardless of retry times. Shutdown uses it.
func (p *park) popAny() *parked {
	if len(p.heap) == 0 {
		return nil
	}
	item := heap.Pop(&p.heap).(*parked)
	delete(p.members, item.entryID)
	return item
}

func (p *park) evictOldest() *parked {
	oldest := -1
	for i, item := range p.heap {
		if oldest == -1 || item.arrival < p.heap[oldest].arrival {
			oldest = i
		}
	}
	if oldest == -1 {
		return nil
	}
	item := heap.Remove(&p.heap, oldest).(*parked)
	delete(p.members, item.entryID)
	return item
}

// parkHeap implements container/heap ordered by next-attempt time.
type parkHeap []*parked

func (h parkHeap) Len() int { return len(h) }

func (h parkHeap) Less(i, j int) bool {
	if !h[i].next.Equal(h[j].next) {
		return h[i].next.Before(h[j].next)
	}
	return h[i].arrival < h[j].arrival
}

func (h parkHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *parkHeap) Push(x interface{}) {
	item := x.(*parked)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *parkHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
