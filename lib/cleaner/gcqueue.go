package cleaner

import (
	"container/heap"

	"github.com/kkkday/zbd/lib/zone"
)

// gcItem is one candidate victim zone in the GC priority queue.
type gcItem struct {
	zoneID       zone.ID
	invalidBytes uint64
	index        int
}

// gcQueue is a max-heap over invalidBytes, ties broken by ascending
// zoneID (§4.4's "ties broken by enumeration order"), paired with a
// hash map for O(1) membership checks and updates — the same shape as
// the teacher's MapHeap, inverted from a min-heap and given a
// zone-id tie-break.
type gcQueue struct {
	items []*gcItem
	byID  map[zone.ID]*gcItem
}

func newGCQueue() *gcQueue {
	return &gcQueue{byID: make(map[zone.ID]*gcItem)}
}

func (q *gcQueue) Len() int { return len(q.items) }

func (q *gcQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.invalidBytes != b.invalidBytes {
		return a.invalidBytes > b.invalidBytes
	}
	return a.zoneID < b.zoneID
}

func (q *gcQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *gcQueue) Push(x interface{}) {
	it := x.(*gcItem)
	it.index = len(q.items)
	q.items = append(q.items, it)
	q.byID[it.zoneID] = it
}

func (q *gcQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	q.items = old[:n-1]
	delete(q.byID, it.zoneID)
	return it
}

// AddItem inserts or updates a zone's ranking.
func (q *gcQueue) AddItem(id zone.ID, invalidBytes uint64) {
	if it, ok := q.byID[id]; ok {
		it.invalidBytes = invalidBytes
		heap.Fix(q, it.index)
		return
	}
	heap.Push(q, &gcItem{zoneID: id, invalidBytes: invalidBytes})
}

// PopTop removes and returns the highest-ranked zone id, or false if
// the queue is empty.
func (q *gcQueue) PopTop() (zone.ID, bool) {
	if q.Len() == 0 {
		return 0, false
	}
	it := heap.Pop(q).(*gcItem)
	return it.zoneID, true
}
