package txpool

import "container/heap"

// evictHeap is a container/heap min-heap over gas_price, spanning both
// the pending and queued maps, used to find the single cheapest live
// transaction when the pool is over capacity.
type evictHeap []*entry

func (h evictHeap) Len() int { return len(h) }

func (h evictHeap) Less(i, j int) bool {
	return h[i].tx.GasPrice.Cmp(h[j].tx.GasPrice) < 0
}

func (h evictHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *evictHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *evictHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// remove drops e from the heap in O(log n) using its tracked index.
func (h *evictHeap) remove(e *entry) {
	if e.index < 0 || e.index >= h.Len() {
		return
	}
	heap.Remove(h, e.index)
}
