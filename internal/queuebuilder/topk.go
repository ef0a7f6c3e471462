// Package queuebuilder computes, per task, the top-scoring (PLZ, branch)
// pairs by crossing each task's postal-code rates with its branch rates,
// then resolves those pairs against the directory inventory (cb_crawler)
// to find the window of not-yet-collected cells a crawl should work next.
package queuebuilder

import "container/heap"

// PLZRate is one (rate, postal code) row from a task's city crawl_tasks.
type PLZRate struct {
	Rate int64
	PLZ  string
}

// BranchRate is one (rate, branch id) row from a task's branch crawl_tasks.
type BranchRate struct {
	Rate     int64
	BranchID int64
}

// Pair is one scored (PLZ, branch) cross-product cell.
type Pair struct {
	PLZ      string
	BranchID int64
	Score    int64
}

type heapItem struct {
	score    int64
	plz      string
	branchID int64
	i, j     int
}

// itemHeap orders items the same way Python's heapq does on the tuple
// (score, plz, branch_id, i, j): ascending on each field in turn.
type itemHeap []heapItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(a, b int) bool {
	if h[a].score != h[b].score {
		return h[a].score < h[b].score
	}
	if h[a].plz != h[b].plz {
		return h[a].plz < h[b].plz
	}
	if h[a].branchID != h[b].branchID {
		return h[a].branchID < h[b].branchID
	}
	if h[a].i != h[b].i {
		return h[a].i < h[b].i
	}
	return h[a].j < h[b].j
}
func (h itemHeap) Swap(a, b int)      { h[a], h[b] = h[b], h[a] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopKPairs returns the k lowest-score (PLZ, branch) pairs from the cross
// product of plzRates × branchRates, via a k-way merge over whichever of
// the two rate lists is shorter ("outer"), each outer row seeded with its
// cheapest partner from the longer ("inner") list and the merge advancing
// one inner index at a time. This avoids materializing the full cross
// product, which for large tasks is plzRates×branchRates cells.
func TopKPairs(plzRates []PLZRate, branchRates []BranchRate, k int) []Pair {
	if len(plzRates) == 0 || len(branchRates) == 0 || k <= 0 {
		return nil
	}

	outerIsBranch := len(branchRates) <= len(plzRates)
	var outerLen, innerLen int
	if outerIsBranch {
		outerLen, innerLen = len(branchRates), len(plzRates)
	} else {
		outerLen, innerLen = len(plzRates), len(branchRates)
	}

	cell := func(i, j int) (plz string, branchID int64, score int64) {
		if outerIsBranch {
			orate, oid := branchRates[i].Rate, branchRates[i].BranchID
			irate, iplz := plzRates[j].Rate, plzRates[j].PLZ
			return iplz, oid, orate * irate
		}
		orate, oid := plzRates[i].Rate, plzRates[i].PLZ
		irate, ibid := branchRates[j].Rate, branchRates[j].BranchID
		return oid, ibid, orate * irate
	}

	h := make(itemHeap, 0, outerLen)
	for i := 0; i < outerLen; i++ {
		plz, bid, score := cell(i, 0)
		h = append(h, heapItem{score: score, plz: plz, branchID: bid, i: i, j: 0})
	}
	heap.Init(&h)

	out := make([]Pair, 0, k)
	_ = innerLen
	for h.Len() > 0 && len(out) < k {
		top := heap.Pop(&h).(heapItem)
		out = append(out, Pair{PLZ: top.plz, BranchID: top.branchID, Score: top.score})

		j2 := top.j + 1
		if (outerIsBranch && j2 < len(plzRates)) || (!outerIsBranch && j2 < len(branchRates)) {
			plz, bid, score := cell(top.i, j2)
			heap.Push(&h, heapItem{score: score, plz: plz, branchID: bid, i: top.i, j: j2})
		}
	}
	return out
}
