package timer

import "container/heap"

// pendingQueue orders timer entries by deadline, soonest first. It
// implements heap.Interface directly over the entry slice; entries sharing
// a deadline fire in no particular order among themselves.
type pendingQueue []*entry

func (q pendingQueue) Len() int           { return len(q) }
func (q pendingQueue) Less(i, j int) bool { return q[i].fireAt.Before(q[j].fireAt) }
func (q pendingQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x any) { *q = append(*q, x.(*entry)) }

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// add inserts e, keeping the soonest deadline at the head.
func (q *pendingQueue) add(e *entry) { heap.Push(q, e) }

// next returns the entry with the soonest deadline without removing it, or
// nil when the queue is empty.
func (q pendingQueue) next() *entry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// take removes and returns the entry with the soonest deadline, or nil
// when the queue is empty.
func (q *pendingQueue) take() *entry {
	if len(*q) == 0 {
		return nil
	}
	return heap.Pop(q).(*entry)
}
