// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package schedulers

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-rt/internal/concurrency"
	"github.com/momentics/hioload-rt/threads"
)

type workQueue struct {
	d    concurrency.Deque[*threads.Task]
	disc Discipline
}

// push adds new work. last places it behind everything the owner would pop
// first, which is how yielded tasks are requeued.
func (q *workQueue) push(t *threads.Task, last bool) {
	if last && (q.disc == LIFO || q.disc == ABPLIFO) {
		q.d.PushFront(t)
		return
	}
	q.d.PushBack(t)
}

func (q *workQueue) pop() (*threads.Task, bool) {
	switch q.disc {
	case LIFO, ABPLIFO:
		return q.d.PopBack()
	}
	return q.d.PopFront()
}

func (q *workQueue) steal() (*threads.Task, bool) {
	switch q.disc {
	case LIFO, ABPFIFO:
		return q.d.PopBack()
	}
	return q.d.PopFront()
}

func (q *workQueue) len() int { return q.d.Len() }

type stagedItem struct {
	data   threads.InitData
	worker int
}

// queueSet holds the queues of one worker, or of one NUMA domain for shared
// variants.
type queueSet struct {
	numa   int
	high   workQueue
	normal workQueue
	low    workQueue
	// bound work is never stolen.
	bound workQueue

	stagedMu sync.Mutex
	staged   *queue.Queue
}

func newQueueSet(numa int, disc Discipline) *queueSet {
	return &queueSet{
		numa:   numa,
		high:   workQueue{disc: disc},
		normal: workQueue{disc: disc},
		low:    workQueue{disc: disc},
		bound:  workQueue{disc: disc},
		staged: queue.New(),
	}
}

func (qs *queueSet) queueFor(p threads.Priority, priorities bool) *workQueue {
	switch {
	case p == threads.PriorityBound:
		return &qs.bound
	case !priorities:
		return &qs.normal
	case p.IsHigh():
		return &qs.high
	case p == threads.PriorityLow:
		return &qs.low
	}
	return &qs.normal
}

func (qs *queueSet) pending() int {
	return qs.high.len() + qs.normal.len() + qs.low.len() + qs.bound.len()
}

func (qs *queueSet) stage(it stagedItem) {
	qs.stagedMu.Lock()
	qs.staged.Add(it)
	qs.stagedMu.Unlock()
}

// unstage removes up to max items in arrival order.
func (qs *queueSet) unstage(max int) []stagedItem {
	qs.stagedMu.Lock()
	defer qs.stagedMu.Unlock()
	n := qs.staged.Length()
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	items := make([]stagedItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, qs.staged.Remove().(stagedItem))
	}
	return items
}

func (qs *queueSet) stagedLen() int {
	qs.stagedMu.Lock()
	defer qs.stagedMu.Unlock()
	return qs.staged.Length()
}
