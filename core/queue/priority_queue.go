// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package queue implements a min-heap priority queue.
package queue

import "container/heap"

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64
}

// PriorityQueue is a min-heap ordered by Entry.Priority. It is not safe for
// concurrent use.
type PriorityQueue struct {
	heap []*Entry
}

// Less implements sort.Interface.
func (q PriorityQueue) Less(i, j int) bool {
	return q.heap[i].Priority < q.heap[j].Priority
}

// Swap implements sort.Interface.
func (q PriorityQueue) Swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
}

// Push implements heap.Interface. Use Enqueue instead.
func (q *PriorityQueue) Push(x interface{}) {
	q.heap = append(q.heap, x.(*Entry))
}

// Pop implements heap.Interface. Use Dequeue instead.
func (q *PriorityQueue) Pop() interface{} {
	n := len(q.heap)
	if n == 0 {
		return nil
	}
	e := q.heap[n-1]
	q.heap[n-1] = nil
	q.heap = q.heap[:n-1]
	return e
}

// Len returns the number of queued entries.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// Peek returns the lowest priority entry without removing it. Callers MUST
// NOT alter the Priority of the returned entry.
func (q *PriorityQueue) Peek() *Entry {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Enqueue inserts value with the given priority.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) {
	heap.Push(q, &Entry{
		Value:    value,
		Priority: priority,
	})
}

// Dequeue removes and returns the lowest priority entry, or nil.
func (q *PriorityQueue) Dequeue() *Entry {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(q).(*Entry)
}

// RemoveFunc removes every entry for which fn returns true and returns the
// removed entries.
func (q *PriorityQueue) RemoveFunc(fn func(*Entry) bool) []*Entry {
	var removed []*Entry
	kept := q.heap[:0]
	for _, e := range q.heap {
		if fn(e) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = nil
	}
	q.heap = kept
	if len(removed) > 0 {
		heap.Init(q)
	}
	return removed
}

// New creates an empty PriorityQueue.
func New() *PriorityQueue {
	return &PriorityQueue{heap: make([]*Entry, 0)}
}
