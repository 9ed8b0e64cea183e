// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package flowcontrol

import (
	"sort"

	"github.com/rtpsgo/rtps/core/queue"
)

// Queue keys order samples by priority class, then new before old, then
// arrival.
const (
	classShift = 56
	oldBit     = uint64(1) << 55
)

func sampleKey(old bool, seq uint64) uint64 {
	if old {
		return oldBit | seq
	}
	return seq
}

// scheduler picks the next sample among the queued ones. The controller
// serializes every call.
type scheduler interface {
	register(s *slot)

	// unregister forgets s and drops its queued samples.
	unregister(s *slot)
	push(smp *sample)
	remove(smp *sample) bool

	// next returns the sample to deliver without dequeuing it.
	next() *sample

	// workDone accounts for the delivery of the last sample next returned.
	workDone(smp *sample)

	// resetPeriod runs at every period boundary.
	resetPeriod()
}

func newScheduler(policy SchedulerPolicy, maxBytesPerPeriod int) scheduler {
	switch policy {
	case RoundRobin:
		return &roundRobinScheduler{}
	case HighPriority:
		return &highPriorityScheduler{q: queue.New()}
	case PriorityWithReservation:
		return &reservationScheduler{
			limit:   maxBytesPerPeriod,
			classes: make(map[int][]*slot),
		}
	default:
		return &fifoScheduler{q: queue.New()}
	}
}

func removeSample(q *queue.PriorityQueue, smp *sample) bool {
	return len(q.RemoveFunc(func(e *queue.Entry) bool { return e.Value == smp })) > 0
}

func removeSlot(q *queue.PriorityQueue, s *slot) {
	q.RemoveFunc(func(e *queue.Entry) bool { return e.Value.(*sample).slot == s })
}

func peek(q *queue.PriorityQueue) *sample {
	if e := q.Peek(); e != nil {
		return e.Value.(*sample)
	}
	return nil
}

// fifoScheduler serves every writer from one queue in arrival order.
type fifoScheduler struct {
	q *queue.PriorityQueue
}

func (f *fifoScheduler) register(*slot) {}
func (f *fifoScheduler) unregister(s *slot) { removeSlot(f.q, s) }
func (f *fifoScheduler) push(smp *sample) { f.q.Enqueue(smp.key, smp) }
func (f *fifoScheduler) remove(smp *sample) bool { return removeSample(f.q, smp) }
func (f *fifoScheduler) next() *sample { return peek(f.q) }
func (f *fifoScheduler) workDone(*sample) {}
func (f *fifoScheduler) resetPeriod() {}

// roundRobinScheduler visits writers in registration order, one sample per
// writer per turn.
type roundRobinScheduler struct {
	slots  []*slot
	cursor int
}

func (r *roundRobinScheduler) register(s *slot) {
	s.q = queue.New()
	r.slots = append(r.slots, s)
}

func (r *roundRobinScheduler) unregister(s *slot) {
	idx := -1
	for i, v := range r.slots {
		if v == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	r.slots = append(r.slots[:idx], r.slots[idx+1:]...)
	// Removing the current writer hands the turn to the one after it.
	if idx < r.cursor {
		r.cursor--
	}
	if r.cursor >= len(r.slots) {
		r.cursor = 0
	}
}

func (r *roundRobinScheduler) push(smp *sample) { smp.slot.q.Enqueue(smp.key, smp) }
func (r *roundRobinScheduler) remove(smp *sample) bool { return removeSample(smp.slot.q, smp) }

func (r *roundRobinScheduler) next() *sample {
	for range r.slots {
		if smp := peek(r.slots[r.cursor].q); smp != nil {
			return smp
		}
		r.cursor = (r.cursor + 1) % len(r.slots)
	}
	return nil
}

func (r *roundRobinScheduler) workDone(*sample) {
	if len(r.slots) > 0 {
		r.cursor = (r.cursor + 1) % len(r.slots)
	}
}

func (r *roundRobinScheduler) resetPeriod() {}

// highPriorityScheduler drains the lowest priority value first, in arrival
// order within a class.
type highPriorityScheduler struct {
	q *queue.PriorityQueue
}

func (h *highPriorityScheduler) register(*slot) {}
func (h *highPriorityScheduler) unregister(s *slot) { removeSlot(h.q, s) }

func (h *highPriorityScheduler) push(smp *sample) {
	class := uint64(smp.slot.priority - MinPriority)
	h.q.Enqueue(class<<classShift|smp.key, smp)
}

func (h *highPriorityScheduler) remove(smp *sample) bool { return removeSample(h.q, smp) }
func (h *highPriorityScheduler) next() *sample { return peek(h.q) }
func (h *highPriorityScheduler) workDone(*sample) {}
func (h *highPriorityScheduler) resetPeriod() {}

// reservationScheduler serves the writers still within their reserved
// share of the period first, by priority, then falls back to strict
// priority order.
type reservationScheduler struct {
	limit      int
	priorities []int
	classes    map[int][]*slot

	pick     *slot
	pickSize int
}

func (r *reservationScheduler) register(s *slot) {
	s.q = queue.New()
	s.reserved = r.limit * s.reservation / 100
	if _, ok := r.classes[s.priority]; !ok {
		r.priorities = append(r.priorities, s.priority)
		sort.Ints(r.priorities)
	}
	r.classes[s.priority] = append(r.classes[s.priority], s)
}

func (r *reservationScheduler) unregister(s *slot) {
	class := r.classes[s.priority]
	for i, v := range class {
		if v == s {
			r.classes[s.priority] = append(class[:i], class[i+1:]...)
			break
		}
	}
	if r.pick == s {
		r.pick = nil
	}
}

func (r *reservationScheduler) push(smp *sample) { smp.slot.q.Enqueue(smp.key, smp) }
func (r *reservationScheduler) remove(smp *sample) bool { return removeSample(smp.slot.q, smp) }

func (r *reservationScheduler) next() *sample {
	r.pick, r.pickSize = nil, 0

	var highest *sample
	for _, p := range r.priorities {
		for _, s := range r.classes[p] {
			smp := peek(s.q)
			if smp == nil {
				continue
			}
			if highest == nil {
				highest = smp
			}
			size := smp.size()
			if s.reserved > s.used+size {
				r.pick, r.pickSize = s, size
				return smp
			}
		}
	}
	return highest
}

func (r *reservationScheduler) workDone(smp *sample) {
	if r.pick != nil && r.pick == smp.slot {
		r.pick.used += r.pickSize
	}
	r.pick, r.pickSize = nil, 0
}

func (r *reservationScheduler) resetPeriod() {
	for _, class := range r.classes {
		for _, s := range class {
			s.used = 0
		}
	}
}
