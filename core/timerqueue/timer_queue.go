// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package timerqueue runs one-shot actions at their deadlines from a single
// worker goroutine.
package timerqueue

import (
	"sync"
	"time"

	"github.com/rtpsgo/rtps/core/queue"
	"github.com/rtpsgo/rtps/core/worker"
)

// TimerQueue fires action(value) for each pushed value once its deadline
// has passed. Actions run on the worker goroutine, one at a time.
type TimerQueue struct {
	worker.Worker

	mutex sync.Mutex
	queue *queue.PriorityQueue

	action func(interface{})
	wakeCh chan struct{}
}

// New creates a TimerQueue. Call Start to begin firing.
func New(action func(interface{})) *TimerQueue {
	return &TimerQueue{
		queue:  queue.New(),
		action: action,
		wakeCh: make(chan struct{}, 1),
	}
}

// Start launches the worker goroutine.
func (t *TimerQueue) Start() {
	t.Go(t.worker)
}

// Push schedules value to fire at deadline.
func (t *TimerQueue) Push(deadline time.Time, value interface{}) {
	t.mutex.Lock()
	t.queue.Enqueue(uint64(deadline.UnixNano()), value)
	t.mutex.Unlock()
	t.wakeup()
}

// Remove cancels every pending value matching fn and returns how many were
// removed.
func (t *TimerQueue) Remove(fn func(interface{}) bool) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	removed := t.queue.RemoveFunc(func(e *queue.Entry) bool {
		return fn(e.Value)
	})
	return len(removed)
}

// Len returns the number of pending timers.
func (t *TimerQueue) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.queue.Len()
}

func (t *TimerQueue) wakeup() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

func (t *TimerQueue) worker() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var due []interface{}
		wait := time.Hour

		now := uint64(time.Now().UnixNano())
		t.mutex.Lock()
		for {
			m := t.queue.Peek()
			if m == nil {
				break
			}
			if m.Priority > now {
				wait = time.Duration(m.Priority - now)
				break
			}
			due = append(due, t.queue.Dequeue().Value)
		}
		t.mutex.Unlock()

		for _, v := range due {
			t.action(v)
		}
		if len(due) > 0 {
			continue
		}

		timer.Reset(wait)
		select {
		case <-t.HaltCh():
			return
		case <-timer.C:
		case <-t.wakeCh:
		}
	}
}
