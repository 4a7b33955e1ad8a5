package kci

import (
	"sync"
	"time"
)

// waitq is a broadcast wakeup point. Waiters snapshot the current
// generation channel, re-check their condition, and block on the channel;
// broadcast closes the generation and opens a new one, waking everyone.
//
// Snapshotting the channel before the condition check is what prevents a
// lost wakeup between the check and the block.
type waitq struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWaitq() *waitq {
	return &waitq{ch: make(chan struct{})}
}

func (q *waitq) waitChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch
}

func (q *waitq) broadcast() {
	q.mu.Lock()
	close(q.ch)
	q.ch = make(chan struct{})
	q.mu.Unlock()
}

// waitEvent blocks until cond reports true or timeout elapses. It returns
// the final value of cond, so a wakeup that races the deadline still
// counts as success.
func (q *waitq) waitEvent(cond func() bool, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		ch := q.waitChan()
		if cond() {
			return true
		}
		select {
		case <-ch:
		case <-deadline.C:
			return cond()
		}
	}
}
