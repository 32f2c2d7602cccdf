package bridge

import "sync"

// Unbounded is a FIFO channel whose sends never wait for a receiver.
// Values queue in memory until Out is read.
type Unbounded[T any] struct {
	in  chan T
	out chan T

	mu     sync.RWMutex
	closed bool
}

func NewUnbounded[T any]() *Unbounded[T] {
	u := &Unbounded[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go u.pump()
	return u
}

// Send queues v. It reports false once the channel is closed.
func (u *Unbounded[T]) Send(v T) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return false
	}
	u.in <- v
	return true
}

// Out yields queued values in order; it is closed after Close once the
// queue is empty.
func (u *Unbounded[T]) Out() <-chan T { return u.out }

func (u *Unbounded[T]) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.closed = true
	close(u.in)
}

func (u *Unbounded[T]) pump() {
	defer close(u.out)

	var queue []T
	in := u.in
	for in != nil || len(queue) > 0 {
		var (
			out  chan T
			next T
		)
		if len(queue) > 0 {
			out = u.out
			next = queue[0]
		}
		select {
		case v, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, v)
		case out <- next:
			var zero T
			queue[0] = zero
			queue = queue[1:]
		}
	}
}
