/*
This package implements the bounded FIFO that sits between the connection manager and
the rest of the client. One queue carries server->client traffic, another carries
client->server traffic. Queues are bounded both by message count and by total payload
bytes; a producer that would overflow either bound waits until consumers make room.

Blocking calls take a context so that a shutting-down goroutine is never stuck on a
full or empty queue.
*/
package messagequeue

import (
	"context"
	"errors"
	"sync"

	"github.com/dionyziz/grr/grrlib/message"
)

var ErrQueueClosed = errors.New("message queue closed")

type MessageQueue struct {
	lock     sync.Mutex
	messages []*message.Message
	bytes    int
	closed   bool

	maxCount int
	maxBytes int

	// closed and replaced every time the queue changes so that waiters can select on it
	changed chan struct{}
}

func New(maxCount int, maxBytes int) *MessageQueue {
	return &MessageQueue{
		maxCount: maxCount,
		maxBytes: maxBytes,
		changed:  make(chan struct{}),
	}
}

// caller must hold the lock
func (q *MessageQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// A message that alone exceeds maxBytes is still let into an empty queue, otherwise
// it could never be delivered.
func (q *MessageQueue) fits(m *message.Message) bool {
	if len(q.messages) == 0 {
		return true
	}
	return len(q.messages) < q.maxCount && q.bytes+m.Size() <= q.maxBytes
}

// caller must hold the lock
func (q *MessageQueue) pushLocked(m *message.Message) {
	q.messages = append(q.messages, m)
	q.bytes += m.Size()
	q.broadcast()
}

// caller must hold the lock
func (q *MessageQueue) popLocked() *message.Message {
	m := q.messages[0]
	q.messages[0] = nil
	q.messages = q.messages[1:]
	q.bytes -= m.Size()
	q.broadcast()
	return m
}

// Push appends m to the tail, waiting for room if the queue is full.
func (q *MessageQueue) Push(ctx context.Context, m *message.Message) error {
	for {
		q.lock.Lock()
		if q.closed {
			q.lock.Unlock()
			return ErrQueueClosed
		}
		if q.fits(m) {
			q.pushLocked(m)
			q.lock.Unlock()
			return nil
		}
		changed := q.changed
		q.lock.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// TryPush appends m if there is room right now and reports whether it did.
func (q *MessageQueue) TryPush(m *message.Message) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed || !q.fits(m) {
		return false
	}
	q.pushLocked(m)
	return true
}

// Pop removes and returns the head, waiting for a message if the queue is empty. A
// closed queue still hands out what it holds before returning ErrQueueClosed.
func (q *MessageQueue) Pop(ctx context.Context) (*message.Message, error) {
	for {
		q.lock.Lock()
		if len(q.messages) > 0 {
			m := q.popLocked()
			q.lock.Unlock()
			return m, nil
		}
		if q.closed {
			q.lock.Unlock()
			return nil, ErrQueueClosed
		}
		changed := q.changed
		q.lock.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (q *MessageQueue) TryPop() (*message.Message, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.messages) == 0 {
		return nil, false
	}
	return q.popLocked(), true
}

// GetMessages removes a batch from the head of the queue: as many messages as fit in
// maxCount and maxBytes, but always at least one if any are available. If blocking is
// set, it waits until there is at least one message.
func (q *MessageQueue) GetMessages(ctx context.Context, maxCount int, maxBytes int, blocking bool) ([]*message.Message, error) {
	for {
		q.lock.Lock()
		if len(q.messages) > 0 || q.closed || !blocking {
			break
		}
		changed := q.changed
		q.lock.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
	defer q.lock.Unlock()

	if len(q.messages) == 0 {
		if q.closed && blocking {
			return nil, ErrQueueClosed
		}
		return nil, nil
	}

	var batch []*message.Message
	size := 0
	for len(q.messages) > 0 && len(batch) < maxCount {
		next := q.messages[0]
		if len(batch) > 0 && size+next.Size() > maxBytes {
			break
		}
		size += next.Size()
		batch = append(batch, next)

		q.messages[0] = nil
		q.messages = q.messages[1:]
	}
	q.bytes -= size
	q.broadcast()

	return batch, nil
}

// Close wakes every waiter. Producers get ErrQueueClosed from then on, consumers once
// the queue has been drained.
func (q *MessageQueue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()

	if !q.closed {
		q.closed = true
		q.broadcast()
	}
}

func (q *MessageQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.messages)
}

func (q *MessageQueue) Bytes() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.bytes
}
