package control

import (
	"context"
	"errors"
	"sync"
)

// Queue carries control messages between gateway replicas. The contract is
// deliberately weak: at-most-once delivery, no ordering. Clients that miss a
// message reconcile against the room store instead.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe() Subscription
}

// Subscription represents an active message stream.
type Subscription interface {
	Messages() <-chan Message
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue suitable for tests
// and single-process deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, msg Message) error {
	if msg.Type == "" {
		return errors.New("message type is required")
	}
	if msg.SessionID == "" {
		return errors.New("session id is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking so a slow consumer cannot stall
			// the selection path.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Message, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Message
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
