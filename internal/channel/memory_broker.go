package channel

import (
	"context"
	"sync"
)

// memoryQueueCapacity bounds each queue's backlog; the daemon is meant
// for local development/tests under MemoryBroker, not production load.
const memoryQueueCapacity = 4096

// MemoryBroker is an in-process Broker/Consumer pair for tests and
// single-process development (BUREAUCRAT_BROKER=memory). Each named
// queue is a buffered channel, so delivery is strictly sequential per
// queue, matching the real broker's prefetch=1 guarantee.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan []byte
}

// NewMemoryBroker constructs an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]chan []byte)}
}

// Queue exposes the backing channel for a queue name, mainly useful for
// tests that want to observe or drive deliveries directly.
func (b *MemoryBroker) Queue(name string) chan []byte {
	return b.queue(name)
}

func (b *MemoryBroker) queue(name string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan []byte, memoryQueueCapacity)
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Publish(queueName string, body []byte) error {
	b.queue(queueName) <- body
	return nil
}

// Consume implements engine.Consumer: it blocks pulling messages off
// queue one at a time and invokes handler on each. A message leaves the
// queue before handler runs, so a handler error stops the loop and that
// message is not redelivered.
func (b *MemoryBroker) Consume(ctx context.Context, queueName string, handler func([]byte) error) error {
	q := b.queue(queueName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case body := <-q:
			if err := handler(body); err != nil {
				return err
			}
		}
	}
}
