package broadcast

import (
	"context"
	"sync"
)

// LocalBus fans messages out between contexts living in one process.
// Subscribers with a full buffer drop the message.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[int]chan *Message
	nextID int
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan *Message)}
}

func (b *LocalBus) Publish(_ context.Context, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrTransportClosed
	}
	for _, ch := range b.subs {
		// Each subscriber gets its own copy so receivers cannot race on it.
		cp := *msg
		select {
		case ch <- &cp:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan *Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrTransportClosed
	}

	ch := make(chan *Message, subscriberBuffer)
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}()

	return ch, nil
}

// Close closes every subscription and rejects further use.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
