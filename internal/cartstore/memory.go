package cartstore

import (
	"context"
	"sync"
)

const memorySubscriptionBuffer = 64

// MemoryBus is an in-process storage origin. Every MemorySlot attached to the same
// bus behaves like a sibling tab: it sees the same values and is notified of changes
// made through the other slots, never of its own.
type MemoryBus struct {
	mu     sync.RWMutex
	values map[string][]byte
	subs   map[uint64]*memorySubscription
	nextID uint64
}

type memorySubscription struct {
	owner  *MemorySlot
	key    string
	events chan ChangeEvent
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		values: map[string][]byte{},
		subs:   map[uint64]*memorySubscription{},
	}
}

type MemorySlot struct {
	bus *MemoryBus

	mu     sync.Mutex
	closed bool
}

func NewMemorySlot(bus *MemoryBus) *MemorySlot {
	if bus == nil {
		bus = NewMemoryBus()
	}
	return &MemorySlot{bus: bus}
}

func (s *MemorySlot) Bus() *MemoryBus {
	return s.bus
}

func (s *MemorySlot) Get(_ context.Context, key string) ([]byte, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	if s.isClosed() {
		return nil, false, ErrClosed
	}
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	value, ok := s.bus.values[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(value), true, nil
}

func (s *MemorySlot) Set(_ context.Context, key string, value []byte) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	s.bus.mu.Lock()
	s.bus.values[key] = cloneBytes(value)
	targets := s.bus.subscribersLocked(s, key)
	s.bus.mu.Unlock()
	for _, sub := range targets {
		sub.deliver(ChangeEvent{Key: key, Value: cloneBytes(value), Present: true})
	}
	return nil
}

func (s *MemorySlot) Delete(_ context.Context, key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	s.bus.mu.Lock()
	_, existed := s.bus.values[key]
	delete(s.bus.values, key)
	targets := s.bus.subscribersLocked(s, key)
	s.bus.mu.Unlock()
	if !existed {
		return nil
	}
	for _, sub := range targets {
		sub.deliver(ChangeEvent{Key: key, Present: false})
	}
	return nil
}

func (s *MemorySlot) Subscribe(key string, fn func(ChangeEvent)) (func(), error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrInvalidInput
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		owner:  s,
		key:    key,
		events: make(chan ChangeEvent, memorySubscriptionBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.bus.mu.Lock()
	s.bus.nextID++
	id := s.bus.nextID
	s.bus.subs[id] = sub
	s.bus.mu.Unlock()

	go sub.run(fn)

	return func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, id)
		s.bus.mu.Unlock()
		sub.stop()
	}, nil
}

// Close detaches the slot from the bus and stops its subscriptions.
// Values stay on the bus for the remaining slots.
func (s *MemorySlot) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.mu.Lock()
	var owned []*memorySubscription
	for id, sub := range s.bus.subs {
		if sub.owner == s {
			owned = append(owned, sub)
			delete(s.bus.subs, id)
		}
	}
	s.bus.mu.Unlock()
	for _, sub := range owned {
		sub.stop()
	}
	return nil
}

func (s *MemorySlot) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (b *MemoryBus) subscribersLocked(origin *MemorySlot, key string) []*memorySubscription {
	out := make([]*memorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.owner == origin || sub.key != key {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func (b *MemoryBus) current(key string) ChangeEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.values[key]
	return ChangeEvent{Key: key, Value: cloneBytes(value), Present: ok}
}

func (sub *memorySubscription) deliver(event ChangeEvent) {
	select {
	case <-sub.done:
	case sub.events <- event:
	}
}

func (sub *memorySubscription) run(fn func(ChangeEvent)) {
	defer close(sub.exited)
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.events:
			select {
			case <-sub.done:
				return
			default:
			}
			// Re-read so a subscriber converges on the latest value even when
			// concurrent writers queued their events out of order.
			fn(sub.owner.bus.current(event.Key))
		}
	}
}

// stop ends the subscription and waits for an in-flight callback to return.
// It must not be called from the callback itself.
func (sub *memorySubscription) stop() {
	sub.once.Do(func() {
		close(sub.done)
	})
	<-sub.exited
}
