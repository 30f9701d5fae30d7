package bus

import (
	"sync"
)

// Memory is an in-process Bus. Publish delivers synchronously to every
// handler subscribed to the exact subject.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]Handler)}
}

type memorySub struct {
	bus     *Memory
	subject string
	id      int
	once    sync.Once
}

func (s *memorySub) Subject() string { return s.subject }

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if m, ok := s.bus.subs[s.subject]; ok {
			delete(m, s.id)
			if len(m) == 0 {
				delete(s.bus.subs, s.subject)
			}
		}
	})
	return nil
}

func (b *Memory) Subscribe(subject string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]Handler)
	}
	b.subs[subject][id] = h
	return &memorySub{bus: b, subject: subject, id: id}, nil
}

func (b *Memory) Publish(subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(append([]byte(nil), data...))
	}
	return nil
}

// Subscribers returns how many live subscriptions exist for subject.
func (b *Memory) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]Handler)
	return nil
}
