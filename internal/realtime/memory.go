package realtime

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned by a closed MemoryBus.
var ErrBusClosed = errors.New("realtime: bus closed")

// MemoryBus is an in-process Bus. Every subscription has its own ordered
// delivery goroutine, so publishers never run subscriber code and handlers
// may publish freely.
type MemoryBus struct {
	mu         sync.Mutex
	subs       map[string]map[*memorySub]struct{}
	reconnects map[uint64]func()
	nextHook   uint64
	published  map[string]int
	closed     bool
}

// NewMemoryBus returns an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:       make(map[string]map[*memorySub]struct{}),
		reconnects: make(map[uint64]func()),
		published:  make(map[string]int),
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, fn func(data []byte)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	s := &memorySub{
		bus:     b,
		subject: subject,
		fn:      fn,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[*memorySub]struct{})
	}
	b.subs[subject][s] = struct{}{}
	go s.run()
	return s, nil
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.published[subject]++
	targets := make([]*memorySub, 0, len(b.subs[subject]))
	for s := range b.subs[subject] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	msg := append([]byte(nil), data...)
	for _, s := range targets {
		s.push(msg)
	}
	return nil
}

// Published reports how many messages were published on subject.
func (b *MemoryBus) Published(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[subject]
}

// Subscribers reports the number of live subscriptions on subject.
func (b *MemoryBus) Subscribers(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subject])
}

func (b *MemoryBus) OnReconnect(fn func()) func() {
	b.mu.Lock()
	b.nextHook++
	id := b.nextHook
	b.reconnects[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.reconnects, id)
		b.mu.Unlock()
	}
}

// SimulateReconnect fires the reconnect hooks as a real transport would after
// re-establishing its connection.
func (b *MemoryBus) SimulateReconnect() {
	b.mu.Lock()
	hooks := make([]func(), 0, len(b.reconnects))
	for _, fn := range b.reconnects {
		hooks = append(hooks, fn)
	}
	b.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Close stops every subscription. Later calls fail with ErrBusClosed.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*memorySub
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*memorySub]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	fn      func([]byte)

	mu     sync.Mutex
	queue  [][]byte
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func (s *memorySub) push(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			data := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.fn(data)
		}
	}
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	if set, ok := s.bus.subs[s.subject]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *memorySub) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}
