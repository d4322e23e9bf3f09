package events

import (
	"sync"
	"time"
)

// DefaultBuffer is the default per-subscription channel capacity.
const DefaultBuffer = 64

// DefaultSendTimeout is how long a non-downloading state waits for room in
// a full subscription before the subscriber is evicted.
const DefaultSendTimeout = 2 * time.Second

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the channel capacity of each subscription.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n < 0 {
			n = 0
		}
		b.buffer = n
	}
}

// WithSendTimeout sets how long Publish waits on a full subscription
// before evicting it.
func WithSendTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.sendTimeout = d
		}
	}
}

// Bus broadcasts download states to any number of subscribers.
//
// There is no replay: a subscription only sees states published after it
// was created. Downloading updates are dropped for a subscriber whose buffer
// is full. Every other status waits for room, but no longer than the send
// timeout: a subscriber that does not drain in time is evicted and its
// channel closed, so a stalled observer never stalls a download.
type Bus struct {
	buffer      int
	sendTimeout time.Duration

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewBus creates an open bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		buffer:      DefaultBuffer,
		sendTimeout: DefaultSendTimeout,
		subs:        make(map[*Subscription]struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a subscription to every state published from now on.
func (b *Bus) Subscribe() *Subscription {
	return b.subscribe(nil)
}

// ProgressFor returns a subscription that only sees states for modelID.
func (b *Bus) ProgressFor(modelID string) *Subscription {
	return b.subscribe(func(s State) bool {
		return s.ModelID == modelID
	})
}

func (b *Bus) subscribe(filter func(State) bool) *Subscription {
	s := &Subscription{
		bus:    b,
		ch:     make(chan State, b.buffer),
		filter: filter,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers s to every matching subscriber. Publishing on a closed
// bus is a no-op.
func (b *Bus) Publish(s State) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.filter == nil || sub.filter(s) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	coalesce := s.Status == StatusDownloading
	for _, sub := range targets {
		if !sub.deliver(s, coalesce, b.sendTimeout, b.done) {
			b.evict(sub)
		}
	}
}

// evict detaches a subscriber that stopped draining its channel.
func (b *Bus) evict(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.shut()
}

// Close closes the bus and every subscription channel. It is safe to call
// more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		b.closed = true
		subs := b.subs
		b.subs = nil
		b.mu.Unlock()

		for sub := range subs {
			sub.shut()
		}
	})
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Subscription is one observer's view of the bus.
type Subscription struct {
	bus    *Bus
	filter func(State) bool

	// mu guards ch against a send racing its close.
	mu     sync.Mutex
	ch     chan State
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// C returns the channel states are delivered on. It is closed when the
// subscription or the bus is closed, or when the subscriber is evicted
// for not keeping up.
func (s *Subscription) C() <-chan State {
	return s.ch
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.shut()
	})
}

// deliver sends st and reports false if the subscriber should be evicted.
func (s *Subscription) deliver(st State, coalesce bool, timeout time.Duration, busDone <-chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	select {
	case s.ch <- st:
		return true
	default:
	}
	if coalesce {
		return true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.ch <- st:
		return true
	case <-s.done:
		return true
	case <-busDone:
		return true
	case <-t.C:
		return false
	}
}

// shut closes the channel once.
func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
