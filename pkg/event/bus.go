package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cexll/sessionkit/pkg/telemetry"
)

// ErrBusSealed is returned by Publish after Seal.
var ErrBusSealed = errors.New("event: bus sealed")

const defaultBufferSize = 64

// BusOption configures a Bus.
type BusOption func(*busConfig)

type busConfig struct {
	bufferSize int
	logger     telemetry.Logger
}

// WithBufferSize sets each subscriber's queue length (>= 1).
func WithBufferSize(size int) BusOption {
	return func(cfg *busConfig) {
		if size < 1 {
			size = 1
		}
		cfg.bufferSize = size
	}
}

// WithLogger logs dropped events.
func WithLogger(l telemetry.Logger) BusOption {
	return func(cfg *busConfig) { cfg.logger = l }
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose queue is full misses the event.
type Bus struct {
	cfg busConfig

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	sealed bool

	dropped atomic.Int64
}

type subscription struct {
	queue    chan Event
	channels map[Channel]bool
	once     sync.Once
}

func (s *subscription) wants(ch Channel) bool {
	return len(s.channels) == 0 || s.channels[ch]
}

func (s *subscription) close() { s.once.Do(func() { close(s.queue) }) }

// NewBus creates a Bus.
func NewBus(opts ...BusOption) *Bus {
	cfg := busConfig{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = telemetry.OrNoop(cfg.logger)
	return &Bus{cfg: cfg, subs: map[int]*subscription{}}
}

// Subscribe registers a subscriber for the given channels (all when none
// are named). The returned cancel func unsubscribes and closes the channel.
func (b *Bus) Subscribe(channels ...Channel) (<-chan Event, func()) {
	sub := &subscription{queue: make(chan Event, b.cfg.bufferSize), channels: map[Channel]bool{}}
	for _, ch := range channels {
		sub.channels[ch] = true
	}
	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		sub.close()
		return sub.queue, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.queue, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
}

// Publish delivers evt to every interested subscriber.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if b == nil {
		return nil
	}
	evt = normalize(evt)
	if err := evt.Validate(); err != nil {
		return err
	}
	ch, _ := evt.Type.Channel()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.sealed {
		return ErrBusSealed
	}
	for _, sub := range b.subs {
		if !sub.wants(ch) {
			continue
		}
		select {
		case sub.queue <- evt:
		default:
			b.dropped.Add(1)
			b.cfg.logger.Warn(ctx, "event dropped", "type", evt.Type, "session", evt.SessionID)
		}
	}
	return nil
}

// Dropped reports how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Seal rejects further events and closes every subscription.
func (b *Bus) Seal() error {
	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		return ErrBusSealed
	}
	b.sealed = true
	subs := b.subs
	b.subs = map[int]*subscription{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}
