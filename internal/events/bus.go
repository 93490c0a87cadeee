// Package events is an in-process fan-out bus keyed by (kind, id).
//
// Delivery is push-only and lossy for slow consumers: a subscriber whose
// buffer is full when an event is published is dropped and its channel
// closed. Publishers never block.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/pkg/models"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Kind names a family of channels.
type Kind string

const (
	KindBuild   Kind = "build"
	KindPreview Kind = "preview"
	KindUser    Kind = "user"
	KindFlow    Kind = "flow"
)

// Key identifies one channel.
type Key struct {
	Kind Kind
	ID   string
}

// Subscription is one consumer of a channel. C is closed when the
// subscriber unsubscribes, is dropped, or the channel is closed.
type Subscription struct {
	C <-chan models.Event

	key     Key
	ch      chan models.Event
	closed  bool
	dropped bool
}

// Key returns the channel the subscription listens on.
func (s *Subscription) Key() Key { return s.key }

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	buffer int
	subs   map[Key]map[*Subscription]struct{}
}

// New returns a bus with the given per-subscriber buffer.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{buffer: buffer, subs: make(map[Key]map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber on key.
func (b *Bus) Subscribe(key Key) *Subscription {
	ch := make(chan models.Event, b.buffer)
	sub := &Subscription{C: ch, key: key, ch: ch}
	b.mu.Lock()
	set, ok := b.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[key] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscription) {
	if set, ok := b.subs[sub.key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.key)
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish delivers ev to every subscriber of key without blocking and
// returns how many received it. Subscribers with a full buffer are
// dropped.
func (b *Bus) Publish(key Key, ev models.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	for sub := range b.subs[key] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.dropped = true
			b.removeLocked(sub)
			log.Warn().Str("kind", string(key.Kind)).Str("id", key.ID).Msg("dropping slow event subscriber")
		}
	}
	return delivered
}

// Close ends a channel: every current subscriber's channel is closed.
func (b *Bus) Close(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[key] {
		b.removeLocked(sub)
	}
}

// Subscribers returns the current subscriber count of key.
func (b *Bus) Subscribers(key Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

// Dropped reports whether the bus dropped sub for falling behind.
func (b *Bus) Dropped(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sub.dropped
}
