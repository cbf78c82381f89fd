package runstore

import (
	"sync"
	"sync/atomic"

	"github.com/glowback/gateway/internal/schema"
)

// subscriberBuffer is the bounded mailbox capacity for one observer.
const subscriberBuffer = 100

// Subscription is one observer's bounded mailbox of run events.
//
// Delivery is best effort: when the mailbox is full the producer drops the
// event for this subscriber only and increments the drop counter. A
// subscriber that observed a drop can recover by re-subscribing and
// replaying from its last seen event id.
type Subscription struct {
	ch    chan schema.BacktestEvent
	drops atomic.Uint64
	once  sync.Once
}

func newSubscription() *Subscription {
	return &Subscription{ch: make(chan schema.BacktestEvent, subscriberBuffer)}
}

// Events returns the receive side of the mailbox. The channel is closed when
// the subscription is removed from its run.
func (s *Subscription) Events() <-chan schema.BacktestEvent {
	return s.ch
}

// Drops reports how many events were discarded because the mailbox was full.
func (s *Subscription) Drops() uint64 {
	return s.drops.Load()
}

// offer enqueues without blocking; a full mailbox counts a drop.
func (s *Subscription) offer(evt schema.BacktestEvent) bool {
	select {
	case s.ch <- evt:
		return true
	default:
		s.drops.Add(1)
		return false
	}
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.ch)
	})
}
