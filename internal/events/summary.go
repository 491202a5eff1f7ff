package events

import (
	"sync"

	"github.com/vadiminshakov/cabinet/internal/domain"
)

// SummaryBroadcaster fans out account summaries to all subscribers via buffered channels.
type SummaryBroadcaster struct {
	mu     sync.RWMutex
	subs   map[chan domain.AccountSummary]struct{}
	last   domain.AccountSummary
	seen   bool
	buffer int
}

// NewSummaryBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewSummaryBroadcaster(buffer int) *SummaryBroadcaster {
	if buffer < 1 {
		buffer = 16
	}
	return &SummaryBroadcaster{
		subs:   make(map[chan domain.AccountSummary]struct{}),
		buffer: buffer,
	}
}

// Publish sends the summary to all subscribers, dropping it for slow readers.
func (b *SummaryBroadcaster) Publish(s domain.AccountSummary) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = s
	b.seen = true
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
			// drop slow consumer
		}
	}
}

// Last returns the most recently published summary.
func (b *SummaryBroadcaster) Last() (domain.AccountSummary, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.seen
}

// Subscribe returns a channel that receives summaries until Unsubscribe is called.
// The last published summary, if any, is delivered first.
func (b *SummaryBroadcaster) Subscribe() chan domain.AccountSummary {
	ch := make(chan domain.AccountSummary, b.buffer)
	b.mu.Lock()
	if b.seen {
		ch <- b.last
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *SummaryBroadcaster) Unsubscribe(ch chan domain.AccountSummary) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of active subscribers.
func (b *SummaryBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
