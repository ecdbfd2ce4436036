package engine

import (
	"sync"

	"github.com/harrison/maestro/internal/models"
)

// ChannelPublisher fans events out to subscribers through an internal queue
// drained by a single consumer loop. Publish never blocks the caller and
// never re-enters a completion transition: delivery always happens on the
// drain goroutine.
type ChannelPublisher struct {
	mu          sync.Mutex
	subscribers []chan models.Event
	queue       chan models.Event
	done        chan struct{}
	closeOnce   sync.Once
	dropped     int
}

// NewChannelPublisher creates a publisher with the given queue depth.
func NewChannelPublisher(depth int) *ChannelPublisher {
	if depth <= 0 {
		depth = 256
	}
	p := &ChannelPublisher{
		queue: make(chan models.Event, depth),
		done:  make(chan struct{}),
	}
	go p.drain()
	return p
}

// Subscribe returns a channel receiving every event published after the call.
// Slow subscribers drop events rather than stalling the drain loop.
func (p *ChannelPublisher) Subscribe(depth int) <-chan models.Event {
	if depth <= 0 {
		depth = 64
	}
	ch := make(chan models.Event, depth)
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}

// Publish enqueues an event without blocking. Events beyond the queue depth
// are dropped and counted.
func (p *ChannelPublisher) Publish(event models.Event) {
	select {
	case <-p.done:
	case p.queue <- event:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (p *ChannelPublisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close stops the drain loop and closes all subscriber channels.
func (p *ChannelPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

func (p *ChannelPublisher) drain() {
	for {
		select {
		case <-p.done:
			p.mu.Lock()
			subs := p.subscribers
			p.subscribers = nil
			p.mu.Unlock()
			for _, ch := range subs {
				close(ch)
			}
			return
		case event := <-p.queue:
			p.mu.Lock()
			subs := make([]chan models.Event, len(p.subscribers))
			copy(subs, p.subscribers)
			p.mu.Unlock()
			for _, ch := range subs {
				select {
				case ch <- event:
				default:
				}
			}
		}
	}
}
