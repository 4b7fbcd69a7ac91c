package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SessionPublisher publishes over one held channel, opened on first use and
// reopened after a failed publish.
type SessionPublisher struct {
	broker Broker
	now    func() time.Time

	mu sync.Mutex
	ch Channel
}

func NewSessionPublisher(b Broker) *SessionPublisher {
	return &SessionPublisher{broker: b, now: time.Now}
}

// Publish stamps PublishedAt when unset and sends msg to queue.
func (p *SessionPublisher) Publish(ctx context.Context, queue string, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		ch, err := p.broker.OpenChannel(ctx)
		if err != nil {
			return fmt.Errorf("open publish channel: %w", err)
		}
		p.ch = ch
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = p.now().UTC()
	}
	if err := p.ch.Publish(ctx, queue, msg); err != nil {
		_ = p.ch.Close()
		p.ch = nil
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Close releases the held channel.
func (p *SessionPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

var _ Publisher = (*SessionPublisher)(nil)
