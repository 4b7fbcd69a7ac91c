// Package memory is an in-process broker with the same dead-letter, TTL and
// prefetch semantics as the kafka broker. It backs local runs and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"consentline/internal/broker"
	"consentline/pkg/platform/sentinel"
)

type entry struct {
	msg       broker.Message
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type queue struct {
	spec      broker.QueueSpec
	ready     []*entry
	consumers []*consumer
	next      int
}

type consumer struct {
	ch       *channel
	q        *queue
	out      chan broker.Delivery
	prefetch int
	unacked  map[uint64]*delivery
	done     bool
	stop     chan struct{}
}

// Broker is safe for concurrent use.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	now      func() time.Time
	nextTag  uint64
	closed   bool
	wake     chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
	channels atomic.Int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the time source used for TTL decisions.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// New starts a broker and its expiry loop.
func New(opts ...Option) *Broker {
	b := &Broker{
		queues:  make(map[string]*queue),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.expiryLoop()
	return b
}

func (b *Broker) Declare(_ context.Context, specs ...broker.QueueSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, spec := range specs {
		if q, ok := b.queues[spec.Name]; ok {
			q.spec = spec
			continue
		}
		b.queues[spec.Name] = &queue{spec: spec}
	}
	return nil
}

func (b *Broker) OpenChannel(_ context.Context) (broker.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, sentinel.ErrClosed
	}
	b.channels.Add(1)
	return &channel{b: b}, nil
}

// OpenChannels reports channels not yet closed.
func (b *Broker) OpenChannels() int {
	return int(b.channels.Load())
}

// Depth reports messages waiting in queue, excluding unsettled deliveries.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.ready)
	}
	return 0
}

// Tick re-evaluates TTLs immediately. Tests with a fake clock call it after
// advancing time.
func (b *Broker) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()
}

func (b *Broker) Peek(_ context.Context, name string, limit int) ([]broker.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("queue %s: %w", name, sentinel.ErrNotFound)
	}
	out := make([]broker.Message, 0, min(limit, len(q.ready)))
	for _, e := range q.ready {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e.msg.Clone())
	}
	return out, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		for _, c := range slices.Clone(q.consumers) {
			b.cancelConsumerLocked(c)
		}
	}
	b.mu.Unlock()
	close(b.stop)
	<-b.stopped
	return nil
}

func (b *Broker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// expiryLoop sleeps until the earliest pending expiration, then sweeps.
func (b *Broker) expiryLoop() {
	defer close(b.stopped)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		b.mu.Lock()
		b.sweepLocked()
		wait := b.nextExpiryLocked()
		b.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-b.stop:
			return
		case <-b.wake:
		case <-timer.C:
		}
	}
}

func (b *Broker) nextExpiryLocked() time.Duration {
	now := b.now()
	wait := time.Hour
	for _, q := range b.queues {
		for _, e := range q.ready {
			if e.expiresAt.IsZero() {
				continue
			}
			if d := e.expiresAt.Sub(now); d < wait {
				wait = d
			}
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// sweepLocked dead-letters every expired message, then dispatches. Each
// message expires on its own deadline rather than waiting for the head.
func (b *Broker) sweepLocked() {
	now := b.now()
	for _, q := range b.queues {
		kept := q.ready[:0]
		var expired []*entry
		for _, e := range q.ready {
			if e.expired(now) {
				expired = append(expired, e)
				continue
			}
			kept = append(kept, e)
		}
		q.ready = kept
		for _, e := range expired {
			b.deadLetterLocked(q, e.msg, broker.ReasonExpired)
		}
	}
	for _, q := range b.queues {
		b.dispatchLocked(q)
	}
}

func (b *Broker) enqueueLocked(q *queue, msg broker.Message) {
	now := b.now()
	e := &entry{msg: msg}
	if msg.Expiration > 0 {
		e.expiresAt = now.Add(msg.Expiration)
	}
	if q.spec.MessageTTL > 0 {
		if at := now.Add(q.spec.MessageTTL); e.expiresAt.IsZero() || at.Before(e.expiresAt) {
			e.expiresAt = at
		}
	}
	q.ready = append(q.ready, e)
	b.dispatchLocked(q)
	b.signal()
}

// deadLetterLocked routes msg to q's dead-letter target, dropping it when the
// queue has none.
func (b *Broker) deadLetterLocked(q *queue, msg broker.Message, reason string) {
	if q.spec.DeadLetterTo == "" {
		return
	}
	target, ok := b.queues[q.spec.DeadLetterTo]
	if !ok {
		return
	}
	msg.RecordDeath(q.spec.Name, reason, b.now())
	msg.Expiration = 0
	b.enqueueLocked(target, msg)
}

func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.pickConsumer()
		if c == nil {
			return
		}
		e := q.ready[0]
		q.ready = q.ready[1:]
		b.nextTag++
		msg := e.msg.Clone()
		d := &delivery{b: b, c: c, queue: q.spec.Name, tag: b.nextTag, msg: &msg, raw: e.msg}
		c.unacked[d.tag] = d
		c.out <- d
	}
}

// pickConsumer returns the next consumer with prefetch headroom, round-robin.
func (q *queue) pickConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if len(c.unacked) < c.prefetch {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

// cancelConsumerLocked detaches c and requeues its unsettled deliveries at
// the head of the queue in their original order.
func (b *Broker) cancelConsumerLocked(c *consumer) {
	if c.done {
		return
	}
	c.done = true
	q := c.q
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 {
		q.next %= len(q.consumers)
	} else {
		q.next = 0
	}

	pending := make([]*delivery, 0, len(c.unacked))
	for _, d := range c.unacked {
		pending = append(pending, d)
	}
	// Lower tags were delivered first.
	slices.SortFunc(pending, func(a, b *delivery) int { return cmp.Compare(a.tag, b.tag) })
	requeued := make([]*entry, 0, len(pending))
	for _, d := range pending {
		requeued = append(requeued, &entry{msg: d.raw})
	}
	q.ready = append(requeued, q.ready...)
	c.unacked = map[uint64]*delivery{}
	close(c.out)
	close(c.stop)
	b.dispatchLocked(q)
}

type channel struct {
	b         *Broker
	mu        sync.Mutex
	consumers []*consumer
	closed    bool
}

func (ch *channel) Publish(_ context.Context, name string, msg broker.Message) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return sentinel.ErrClosed
	}

	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return sentinel.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("queue %s: %w", name, sentinel.ErrNotFound)
	}
	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = b.now()
	}
	b.enqueueLocked(q, msg)
	return nil
}

func (ch *channel) Consume(ctx context.Context, name string, prefetch int) (<-chan broker.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, sentinel.ErrClosed
	}

	b := ch.b
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("queue %s: %w", name, sentinel.ErrNotFound)
	}
	c := &consumer{
		ch:       ch,
		q:        q,
		out:      make(chan broker.Delivery, prefetch),
		prefetch: prefetch,
		unacked:  make(map[uint64]*delivery),
		stop:     make(chan struct{}),
	}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	b.dispatchLocked(q)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.stop:
			return
		}
		b.mu.Lock()
		b.cancelConsumerLocked(c)
		b.mu.Unlock()
	}()
	return c.out, nil
}

func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	consumers := ch.consumers
	ch.consumers = nil
	ch.mu.Unlock()

	b := ch.b
	b.mu.Lock()
	for _, c := range consumers {
		b.cancelConsumerLocked(c)
	}
	b.mu.Unlock()
	b.channels.Add(-1)
	return nil
}

type delivery struct {
	b     *Broker
	c     *consumer
	queue string
	tag   uint64
	msg   *broker.Message
	raw   broker.Message
}

func (d *delivery) Message() *broker.Message { return d.msg }

func (d *delivery) Queue() string { return d.queue }

// settleLocked removes the delivery from its consumer, failing when it was
// already settled or requeued by a channel close.
func (d *delivery) settleLocked() error {
	if _, ok := d.c.unacked[d.tag]; !ok {
		return fmt.Errorf("delivery %d: %w", d.tag, sentinel.ErrInvalidState)
	}
	delete(d.c.unacked, d.tag)
	return nil
}

func (d *delivery) Ack(_ context.Context) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if err := d.settleLocked(); err != nil {
		return err
	}
	d.b.dispatchLocked(d.c.q)
	return nil
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	if err := d.settleLocked(); err != nil {
		return err
	}
	q := d.c.q
	if requeue {
		q.ready = append([]*entry{{msg: d.raw}}, q.ready...)
	} else {
		d.b.deadLetterLocked(q, d.raw.Clone(), broker.ReasonRejected)
	}
	d.b.dispatchLocked(q)
	return nil
}
