// Package kafka maps the broker semantics onto Kafka topics with franz-go.
// Each queue is a topic consumed by its own consumer group. Rejection and
// expiry are implemented by producing a copy to the dead-letter topic before
// committing the original; holding topics are drained by pumps that forward
// each record once its TTL elapses.
package kafka

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"consentline/internal/broker"
	"consentline/internal/platform/config"
	"consentline/pkg/platform/sentinel"
)

const (
	defaultPartitions = 3
	peekTimeout       = 5 * time.Second
	pumpPollInterval  = time.Second
)

// Broker is a franz-go backed broker.Broker.
type Broker struct {
	cfg      config.KafkaConfig
	producer *kgo.Client
	admin    *kadm.Client
	logger   *slog.Logger

	mu     sync.RWMutex
	specs  map[string]broker.QueueSpec
	pumps  map[string]bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects the shared producer and admin client.
func New(cfg config.KafkaConfig, logger *slog.Logger) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no seed brokers configured")
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:      cfg,
		producer: producer,
		admin:    kadm.NewClient(producer),
		logger:   logger,
		specs:    make(map[string]broker.QueueSpec),
		pumps:    make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Declare creates missing topics and starts a pump for every holding queue.
func (b *Broker) Declare(ctx context.Context, specs ...broker.QueueSpec) error {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	resp, err := b.admin.CreateTopics(ctx, defaultPartitions, -1, nil, names...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range specs {
		b.specs[s.Name] = s
		if s.Holding && s.DeadLetterTo != "" && !b.pumps[s.Name] {
			b.pumps[s.Name] = true
			b.wg.Add(1)
			go func(spec broker.QueueSpec) {
				defer b.wg.Done()
				b.runPump(b.ctx, spec)
			}(s)
		}
	}
	return nil
}

func (b *Broker) spec(name string) (broker.QueueSpec, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.specs[name]
	return s, ok
}

func (b *Broker) publish(ctx context.Context, queue string, msg broker.Message) error {
	if _, ok := b.spec(queue); !ok {
		return fmt.Errorf("queue %s: %w", queue, sentinel.ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now()
	}
	rec, err := encode(queue, msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", queue, err)
	}
	return nil
}

// deadLetter forwards msg from spec's queue to its dead-letter topic.
func (b *Broker) deadLetter(ctx context.Context, spec broker.QueueSpec, msg broker.Message, reason string) error {
	if spec.DeadLetterTo == "" {
		return nil
	}
	msg = msg.Clone()
	msg.RecordDeath(spec.Name, reason, time.Now())
	msg.Expiration = 0
	msg.PublishedAt = time.Time{}
	return b.publish(ctx, spec.DeadLetterTo, msg)
}

func (b *Broker) OpenChannel(ctx context.Context) (broker.Channel, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, sentinel.ErrClosed
	}
	return &channel{b: b}, nil
}

// Peek reads up to limit retained records of queue from the earliest offset.
func (b *Broker) Peek(ctx context.Context, queue string, limit int) ([]broker.Message, error) {
	if _, ok := b.spec(queue); !ok {
		return nil, fmt.Errorf("queue %s: %w", queue, sentinel.ErrNotFound)
	}
	ends, err := b.admin.ListEndOffsets(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("list end offsets: %w", err)
	}
	remaining := map[int32]int64{}
	ends.Each(func(o kadm.ListedOffset) {
		if o.Err == nil && o.Offset > 0 {
			remaining[o.Partition] = o.Offset
		}
	})
	if len(remaining) == 0 {
		return nil, nil
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.cfg.ClientID+"-peek"),
		kgo.ConsumeTopics(queue),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("peek client: %w", err)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(ctx, peekTimeout)
	defer cancel()

	var out []broker.Message
	for len(remaining) > 0 && (limit <= 0 || len(out) < limit) {
		fetches := cl.PollFetches(ctx)
		if ctx.Err() != nil {
			break
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			end, open := remaining[rec.Partition]
			if !open {
				return
			}
			if rec.Offset+1 >= end {
				delete(remaining, rec.Partition)
			}
			if limit > 0 && len(out) >= limit {
				return
			}
			if msg, err := decode(rec); err == nil {
				out = append(out, msg)
			}
		})
	}
	return out, nil
}

// Close stops pumps and releases the producer.
func (b *Broker) Close() error {
	b.cancel()
	b.wg.Wait()
	b.producer.Close()
	return nil
}

type channel struct {
	b       *Broker
	mu      sync.Mutex
	clients []*kgo.Client
	cancels []context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

func (ch *channel) Publish(ctx context.Context, queue string, msg broker.Message) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return sentinel.ErrClosed
	}
	return ch.b.publish(ctx, queue, msg.Clone())
}

func (ch *channel) Consume(ctx context.Context, queue string, prefetch int) (<-chan broker.Delivery, error) {
	spec, ok := ch.b.spec(queue)
	if !ok {
		return nil, fmt.Errorf("queue %s: %w", queue, sentinel.ErrNotFound)
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	tracker := newOffsetTracker()
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(ch.b.cfg.Brokers...),
		kgo.ClientID(ch.b.cfg.ClientID),
		kgo.ConsumerGroup(ch.b.cfg.ConsumerGroup+"."+queue),
		kgo.ConsumeTopics(queue),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
			tracker.revoke(lost)
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
			tracker.revoke(lost)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("consumer client: %w", err)
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		cl.Close()
		return nil, sentinel.ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	ch.clients = append(ch.clients, cl)
	ch.cancels = append(ch.cancels, cancel)
	ch.wg.Add(1)
	ch.mu.Unlock()

	out := make(chan broker.Delivery)
	sem := make(chan struct{}, prefetch)
	go func() {
		defer ch.wg.Done()
		defer close(out)
		for {
			fetches := cl.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			for _, fe := range fetches.Errors() {
				ch.b.logger.WarnContext(ctx, "kafka fetch error",
					"topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
			}
			iter := fetches.RecordIter()
			for !iter.Done() {
				rec := iter.Next()
				msg, err := decode(rec)
				if err != nil {
					// Undecodable records cannot be retried meaningfully; skip past them.
					ch.b.logger.ErrorContext(ctx, "dropping undecodable record",
						"topic", rec.Topic, "offset", rec.Offset, "error", err)
					tracker.track(rec)
					if c := tracker.settle(rec); c != nil {
						_ = cl.CommitRecords(ctx, c)
					}
					continue
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				tracker.track(rec)
				d := &delivery{
					b:       ch.b,
					cl:      cl,
					spec:    spec,
					rec:     rec,
					raw:     msg,
					msg:     msg.Clone(),
					tracker: tracker,
					release: func() { <-sem },
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	cancels, clients := ch.cancels, ch.clients
	ch.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	ch.wg.Wait()
	for _, cl := range clients {
		cl.Close()
	}
	return nil
}

type delivery struct {
	b       *Broker
	cl      *kgo.Client
	spec    broker.QueueSpec
	rec     *kgo.Record
	raw     broker.Message
	msg     broker.Message
	tracker *offsetTracker
	release func()

	once    sync.Once
	settled bool
	mu      sync.Mutex
}

func (d *delivery) Message() *broker.Message { return &d.msg }

func (d *delivery) Queue() string { return d.spec.Name }

func (d *delivery) settle(ctx context.Context) error {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return fmt.Errorf("offset %d: %w", d.rec.Offset, sentinel.ErrInvalidState)
	}
	d.settled = true
	d.mu.Unlock()
	d.once.Do(d.release)

	if c := d.tracker.settle(d.rec); c != nil {
		if err := d.cl.CommitRecords(ctx, c); err != nil {
			return fmt.Errorf("commit offset: %w", err)
		}
	}
	return nil
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.settle(ctx)
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	var err error
	if requeue {
		err = d.b.publish(ctx, d.spec.Name, d.raw.Clone())
	} else {
		err = d.b.deadLetter(ctx, d.spec, d.raw, broker.ReasonRejected)
	}
	if err != nil {
		// The offset stays uncommitted; free the slot so the stream keeps
		// moving until the consumer restarts the session.
		d.once.Do(d.release)
		return err
	}
	return d.settle(ctx)
}

// held is a record waiting out its TTL in a holding topic.
type held struct {
	rec     *kgo.Record
	msg     broker.Message
	visible time.Time
}

type heldHeap []*held

func (h heldHeap) Len() int           { return len(h) }
func (h heldHeap) Less(i, j int) bool { return h[i].visible.Before(h[j].visible) }
func (h heldHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *heldHeap) Push(x any)        { *h = append(*h, x.(*held)) }
func (h *heldHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// runPump drains a holding topic, forwarding each record to the dead-letter
// target once it becomes visible. Records are released by deadline, not by
// position, and committed only when every earlier record has been forwarded.
func (b *Broker) runPump(ctx context.Context, spec broker.QueueSpec) {
	var (
		mu      sync.Mutex
		pending heldHeap
	)
	tracker := newOffsetTracker()
	revoke := func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
		tracker.revoke(lost)
		mu.Lock()
		defer mu.Unlock()
		kept := pending[:0]
		for _, h := range pending {
			drop := false
			for _, p := range lost[h.rec.Topic] {
				if p == h.rec.Partition {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, h)
			}
		}
		pending = kept
		heap.Init(&pending)
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ClientID(b.cfg.ClientID+"-pump"),
		kgo.ConsumerGroup(b.cfg.ConsumerGroup+".pump."+spec.Name),
		kgo.ConsumeTopics(spec.Name),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsRevoked(revoke),
		kgo.OnPartitionsLost(revoke),
	)
	if err != nil {
		b.logger.Error("holding queue pump failed to start", "queue", spec.Name, "error", err)
		return
	}
	defer cl.Close()

	b.logger.Info("holding queue pump started", "queue", spec.Name, "dead_letter_to", spec.DeadLetterTo)
	for ctx.Err() == nil {
		wait := pumpPollInterval
		mu.Lock()
		if len(pending) > 0 {
			if until := time.Until(pending[0].visible); until < wait {
				wait = max(until, time.Millisecond)
			}
		}
		mu.Unlock()

		pollCtx, cancel := context.WithTimeout(ctx, wait)
		fetches := cl.PollFetches(pollCtx)
		cancel()
		if fetches.IsClientClosed() {
			return
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
				continue
			}
			b.logger.Warn("holding queue fetch error", "queue", spec.Name, "error", fe.Err)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			msg, err := decode(rec)
			tracker.track(rec)
			if err != nil {
				b.logger.Error("dropping undecodable held record", "queue", spec.Name, "offset", rec.Offset, "error", err)
				if c := tracker.settle(rec); c != nil {
					_ = cl.CommitRecords(ctx, c)
				}
				return
			}
			mu.Lock()
			heap.Push(&pending, &held{rec: rec, msg: msg, visible: visibleAt(spec, msg)})
			mu.Unlock()
		})

		b.forwardDue(ctx, cl, spec, &mu, &pending, tracker)
	}
}

func (b *Broker) forwardDue(ctx context.Context, cl *kgo.Client, spec broker.QueueSpec, mu *sync.Mutex, pending *heldHeap, tracker *offsetTracker) {
	now := time.Now()
	for {
		mu.Lock()
		if pending.Len() == 0 || (*pending)[0].visible.After(now) {
			mu.Unlock()
			return
		}
		h := heap.Pop(pending).(*held)
		mu.Unlock()

		if err := b.deadLetter(ctx, spec, h.msg, broker.ReasonExpired); err != nil {
			b.logger.Error("forwarding expired message failed", "queue", spec.Name, "message_id", h.msg.ID, "error", err)
			mu.Lock()
			h.visible = now.Add(pumpPollInterval)
			heap.Push(pending, h)
			mu.Unlock()
			return
		}
		if c := tracker.settle(h.rec); c != nil {
			if err := cl.CommitRecords(ctx, c); err != nil {
				b.logger.Warn("holding queue commit failed", "queue", spec.Name, "error", err)
			}
		}
	}
}
