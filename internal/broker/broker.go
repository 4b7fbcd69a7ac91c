// Package broker models the queue semantics the pipeline relies on: per-queue
// dead-letter routing, queue and per-message TTLs, and death metadata carried
// on the message so retry counts survive process restarts.
package broker

import (
	"context"
	"maps"
	"time"
)

// Death reasons recorded on a message when it leaves a queue without an ack.
const (
	ReasonRejected = "rejected"
	ReasonExpired  = "expired"
)

// Death is one x-death record: how many times the message died in Queue for Reason.
type Death struct {
	Queue  string    `json:"queue"`
	Reason string    `json:"reason"`
	Count  int       `json:"count"`
	Time   time.Time `json:"time"`
}

// Message is the unit moved between queues.
type Message struct {
	ID            string
	Body          []byte
	Headers       map[string]string
	CorrelationID string
	ReplyTo       string
	// Expiration delays visibility on queues without consumers; the message
	// dead-letters once it elapses. Cleared when a message is dead-lettered.
	Expiration  time.Duration
	Deaths      []Death
	PublishedAt time.Time
}

// DeathCount returns how many times the message died in queue for reason.
func (m *Message) DeathCount(queue, reason string) int {
	for _, d := range m.Deaths {
		if d.Queue == queue && d.Reason == reason {
			return d.Count
		}
	}
	return 0
}

// RecordDeath increments the (queue, reason) record and moves it to the front,
// mirroring how the most recent death is listed first.
func (m *Message) RecordDeath(queue, reason string, at time.Time) {
	for i, d := range m.Deaths {
		if d.Queue == queue && d.Reason == reason {
			d.Count++
			d.Time = at
			m.Deaths = append(m.Deaths[:i], m.Deaths[i+1:]...)
			m.Deaths = append([]Death{d}, m.Deaths...)
			return
		}
	}
	m.Deaths = append([]Death{{Queue: queue, Reason: reason, Count: 1, Time: at}}, m.Deaths...)
}

// Clone returns a deep copy safe to mutate and republish.
func (m Message) Clone() Message {
	out := m
	out.Body = append([]byte(nil), m.Body...)
	out.Headers = maps.Clone(m.Headers)
	out.Deaths = append([]Death(nil), m.Deaths...)
	return out
}

// Header returns a header value, tolerating a nil map.
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header, allocating the map on first use.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// QueueSpec declares a queue. DeadLetterTo receives rejected and expired
// messages; MessageTTL applies to every message in the queue. Holding queues
// (retry and delay) have no consumers: messages wait out their TTL there.
type QueueSpec struct {
	Name         string
	DeadLetterTo string
	MessageTTL   time.Duration
	Holding      bool
}

// Delivery is a message handed to a consumer, pending settlement.
type Delivery interface {
	Message() *Message
	Queue() string
	Ack(ctx context.Context) error
	// Nack rejects the delivery. requeue=false routes it to the queue's
	// dead-letter target with a rejected death record.
	Nack(ctx context.Context, requeue bool) error
}

// Channel is a held broker session. Closing it requeues unsettled deliveries.
type Channel interface {
	Publish(ctx context.Context, queue string, msg Message) error
	// Consume streams deliveries with at most prefetch unsettled at a time.
	// The returned channel closes when ctx ends or the channel closes.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)
	Close() error
}

// Broker owns queues and hands out channels.
type Broker interface {
	Declare(ctx context.Context, specs ...QueueSpec) error
	OpenChannel(ctx context.Context) (Channel, error)
	// Peek returns up to limit waiting messages without consuming them.
	Peek(ctx context.Context, queue string, limit int) ([]Message, error)
	Close() error
}

// Publisher is the narrow port handlers and scanners publish through.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg Message) error
}
