package kafka

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"consentline/internal/broker"
)

// Record header keys carrying message properties. Application headers are
// prefixed with userHeaderPrefix.
const (
	hdrMessageID     = "x-message-id"
	hdrCorrelationID = "x-correlation-id"
	hdrReplyTo       = "x-reply-to"
	hdrExpirationMS  = "x-expiration-ms"
	hdrPublishedAt   = "x-published-at"
	hdrDeath         = "x-death"

	userHeaderPrefix = "h-"
)

func encode(topic string, msg broker.Message) (*kgo.Record, error) {
	rec := &kgo.Record{
		Topic: topic,
		Value: msg.Body,
	}
	key := msg.CorrelationID
	if key == "" {
		key = msg.ID
	}
	rec.Key = []byte(key)

	add := func(k, v string) {
		if v != "" {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	add(hdrMessageID, msg.ID)
	add(hdrCorrelationID, msg.CorrelationID)
	add(hdrReplyTo, msg.ReplyTo)
	if msg.Expiration > 0 {
		add(hdrExpirationMS, strconv.FormatInt(msg.Expiration.Milliseconds(), 10))
	}
	add(hdrPublishedAt, msg.PublishedAt.UTC().Format(time.RFC3339Nano))
	if len(msg.Deaths) > 0 {
		raw, err := json.Marshal(msg.Deaths)
		if err != nil {
			return nil, err
		}
		add(hdrDeath, string(raw))
	}
	for k, v := range msg.Headers {
		add(userHeaderPrefix+k, v)
	}
	return rec, nil
}

func decode(rec *kgo.Record) (broker.Message, error) {
	msg := broker.Message{Body: rec.Value}
	for _, h := range rec.Headers {
		v := string(h.Value)
		switch h.Key {
		case hdrMessageID:
			msg.ID = v
		case hdrCorrelationID:
			msg.CorrelationID = v
		case hdrReplyTo:
			msg.ReplyTo = v
		case hdrExpirationMS:
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return msg, err
			}
			msg.Expiration = time.Duration(ms) * time.Millisecond
		case hdrPublishedAt:
			at, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return msg, err
			}
			msg.PublishedAt = at
		case hdrDeath:
			if err := json.Unmarshal(h.Value, &msg.Deaths); err != nil {
				return msg, err
			}
		default:
			if k, ok := strings.CutPrefix(h.Key, userHeaderPrefix); ok {
				msg.SetHeader(k, v)
			}
		}
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = rec.Timestamp
	}
	return msg, nil
}

// visibleAt is when a message held in spec's queue dead-letters onward.
func visibleAt(spec broker.QueueSpec, msg broker.Message) time.Time {
	ttl := msg.Expiration
	if spec.MessageTTL > 0 && (ttl == 0 || spec.MessageTTL < ttl) {
		ttl = spec.MessageTTL
	}
	return msg.PublishedAt.Add(ttl)
}
