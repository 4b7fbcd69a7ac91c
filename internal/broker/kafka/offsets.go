package kafka

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type partitionKey struct {
	topic     string
	partition int32
}

type partitionState struct {
	pending []int64
	settled map[int64]*kgo.Record
}

// offsetTracker turns out-of-order settlement into in-order commits: a
// record becomes committable only once every earlier record of its
// partition has settled.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionState
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[partitionKey]*partitionState)}
}

// track registers a fetched record. Records of one partition arrive in
// ascending offset order.
func (t *offsetTracker) track(rec *kgo.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := partitionKey{rec.Topic, rec.Partition}
	st, ok := t.partitions[k]
	if !ok {
		st = &partitionState{settled: make(map[int64]*kgo.Record)}
		t.partitions[k] = st
	}
	st.pending = append(st.pending, rec.Offset)
}

// settle marks rec done and returns the highest record now safe to commit,
// or nil when an earlier record is still outstanding.
func (t *offsetTracker) settle(rec *kgo.Record) *kgo.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.partitions[partitionKey{rec.Topic, rec.Partition}]
	if !ok {
		return nil
	}
	known := false
	for _, off := range st.pending {
		if off == rec.Offset {
			known = true
			break
		}
	}
	if !known {
		return nil
	}
	st.settled[rec.Offset] = rec

	var commit *kgo.Record
	for len(st.pending) > 0 {
		r, done := st.settled[st.pending[0]]
		if !done {
			break
		}
		delete(st.settled, st.pending[0])
		st.pending = st.pending[1:]
		commit = r
	}
	return commit
}

// revoke forgets partitions handed to another group member.
func (t *offsetTracker) revoke(lost map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, parts := range lost {
		for _, p := range parts {
			delete(t.partitions, partitionKey{topic, p})
		}
	}
}
