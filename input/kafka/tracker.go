package kafka

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// offsetTracker keeps, per partition, the offsets handed out by Poll in
// delivery order. Kafka commits a single watermark per partition, so only the
// contiguous prefix of resolved offsets is committable; an abandoned record
// pins the watermark until the partition is revoked.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[string]*partitionTrack
}

type partitionTrack struct {
	topic     string
	partition int32

	// pending offsets in delivery order, with the record needed to commit
	pending  []pendingRecord
	resolved map[int64]struct{}

	// committable is the highest record whose predecessors are all resolved
	// and which has not been committed yet
	committable *kgo.Record
}

type pendingRecord struct {
	offset int64
	record *kgo.Record
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[string]*partitionTrack)}
}

// track registers a polled record
func (t *offsetTracker) track(stream string, rec *kgo.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[stream]
	if !ok {
		p = &partitionTrack{
			topic:     rec.Topic,
			partition: rec.Partition,
			resolved:  make(map[int64]struct{}),
		}
		t.partitions[stream] = p
	}
	p.pending = append(p.pending, pendingRecord{offset: rec.Offset, record: rec})
}

// resolve marks offsets as done and advances each touched partition's
// watermark. Offsets of revoked partitions and offsets already behind the
// watermark are ignored.
func (t *offsetTracker) resolve(stream string, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[stream]
	if !ok || len(p.pending) == 0 || offset < p.pending[0].offset {
		return
	}
	p.resolved[offset] = struct{}{}
	for len(p.pending) > 0 {
		head := p.pending[0]
		if _, done := p.resolved[head.offset]; !done {
			break
		}
		delete(p.resolved, head.offset)
		p.committable = head.record
		p.pending = p.pending[1:]
	}
}

// committable returns the records to commit, one per partition
func (t *offsetTracker) committable() []*kgo.Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var recs []*kgo.Record
	for _, p := range t.partitions {
		if p.committable != nil {
			recs = append(recs, p.committable)
		}
	}
	return recs
}

// committed clears the committable marker of every partition whose marker
// is still one of recs
func (t *offsetTracker) committed(recs []*kgo.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range recs {
		p, ok := t.partitions[streamOf(rec.Topic, rec.Partition)]
		if ok && p.committable == rec {
			p.committable = nil
		}
	}
}

// pending returns the number of unresolved offsets across partitions
func (t *offsetTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.partitions {
		n += len(p.pending)
	}
	return n
}

// drop forgets revoked or lost partitions
func (t *offsetTracker) drop(assignments map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for topic, partitions := range assignments {
		for _, partition := range partitions {
			delete(t.partitions, streamOf(topic, partition))
		}
	}
}
