package kafka

import "sync"

// offsetTracker orders asynchronous acknowledgements of one partition claim.
// Kafka commits a single position per partition, so an offset can only be
// marked once every earlier offset of the claim has been acknowledged.
type offsetTracker struct {
	mu          sync.Mutex
	outstanding []int64
	acked       map[int64]struct{}
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{acked: make(map[int64]struct{})}
}

// track registers a delivered offset. Offsets must be tracked in increasing
// order, which is the order a claim hands them out.
func (t *offsetTracker) track(offset int64) {
	t.mu.Lock()
	t.outstanding = append(t.outstanding, offset)
	t.mu.Unlock()
}

// ack acknowledges offset and returns the position to mark, i.e. one past
// the highest contiguously acknowledged offset. ok is false when the
// position did not move.
func (t *offsetTracker) ack(offset int64) (next int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.acked[offset] = struct{}{}
	for len(t.outstanding) > 0 {
		head := t.outstanding[0]
		if _, done := t.acked[head]; !done {
			break
		}
		delete(t.acked, head)
		t.outstanding = t.outstanding[1:]
		next, ok = head+1, true
	}
	return next, ok
}

// pending is the number of tracked offsets not yet passed by the mark.
func (t *offsetTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}
