// Package bucket models logically single counters and collections that are
// physically split across time-ordered partitions ("buckets") so no single
// partition grows without bound.
package bucket

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrBucketNotFound is returned when navigation or a targeted decrement
// names a bucket that does not exist.
var ErrBucketNotFound = errors.New("bucket not found")

// Bucket is one partition of a logical object.
type Bucket struct {
	ObjectID string

	// ID orders buckets by creation time.
	ID   string
	Rows int64
}

// IsZero reports whether b is the empty "no bucket" value.
func (b Bucket) IsZero() bool { return b.ID == "" }

// Store partitions a logical counter or collection per object id across
// buckets. Counter changes are applied atomically by the storage layer.
type Store interface {
	// CurrentBucket returns the most recently opened bucket, or false if the
	// object has no bucket.
	CurrentBucket(ctx context.Context, objectID string) (Bucket, bool, error)

	// Increment adds one row to the current bucket, opening a new bucket when
	// the current one has reached the ceiling. It returns the bucket that
	// received the row.
	Increment(ctx context.Context, objectID string) (Bucket, error)

	// Decrement removes one row from the current bucket. A bucket whose count
	// reaches zero is deleted. Decrementing an object without buckets is a
	// logged no-op.
	Decrement(ctx context.Context, objectID string) error

	// DecrementBucket removes n rows from a specific bucket, deleting it at
	// zero. Returns ErrBucketNotFound if the bucket does not exist.
	DecrementBucket(ctx context.Context, objectID, bucketID string, n int64) error

	// AllBuckets returns a lazy iterator over the object's buckets in id
	// order, starting after fromID (empty for the beginning).
	AllBuckets(ctx context.Context, objectID, fromID string) Iterator

	// NextBucket returns the first bucket with an id greater than afterID.
	NextBucket(ctx context.Context, objectID, afterID string) (Bucket, bool, error)

	// PreviousBucket returns the last bucket with an id smaller than beforeID.
	PreviousBucket(ctx context.Context, objectID, beforeID string) (Bucket, bool, error)
}

// Iterator walks buckets lazily. It is finite and can be restarted by
// creating a new one from any bucket id.
type Iterator interface {
	// Next returns the next bucket, or false when exhausted.
	Next(ctx context.Context) (Bucket, bool, error)
}

// Navigator is the single-step navigation subset of Store.
type Navigator interface {
	NextBucket(ctx context.Context, objectID, afterID string) (Bucket, bool, error)
}

// NavIterator implements Iterator on top of NextBucket so every store gets a
// restartable, lazily paged scan for free.
type NavIterator struct {
	nav      Navigator
	objectID string
	cursor   string
	done     bool
}

// NewNavIterator returns an iterator over objectID starting after fromID.
func NewNavIterator(nav Navigator, objectID, fromID string) *NavIterator {
	return &NavIterator{nav: nav, objectID: objectID, cursor: fromID}
}

// Next implements Iterator.
func (it *NavIterator) Next(ctx context.Context) (Bucket, bool, error) {
	if it.done {
		return Bucket{}, false, nil
	}
	b, ok, err := it.nav.NextBucket(ctx, it.objectID, it.cursor)
	if err != nil {
		return Bucket{}, false, err
	}
	if !ok {
		it.done = true
		return Bucket{}, false, nil
	}
	it.cursor = b.ID
	return b, true, nil
}

// Collect drains it. Intended for tests and small objects.
func Collect(ctx context.Context, it Iterator) ([]Bucket, error) {
	var out []Bucket
	for {
		b, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, b)
	}
}

// IDGenerator produces bucket ids whose lexical order equals creation order.
type IDGenerator interface {
	NewID(t time.Time) string
}

// ULIDGenerator draws ids from a monotonic ULID source, so ids minted within
// the same millisecond still sort in creation order.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewULIDGenerator returns a generator seeded from crypto/rand.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewID implements IDGenerator.
func (g *ULIDGenerator) NewID(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

// NotificationsObject is the object id of a task's notification collection.
func NotificationsObject(taskID string) string { return "notifications/" + taskID }
