// Package memory provides an in-process bucket.Store for tests and
// single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ahrav/harvest-armada/internal/domain/bucket"
	"github.com/ahrav/harvest-armada/pkg/common/logger"
	"github.com/ahrav/harvest-armada/pkg/common/timeutil"
)

var _ bucket.Store = (*Store)(nil)

// Store keeps buckets per object id sorted by bucket id.
type Store struct {
	mu      sync.Mutex
	objects map[string][]bucket.Bucket

	ceiling int64
	ids     bucket.IDGenerator
	clock   timeutil.Provider
	logger  *logger.Logger
}

// NewStore creates a store that opens a new bucket once the current one
// holds ceiling rows.
func NewStore(ceiling int64, ids bucket.IDGenerator, clock timeutil.Provider, log *logger.Logger) *Store {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Store{
		objects: make(map[string][]bucket.Bucket),
		ceiling: ceiling,
		ids:     ids,
		clock:   clock,
		logger:  log.With("component", "bucket_store", "backend", "memory"),
	}
}

func (s *Store) CurrentBucket(_ context.Context, objectID string) (bucket.Bucket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs := s.objects[objectID]
	if len(bs) == 0 {
		return bucket.Bucket{}, false, nil
	}
	return bs[len(bs)-1], true, nil
}

func (s *Store) Increment(_ context.Context, objectID string) (bucket.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs := s.objects[objectID]
	if n := len(bs); n > 0 && bs[n-1].Rows < s.ceiling {
		bs[n-1].Rows++
		return bs[n-1], nil
	}

	b := bucket.Bucket{ObjectID: objectID, ID: s.ids.NewID(s.clock.Now()), Rows: 1}
	if n := len(bs); n > 0 && b.ID <= bs[n-1].ID {
		return bucket.Bucket{}, fmt.Errorf("bucket id %s does not sort after %s", b.ID, bs[n-1].ID)
	}
	s.objects[objectID] = append(bs, b)
	return b, nil
}

func (s *Store) Decrement(ctx context.Context, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs := s.objects[objectID]
	if len(bs) == 0 {
		s.logger.Warn(ctx, "decrement on object without buckets ignored", "object_id", objectID)
		return nil
	}
	s.decrementAt(objectID, len(bs)-1, 1)
	return nil
}

func (s *Store) DecrementBucket(_ context.Context, objectID, bucketID string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.find(objectID, bucketID)
	if !ok {
		return fmt.Errorf("object %s bucket %s: %w", objectID, bucketID, bucket.ErrBucketNotFound)
	}
	s.decrementAt(objectID, idx, n)
	return nil
}

// decrementAt must be called with mu held.
func (s *Store) decrementAt(objectID string, idx int, n int64) {
	bs := s.objects[objectID]
	bs[idx].Rows -= n
	if bs[idx].Rows > 0 {
		return
	}
	bs = append(bs[:idx], bs[idx+1:]...)
	if len(bs) == 0 {
		delete(s.objects, objectID)
		return
	}
	s.objects[objectID] = bs
}

func (s *Store) find(objectID, bucketID string) (int, bool) {
	bs := s.objects[objectID]
	i := sort.Search(len(bs), func(i int) bool { return bs[i].ID >= bucketID })
	return i, i < len(bs) && bs[i].ID == bucketID
}

func (s *Store) AllBuckets(_ context.Context, objectID, fromID string) bucket.Iterator {
	return bucket.NewNavIterator(s, objectID, fromID)
}

func (s *Store) NextBucket(_ context.Context, objectID, afterID string) (bucket.Bucket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs := s.objects[objectID]
	i := sort.Search(len(bs), func(i int) bool { return bs[i].ID > afterID })
	if i == len(bs) {
		return bucket.Bucket{}, false, nil
	}
	return bs[i], true, nil
}

// PreviousBucket treats an empty beforeID as "after the last bucket".
func (s *Store) PreviousBucket(_ context.Context, objectID, beforeID string) (bucket.Bucket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bs := s.objects[objectID]
	i := len(bs)
	if beforeID != "" {
		i = sort.Search(len(bs), func(i int) bool { return bs[i].ID >= beforeID })
	}
	if i == 0 {
		return bucket.Bucket{}, false, nil
	}
	return bs[i-1], true, nil
}
