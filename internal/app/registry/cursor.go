package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ahrav/harvest-armada/internal/domain/bucket"
	"github.com/ahrav/harvest-armada/internal/domain/task"
)

// Cursor positions a notification listing. The zero cursor starts at the
// first bucket.
type Cursor struct {
	BucketID    string
	ResourceNum int64
}

// String encodes the cursor for transport as "<bucket>:<resource num>".
func (c Cursor) String() string {
	if c.BucketID == "" {
		return ""
	}
	return c.BucketID + ":" + strconv.FormatInt(c.ResourceNum, 10)
}

// ParseCursor decodes the String form. The empty string is the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	bucketID, num, ok := strings.Cut(s, ":")
	if !ok || bucketID == "" {
		return Cursor{}, fmt.Errorf("malformed cursor %q", s)
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor %q: %w", s, err)
	}
	return Cursor{BucketID: bucketID, ResourceNum: n}, nil
}

// Page is one slice of a task's notifications.
type Page struct {
	Events []task.NotificationEvent

	// Next resumes the listing after the last event of this page.
	Next Cursor

	// Done is set when no notifications follow this page.
	Done bool
}

// ListNotifications returns up to limit notifications of a task starting
// after cursor. Buckets are visited in creation order and events within a
// bucket in resource-number order, so pagination never scans the whole
// collection.
func (s *Service) ListNotifications(ctx context.Context, id task.ID, cursor Cursor, limit int) (Page, error) {
	if limit <= 0 {
		limit = 100
	}
	objectID := bucket.NotificationsObject(id.String())

	cur := cursor
	if cur.BucketID == "" {
		first, ok, err := s.nextBucket(ctx, objectID, "")
		if err != nil {
			return Page{}, err
		}
		if !ok {
			return Page{Done: true}, nil
		}
		cur = Cursor{BucketID: first.ID}
	}

	var page Page
	for len(page.Events) < limit {
		var evts []task.NotificationEvent
		err := s.do(ctx, "notification.list_bucket", func(ctx context.Context) error {
			var err error
			evts, err = s.notifications.ListBucket(ctx, id, cur.BucketID, cur.ResourceNum, limit-len(page.Events))
			return err
		})
		if err != nil {
			return Page{}, fmt.Errorf("failed to list notifications of task %d: %w", id, err)
		}
		page.Events = append(page.Events, evts...)
		if n := len(evts); n > 0 {
			cur.ResourceNum = evts[n-1].ResourceNum
		}
		if len(page.Events) >= limit {
			break
		}

		next, ok, err := s.nextBucket(ctx, objectID, cur.BucketID)
		if err != nil {
			return Page{}, err
		}
		if !ok {
			page.Done = true
			break
		}
		cur = Cursor{BucketID: next.ID}
	}

	page.Next = cur
	return page, nil
}

func (s *Service) nextBucket(ctx context.Context, objectID, afterID string) (bucket.Bucket, bool, error) {
	var (
		b  bucket.Bucket
		ok bool
	)
	err := s.do(ctx, "bucket.next", func(ctx context.Context) error {
		var err error
		b, ok, err = s.buckets.NextBucket(ctx, objectID, afterID)
		return err
	})
	if err != nil {
		return bucket.Bucket{}, false, fmt.Errorf("failed to navigate buckets of %s: %w", objectID, err)
	}
	return b, ok, nil
}
