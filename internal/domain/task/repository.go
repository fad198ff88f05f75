package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists task definitions and progress. Implementations must
// apply counter changes and state transitions atomically at the storage
// layer; callers never read-modify-write progress.
type Repository interface {
	// NextID reserves a system-assigned task id.
	NextID(ctx context.Context) (ID, error)

	// Create stores a definition together with its initial progress.
	// Returns ErrTaskExists if the id is taken.
	Create(ctx context.Context, def *Definition, progress Progress) error

	// GetDefinition returns ErrTaskNotFound if absent.
	GetDefinition(ctx context.Context, id ID) (*Definition, error)

	// GetProgress returns ErrTaskNotFound if absent.
	GetProgress(ctx context.Context, id ID) (Progress, error)

	// ReserveEvent records eventID as received and assigns its resource
	// sequence number. Reserving an event again returns the stored receipt,
	// so a redelivered event resumes where the previous delivery stopped.
	ReserveEvent(ctx context.Context, id ID, eventID uuid.UUID) (EventReceipt, error)

	// SwapEventBucket sets the receipt's bucket to bucketID if it is still
	// expected ("" for none) and the event is not applied yet. It returns the
	// bucket the receipt holds afterwards.
	SwapEventBucket(ctx context.Context, id ID, eventID uuid.UUID, expected, bucketID string) (string, error)

	// ApplyEvent adds delta to the counters of the receipt's bucket and marks
	// the receipt applied, atomically. It returns the progress after the
	// change, or ErrDuplicateEvent if the event was already applied.
	ApplyEvent(ctx context.Context, id ID, eventID uuid.UUID, delta Delta) (Progress, error)

	// Transition moves the task to target if its current state is one of
	// from. It reports whether this call performed the transition; exactly
	// one of several concurrent callers observes true.
	Transition(ctx context.Context, id ID, from []State, target State, description string, at time.Time) (bool, error)

	// SetExpected sets the expected count and, when postExpected >= 0, the
	// post-processing expected count.
	SetExpected(ctx context.Context, id ID, expected, postExpected int64) (Progress, error)

	// Delete removes the definition, progress, counters and event receipts
	// of a task.
	Delete(ctx context.Context, id ID) error
}

// EventReceipt tracks one notification through recording.
type EventReceipt struct {
	ResourceNum int64
	// BucketID is empty until a notification bucket row is reserved.
	BucketID string
	Applied  bool
}

// NotificationRepository stores notifications partitioned by bucket.
type NotificationRepository interface {
	// Append stores evt in the bucket named by evt.BucketID. Appending an
	// event whose (task, bucket, resource num) already exists overwrites it.
	Append(ctx context.Context, evt NotificationEvent) error

	// ListBucket returns up to limit events of one bucket with a resource
	// number greater than afterNum, ordered by resource number.
	ListBucket(ctx context.Context, id ID, bucketID string, afterNum int64, limit int) ([]NotificationEvent, error)

	// DeleteBucket removes every event in a bucket and returns how many
	// were removed.
	DeleteBucket(ctx context.Context, id ID, bucketID string) (int64, error)
}

// KillFlag is the persisted cancellation marker of a task.
type KillFlag struct {
	TaskID      ID
	Reason      string
	RequestedAt time.Time
}

// KillFlagRepository stores cancellation flags. A flag, once set, is never
// cleared except by deleting the task.
type KillFlagRepository interface {
	// Set stores the flag. Setting an already set flag keeps the original.
	Set(ctx context.Context, flag KillFlag) error
	IsSet(ctx context.Context, id ID) (bool, error)
	Delete(ctx context.Context, id ID) error
}
