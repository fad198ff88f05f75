// Package memory provides in-process task and notification repositories.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/harvest-armada/internal/domain/task"
)

var (
	_ task.Repository             = (*TaskStore)(nil)
	_ task.NotificationRepository = (*NotificationStore)(nil)
)

// TaskStore is a mutex guarded task.Repository. Every method is atomic with
// respect to the others, mirroring the row-level atomicity of the SQL store.
type TaskStore struct {
	mu          sync.Mutex
	nextID      task.ID
	resourceNum int64
	defs        map[task.ID]*task.Definition
	progress    map[task.ID]task.Progress
	receipts    map[task.ID]map[uuid.UUID]task.EventReceipt
}

// NewTaskStore creates an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		defs:     make(map[task.ID]*task.Definition),
		progress: make(map[task.ID]task.Progress),
		receipts: make(map[task.ID]map[uuid.UUID]task.EventReceipt),
	}
}

func (s *TaskStore) NextID(context.Context) (task.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.nextID++
		if _, taken := s.defs[s.nextID]; !taken {
			return s.nextID, nil
		}
	}
}

func (s *TaskStore) Create(_ context.Context, def *task.Definition, p task.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[def.ID()]; ok {
		return fmt.Errorf("task %d: %w", def.ID(), task.ErrTaskExists)
	}
	s.defs[def.ID()] = def
	s.progress[def.ID()] = p
	s.receipts[def.ID()] = make(map[uuid.UUID]task.EventReceipt)
	return nil
}

func (s *TaskStore) GetDefinition(_ context.Context, id task.ID) (*task.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defs[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	return def, nil
}

func (s *TaskStore) GetProgress(_ context.Context, id task.ID) (task.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[id]
	if !ok {
		return task.Progress{}, task.ErrTaskNotFound
	}
	return p, nil
}

func (s *TaskStore) ReserveEvent(_ context.Context, id task.ID, eventID uuid.UUID) (task.EventReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipts, ok := s.receipts[id]
	if !ok {
		return task.EventReceipt{}, task.ErrTaskNotFound
	}
	if r, seen := receipts[eventID]; seen {
		return r, nil
	}
	s.resourceNum++
	r := task.EventReceipt{ResourceNum: s.resourceNum}
	receipts[eventID] = r
	return r, nil
}

func (s *TaskStore) SwapEventBucket(
	_ context.Context,
	id task.ID,
	eventID uuid.UUID,
	expected, bucketID string,
) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	receipts, ok := s.receipts[id]
	if !ok {
		return "", task.ErrTaskNotFound
	}
	r, ok := receipts[eventID]
	if !ok {
		return "", task.ErrEventNotReserved
	}
	if r.BucketID == expected && !r.Applied {
		r.BucketID = bucketID
		receipts[eventID] = r
	}
	return r.BucketID, nil
}

func (s *TaskStore) ApplyEvent(_ context.Context, id task.ID, eventID uuid.UUID, delta task.Delta) (task.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[id]
	if !ok {
		return task.Progress{}, task.ErrTaskNotFound
	}
	r, ok := s.receipts[id][eventID]
	if !ok {
		return task.Progress{}, task.ErrEventNotReserved
	}
	if r.Applied {
		return p, task.ErrDuplicateEvent
	}
	r.Applied = true
	s.receipts[id][eventID] = r

	p.Counters = p.Counters.Add(delta)
	s.progress[id] = p
	return p, nil
}

func (s *TaskStore) Transition(
	_ context.Context,
	id task.ID,
	from []task.State,
	target task.State,
	description string,
	at time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[id]
	if !ok {
		return false, task.ErrTaskNotFound
	}
	if !slices.Contains(from, p.State) {
		return false, nil
	}
	if err := p.Transition(target, description, at); err != nil {
		return false, err
	}
	s.progress[id] = p
	return true, nil
}

func (s *TaskStore) SetExpected(_ context.Context, id task.ID, expected, postExpected int64) (task.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[id]
	if !ok {
		return task.Progress{}, task.ErrTaskNotFound
	}
	p.Counters.Expected = expected
	if postExpected >= 0 {
		p.Counters.PostExpected = postExpected
	}
	s.progress[id] = p
	return p, nil
}

func (s *TaskStore) Delete(_ context.Context, id task.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return task.ErrTaskNotFound
	}
	delete(s.defs, id)
	delete(s.progress, id)
	delete(s.receipts, id)
	return nil
}

// NotificationStore keeps notifications per task and bucket.
type NotificationStore struct {
	mu     sync.RWMutex
	events map[task.ID]map[string]map[int64]task.NotificationEvent
}

// NewNotificationStore creates an empty store.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{events: make(map[task.ID]map[string]map[int64]task.NotificationEvent)}
}

func (s *NotificationStore) Append(_ context.Context, evt task.NotificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buckets, ok := s.events[evt.TaskID]
	if !ok {
		buckets = make(map[string]map[int64]task.NotificationEvent)
		s.events[evt.TaskID] = buckets
	}
	rows, ok := buckets[evt.BucketID]
	if !ok {
		rows = make(map[int64]task.NotificationEvent)
		buckets[evt.BucketID] = rows
	}
	evt.AdditionalInfo = maps.Clone(evt.AdditionalInfo)
	rows[evt.ResourceNum] = evt
	return nil
}

func (s *NotificationStore) ListBucket(
	_ context.Context,
	id task.ID,
	bucketID string,
	afterNum int64,
	limit int,
) ([]task.NotificationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.events[id][bucketID]
	out := make([]task.NotificationEvent, 0, len(rows))
	for num, evt := range rows {
		if num > afterNum {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceNum < out[j].ResourceNum })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *NotificationStore) DeleteBucket(_ context.Context, id task.ID, bucketID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.events[id][bucketID]))
	delete(s.events[id], bucketID)
	if len(s.events[id]) == 0 {
		delete(s.events, id)
	}
	return n, nil
}
