// Package memory provides an in-process ledger.Repository.
package memory

import (
	"context"
	"sync"

	"github.com/ahrav/harvest-armada/internal/domain/ledger"
	"github.com/ahrav/harvest-armada/internal/domain/task"
)

var _ ledger.Repository = (*Store)(nil)

type key struct{ dataset, record string }

// Store is a mutex guarded ledger keyed by (dataset id, record id).
type Store struct {
	mu      sync.RWMutex
	entries map[key]ledger.Entry
}

// NewStore creates an empty ledger.
func NewStore() *Store { return &Store{entries: make(map[key]ledger.Entry)} }

func (s *Store) Get(_ context.Context, datasetID, recordID string) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key{datasetID, recordID}]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (s *Store) Put(_ context.Context, e ledger.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{e.DatasetID, e.RecordID}
	if cur, ok := s.entries[k]; ok && !e.RunAt.After(cur.RunAt) {
		return false, nil
	}
	s.entries[k] = e
	return true, nil
}

func (s *Store) DeleteByTask(_ context.Context, taskID task.ID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, e := range s.entries {
		if e.TaskID == taskID {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}
