// Package memory provides an in-process task.KillFlagRepository.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ahrav/harvest-armada/internal/domain/task"
)

var _ task.KillFlagRepository = (*Store)(nil)

// Store keeps kill flags in a map. Reads counts storage round trips so cache
// behaviour can be asserted in tests.
type Store struct {
	mu    sync.RWMutex
	flags map[task.ID]task.KillFlag
	reads atomic.Int64
}

// NewStore creates an empty store.
func NewStore() *Store { return &Store{flags: make(map[task.ID]task.KillFlag)} }

func (s *Store) Set(_ context.Context, flag task.KillFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[flag.TaskID]; ok {
		return nil
	}
	s.flags[flag.TaskID] = flag
	return nil
}

func (s *Store) IsSet(_ context.Context, id task.ID) (bool, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.flags[id]
	return ok, nil
}

func (s *Store) Delete(_ context.Context, id task.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, id)
	return nil
}

// Reads returns how many IsSet calls reached the store.
func (s *Store) Reads() int64 { return s.reads.Load() }
