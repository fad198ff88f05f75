// Package timeutil abstracts the wall clock so that TTL caches, timestamps and
// retry delays can be controlled deterministically in tests.
package timeutil

import (
	"sync"
	"time"
)

// Provider supplies the current time.
type Provider interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realProvider struct{}

// Default returns the system clock.
func Default() Provider { return realProvider{} }

func (realProvider) Now() time.Time        { return time.Now() }
func (realProvider) Sleep(d time.Duration) { time.Sleep(d) }

// Mock is a manually advanced clock.
type Mock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

// NewMock returns a Mock pinned at t.
func NewMock(t time.Time) *Mock { return &Mock{CurrentTime: t} }

// Now returns the pinned time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentTime
}

// Sleep advances the clock instead of blocking.
func (m *Mock) Sleep(d time.Duration) { m.Advance(d) }

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}
