package ttlcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/harvest-armada/pkg/common/timeutil"
)

func TestCache_ExpiresAfterTTL(t *testing.T) {
	clock := timeutil.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New[int, string](8, time.Second, clock)

	c.Add(1, "one")
	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "one", v)

	clock.Advance(2 * time.Second)
	_, ok = c.Get(1)
	assert.False(t, ok)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	clock := timeutil.NewMock(time.Now())
	c := New[string, int](2, time.Minute, clock)

	c.Add("a", 1)
	c.Add("b", 2)
	_, _ = c.Get("a")
	c.Add("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCache_AddWithTTLAndRemove(t *testing.T) {
	clock := timeutil.NewMock(time.Now())
	c := New[int, bool](4, time.Second, clock)

	c.AddWithTTL(7, true, time.Hour)
	clock.Advance(time.Minute)
	v, ok := c.Get(7)
	assert.True(t, ok)
	assert.True(t, v)

	c.Remove(7)
	_, ok = c.Get(7)
	assert.False(t, ok)
}
