// ABOUTME: Tests for the recently-seen key cache
// ABOUTME: A fake clock drives expiry; goleak checks the cleanup goroutine stops

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestCache_CheckAndMark(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Minute, 100, 0, WithClock(clock.Now))
	defer c.Close()

	assert.False(t, c.CheckAndMark("u1"), "first sighting is new")
	assert.True(t, c.CheckAndMark("u1"), "second sighting inside the TTL is a repeat")
	assert.True(t, c.Check("u1"))
	assert.False(t, c.Check("u2"))

	clock.Advance(time.Minute)
	assert.False(t, c.Check("u1"), "expired at exactly the TTL")
	assert.False(t, c.CheckAndMark("u1"), "expired key is marked again")
	assert.True(t, c.CheckAndMark("u1"))
}

func TestCache_MarkRefreshesTimestamp(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Minute, 100, 0, WithClock(clock.Now))
	defer c.Close()

	c.Mark("k")
	clock.Advance(45 * time.Second)
	c.Mark("k")
	clock.Advance(45 * time.Second)

	assert.True(t, c.Check("k"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_Forget(t *testing.T) {
	c := New(time.Hour, 100, 0)
	defer c.Close()

	c.Mark("k")
	c.Forget("k")
	c.Forget("never-marked")

	assert.False(t, c.CheckAndMark("k"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldest(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Hour, 3, 0, WithClock(clock.Now))
	defer c.Close()

	for _, k := range []string{"a", "b", "c"} {
		c.Mark(k)
		clock.Advance(time.Second)
	}
	// Refreshing a moves it to the back, so b is now oldest
	c.Mark("a")
	c.Mark("d")

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Check("a"))
	assert.False(t, c.Check("b"))
	assert.True(t, c.Check("c"))
	assert.True(t, c.Check("d"))
}

func TestCache_RunCleanup(t *testing.T) {
	clock := newFakeClock()
	c := New(time.Minute, 100, 0, WithClock(clock.Now))
	defer c.Close()

	c.Mark("old")
	clock.Advance(2 * time.Minute)
	c.Mark("fresh")

	c.runCleanup()

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Check("fresh"))
}

func TestCache_CheckAndMark_Concurrent(t *testing.T) {
	c := New(time.Hour, 1000, 0)
	defer c.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("shared") {
				fresh.Add(1)
			}
			c.Mark(fmt.Sprintf("own-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load(), "exactly one goroutine sees the key as new")
	assert.Equal(t, 51, c.Len())
}

func TestCache_CloseStopsCleanup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := New(time.Minute, 10, time.Millisecond)
	c.Mark("k")
	c.Close()
	c.Close()

	require.Equal(t, 1, c.Len())
}
