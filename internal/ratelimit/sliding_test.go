package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestNew_Defaults(t *testing.T) {
	sw := New(Config{})
	assert.Equal(t, DefaultLimit, sw.Limit())
	assert.Equal(t, DefaultWindow, sw.Window())
}

func TestSlidingWindow_Windowing(t *testing.T) {
	clk := newClock()
	sw := New(Config{Limit: 3, Window: 60 * time.Second, Now: clk.Now})

	for i := 0; i < 3; i++ {
		assert.True(t, sw.Allow("x"), "call %d", i+1)
		clk.Advance(200 * time.Millisecond)
	}
	assert.False(t, sw.Allow("x"), "4th call within the same second")

	clk.Advance(61 * time.Second)
	assert.True(t, sw.Allow("x"))
}

func TestSlidingWindow_BoundaryIsInclusive(t *testing.T) {
	clk := newClock()
	sw := New(Config{Limit: 1, Window: 10 * time.Second, Now: clk.Now})

	require.True(t, sw.Allow("x"))

	clk.Advance(10 * time.Second)
	d := sw.Check("x")
	assert.False(t, d.Allowed, "request exactly window old still counts")
	assert.Equal(t, time.Nanosecond, d.RetryAfter)

	clk.Advance(time.Nanosecond)
	assert.True(t, sw.Allow("x"))
}

func TestSlidingWindow_DecisionFields(t *testing.T) {
	clk := newClock()
	sw := New(Config{Limit: 2, Window: time.Minute, Now: clk.Now})

	d := sw.Check("x")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, clk.Now().Add(time.Minute), d.ResetAt)

	clk.Advance(20 * time.Second)
	d = sw.Check("x")
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	clk.Advance(10 * time.Second)
	d = sw.Check("x")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 30*time.Second+time.Nanosecond, d.RetryAfter)
}

func TestSlidingWindow_DeniedNotRecorded(t *testing.T) {
	clk := newClock()
	sw := New(Config{Limit: 1, Window: time.Minute, Now: clk.Now})

	require.True(t, sw.Allow("x"))
	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Second)
		assert.False(t, sw.Allow("x"))
	}
	// only the first request occupies the window
	clk.Advance(10*time.Second + time.Nanosecond)
	assert.True(t, sw.Allow("x"))
}

func TestSlidingWindow_IdentifiersIndependent(t *testing.T) {
	clk := newClock()
	sw := New(Config{Limit: 1, Window: time.Minute, Now: clk.Now})

	assert.True(t, sw.Allow("a"))
	assert.False(t, sw.Allow("a"))
	assert.True(t, sw.Allow("b"))
}

func TestSlidingWindow_Sweep(t *testing.T) {
	clk := newClock()
	sw := New(Config{Limit: 5, Window: time.Minute, Now: clk.Now})

	for i := 0; i < 10; i++ {
		sw.Allow(fmt.Sprintf("id-%d", i))
	}
	clk.Advance(30 * time.Second)
	sw.Allow("fresh")
	assert.Equal(t, 11, sw.Len())

	clk.Advance(31 * time.Second)
	assert.Equal(t, 10, sw.Sweep())
	assert.Equal(t, 1, sw.Len())
}

func TestSlidingWindow_Concurrent(t *testing.T) {
	clk := newClock()
	const limit = 10
	sw := New(Config{Limit: limit, Window: time.Minute, Now: clk.Now})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sw.Allow("shared") {
				allowed.Add(1)
			}
			sw.Allow(fmt.Sprintf("other-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
	assert.Equal(t, 101, sw.Len())
}
