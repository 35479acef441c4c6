package monitor

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCounters(t *testing.T) {
	m := New(zerolog.Nop())

	m.AddItemProcessed()
	m.AddItemProcessed()
	m.AddBytesRead(100)
	m.AddBytesWritten(40)
	m.AddQueryStarted()
	m.AddQueryStarted()
	m.AddQueryCompleted()
	m.SetStageProgress(0.5)
	m.SetStageTaskInfo("fetch", 4, 2)
	m.SetStageTaskInfo("load", 8, 0)

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.ItemsProcessed)
	assert.Equal(t, int64(100), s.BytesRead)
	assert.Equal(t, int64(40), s.BytesWritten)
	assert.Equal(t, int64(2), s.QueriesStarted)
	assert.Equal(t, int64(1), s.QueriesCompleted)
	assert.Equal(t, 0.5, s.StageProgress)
	require.Len(t, s.Stages, 2)
	assert.Equal(t, StageInfo{Name: "fetch", Limit: 4, Count: 2}, s.Stages[0])
	assert.Equal(t, StageInfo{Name: "load", Limit: 8, Count: 0}, s.Stages[1])
}

func TestRates_AreSmoothed(t *testing.T) {
	clock := newFakeClock()
	m := New(zerolog.Nop(), WithClock(clock.Now))

	// The first observation only seeds the meter.
	for i := 0; i < 100; i++ {
		m.AddItemProcessed()
	}

	clock.Advance(time.Second)
	m.Render()

	s := m.Snapshot()
	assert.InDelta(t, 99.0, s.ItemsPerSecond, 0.001)

	// A second window at a different rate is averaged with the first.
	for i := 0; i < 50; i++ {
		m.AddItemProcessed()
	}
	clock.Advance(time.Second)
	m.Render()

	s = m.Snapshot()
	assert.InDelta(t, (99.0+50.0)/2, s.ItemsPerSecond, 0.001)
}

func TestRateMeter_IgnoresShortWindows(t *testing.T) {
	var r rateMeter
	start := time.Now()

	r.observe(0, start, DefaultSampleWindow)
	r.observe(10, start.Add(10*time.Millisecond), DefaultSampleWindow)
	assert.Equal(t, 0.0, r.average())

	r.observe(20, start.Add(200*time.Millisecond), DefaultSampleWindow)
	assert.InDelta(t, 100.0, r.average(), 0.001)
}

func TestRateMeter_KeepsFixedDepth(t *testing.T) {
	var r rateMeter
	at := time.Now()
	r.observe(0, at, time.Millisecond)

	var value int64
	// Twenty windows at 1/s followed by ten at 5/s leaves only the latter.
	for i := 0; i < 20; i++ {
		at = at.Add(time.Second)
		value++
		r.observe(value, at, time.Millisecond)
	}
	for i := 0; i < rateDepth; i++ {
		at = at.Add(time.Second)
		value += 5
		r.observe(value, at, time.Millisecond)
	}
	assert.InDelta(t, 5.0, r.average(), 0.001)
}

func TestRender_IsThrottled(t *testing.T) {
	clock := newFakeClock()
	buf := &bytes.Buffer{}
	m := New(zerolog.New(buf), WithClock(clock.Now), WithRenderInterval(5*time.Second))

	for i := 0; i < 50; i++ {
		m.AddItemProcessed()
	}
	assert.Equal(t, 0, m.RenderCount())

	clock.Advance(6 * time.Second)
	m.AddItemProcessed()
	m.AddItemProcessed()
	assert.Equal(t, 1, m.RenderCount())

	clock.Advance(5 * time.Second)
	m.AddBytesRead(1)
	assert.Equal(t, 2, m.RenderCount())

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, `"message":"Progress"`))
	assert.Contains(t, out, `"items_processed":52`)
}

func TestConcurrentMutation(t *testing.T) {
	m := New(zerolog.Nop(), WithRenderInterval(time.Millisecond))

	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.AddItemProcessed()
				m.AddBytesWritten(2)
			}
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	assert.Equal(t, int64(10000), s.ItemsProcessed)
	assert.Equal(t, int64(20000), s.BytesWritten)
}
