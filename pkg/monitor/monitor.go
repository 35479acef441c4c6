// Package monitor aggregates pipeline counters and periodically logs a
// rate-normalised snapshot of them.
package monitor

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultRenderInterval is the minimum time between two snapshots.
	DefaultRenderInterval = 5 * time.Second

	// DefaultSampleWindow is the minimum window a rate sample covers.
	DefaultSampleWindow = 100 * time.Millisecond
)

// StageInfo is the occupancy of one stage pool.
type StageInfo struct {
	Name  string
	Limit int
	Count int
}

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	Elapsed time.Duration

	ItemsProcessed   int64
	BytesRead        int64
	BytesWritten     int64
	QueriesStarted   int64
	QueriesCompleted int64

	ItemsPerSecond        float64
	BytesReadPerSecond    float64
	BytesWrittenPerSecond float64
	QueriesPerSecond      float64

	StageProgress float64
	MemoryRSS     uint64
	Stages        []StageInfo
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithRenderInterval overrides DefaultRenderInterval.
func WithRenderInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.renderInterval = d
		}
	}
}

// WithClock replaces time.Now (for tests).
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor owns every pipeline counter. All mutators are safe for
// concurrent use and never block behind rendering.
type Monitor struct {
	itemsProcessed   atomic.Int64
	bytesRead        atomic.Int64
	bytesWritten     atomic.Int64
	queriesStarted   atomic.Int64
	queriesCompleted atomic.Int64
	progress         atomic.Float64

	stagesMu sync.Mutex
	stages   map[string]StageInfo

	// gate guards everything below it.
	gate        *semaphore.Weighted
	itemsRate   rateMeter
	readRate    rateMeter
	writtenRate rateMeter
	queriesRate rateMeter
	lastRender  time.Time
	renderCount int

	renderInterval time.Duration
	sampleWindow   time.Duration
	now            func() time.Time
	started        time.Time
	proc           *process.Process
	logger         zerolog.Logger
}

// New creates a Monitor that logs snapshots to logger.
func New(logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		stages:         make(map[string]StageInfo),
		gate:           semaphore.NewWeighted(1),
		renderInterval: DefaultRenderInterval,
		sampleWindow:   DefaultSampleWindow,
		now:            time.Now,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	m.lastRender = m.started

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
	} else {
		logger.Debug().Err(err).Msg("Process memory unavailable")
	}
	return m
}

// AddItemProcessed counts one persisted message.
func (m *Monitor) AddItemProcessed() {
	m.itemsProcessed.Inc()
	itemsProcessedTotal.Inc()
	m.tick()
}

// AddBytesRead counts bytes consumed from input storage.
func (m *Monitor) AddBytesRead(n int64) {
	m.bytesRead.Add(n)
	bytesTotal.WithLabelValues("read").Add(float64(n))
	m.tick()
}

// AddBytesWritten counts bytes written to the store.
func (m *Monitor) AddBytesWritten(n int64) {
	m.bytesWritten.Add(n)
	bytesTotal.WithLabelValues("written").Add(float64(n))
	m.tick()
}

// AddQueryStarted counts an issued store query.
func (m *Monitor) AddQueryStarted() {
	m.queriesStarted.Inc()
	queriesTotal.WithLabelValues("started").Inc()
	m.tick()
}

// AddQueryCompleted counts a finished store query.
func (m *Monitor) AddQueryCompleted() {
	m.queriesCompleted.Inc()
	queriesTotal.WithLabelValues("completed").Inc()
	m.tick()
}

// SetStageProgress records the completed fraction of the fetch stage.
func (m *Monitor) SetStageProgress(fraction float64) {
	m.progress.Store(fraction)
	stageProgress.Set(fraction)
	m.tick()
}

// SetStageTaskInfo records the occupancy of a stage pool.
func (m *Monitor) SetStageTaskInfo(name string, limit, count int) {
	m.stagesMu.Lock()
	m.stages[name] = StageInfo{Name: name, Limit: limit, Count: count}
	m.stagesMu.Unlock()
	stageTasks.WithLabelValues(name).Set(float64(count))
	m.tick()
}

// Snapshot returns the current totals and smoothed rates.
func (m *Monitor) Snapshot() Snapshot {
	_ = m.gate.Acquire(context.Background(), 1)
	defer m.gate.Release(1)
	return m.snapshotLocked()
}

// Render logs a snapshot regardless of the render interval.
func (m *Monitor) Render() {
	_ = m.gate.Acquire(context.Background(), 1)
	defer m.gate.Release(1)
	m.sample(m.now())
	m.render(m.now())
}

// RenderCount returns how many snapshots have been logged.
func (m *Monitor) RenderCount() int {
	_ = m.gate.Acquire(context.Background(), 1)
	defer m.gate.Release(1)
	return m.renderCount
}

// tick samples rates and renders when due. Callers that lose the race for
// the gate skip both.
func (m *Monitor) tick() {
	if !m.gate.TryAcquire(1) {
		return
	}
	defer m.gate.Release(1)

	now := m.now()
	m.sample(now)
	if now.Sub(m.lastRender) >= m.renderInterval {
		m.render(now)
	}
}

func (m *Monitor) sample(now time.Time) {
	m.itemsRate.observe(m.itemsProcessed.Load(), now, m.sampleWindow)
	m.readRate.observe(m.bytesRead.Load(), now, m.sampleWindow)
	m.writtenRate.observe(m.bytesWritten.Load(), now, m.sampleWindow)
	m.queriesRate.observe(m.queriesCompleted.Load(), now, m.sampleWindow)
}

func (m *Monitor) snapshotLocked() Snapshot {
	s := Snapshot{
		Elapsed:               m.now().Sub(m.started),
		ItemsProcessed:        m.itemsProcessed.Load(),
		BytesRead:             m.bytesRead.Load(),
		BytesWritten:          m.bytesWritten.Load(),
		QueriesStarted:        m.queriesStarted.Load(),
		QueriesCompleted:      m.queriesCompleted.Load(),
		ItemsPerSecond:        m.itemsRate.average(),
		BytesReadPerSecond:    m.readRate.average(),
		BytesWrittenPerSecond: m.writtenRate.average(),
		QueriesPerSecond:      m.queriesRate.average(),
		StageProgress:         m.progress.Load(),
	}

	if m.proc != nil {
		if mem, err := m.proc.MemoryInfo(); err == nil {
			s.MemoryRSS = mem.RSS
		}
	}

	m.stagesMu.Lock()
	s.Stages = make([]StageInfo, 0, len(m.stages))
	for _, info := range m.stages {
		s.Stages = append(s.Stages, info)
	}
	m.stagesMu.Unlock()
	sort.Slice(s.Stages, func(i, j int) bool { return s.Stages[i].Name < s.Stages[j].Name })

	return s
}

func (m *Monitor) render(now time.Time) {
	m.lastRender = now
	m.renderCount++

	s := m.snapshotLocked()
	stages := zerolog.Dict()
	for _, st := range s.Stages {
		stages.Dict(st.Name, zerolog.Dict().Int("limit", st.Limit).Int("count", st.Count))
	}

	m.logger.Info().
		Dur("elapsed", s.Elapsed).
		Int64("items_processed", s.ItemsProcessed).
		Float64("items_per_sec", s.ItemsPerSecond).
		Int64("bytes_read", s.BytesRead).
		Float64("bytes_read_per_sec", s.BytesReadPerSecond).
		Int64("bytes_written", s.BytesWritten).
		Float64("bytes_written_per_sec", s.BytesWrittenPerSecond).
		Int64("queries_started", s.QueriesStarted).
		Int64("queries_completed", s.QueriesCompleted).
		Float64("queries_per_sec", s.QueriesPerSecond).
		Float64("progress", s.StageProgress).
		Uint64("memory_rss", s.MemoryRSS).
		Dict("stages", stages).
		Msg("Progress")
}
