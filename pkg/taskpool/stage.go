package taskpool

import (
	"sync"

	"github.com/rs/zerolog"
)

// Stage aggregates the occupancy of every pool created for it, so that
// concurrent pools of one stage (one per mailbox, say) report a single total.
type Stage struct {
	name     string
	reporter Reporter

	mu    sync.Mutex
	count int
}

// NewStage creates a stage. The reporter may be nil.
func NewStage(name string, reporter Reporter) *Stage {
	return &Stage{name: name, reporter: reporter}
}

// Name returns the stage name.
func (s *Stage) Name() string {
	return s.name
}

// Count returns the units currently tracked by all pools of the stage.
func (s *Stage) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// New creates a pool counted against the stage. A limit below one is treated
// as one.
func (s *Stage) New(limit int, logger zerolog.Logger) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{
		stage:  s,
		limit:  limit,
		logger: logger.With().Str("stage", s.name).Logger(),
		tasks:  make(map[*task]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// add applies a pool's change in occupancy and reports the stage total.
func (s *Stage) add(delta, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count += delta
	poolInFlight.WithLabelValues(s.name).Set(float64(s.count))
	if s.reporter != nil {
		s.reporter.SetStageTaskInfo(s.name, limit, s.count)
	}
}
