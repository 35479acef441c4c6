// Package taskpool caps the number of in-flight units of work for one
// pipeline stage.
//
// Submit blocks while the stage is at its limit and resumes as soon as any
// member finishes (first completion, not FIFO). Every wait is followed by a
// scan that purges finished members and surfaces the first fault. Drain waits
// for all members and reports every fault.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	poolInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "graph_export_pool_in_flight",
		Help: "Units of work currently tracked by a stage pool",
	}, []string{"stage"})

	poolFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_export_pool_faults_total",
		Help: "Units of work that failed, panicked or were cancelled",
	}, []string{"stage"})
)

// ErrTaskFailed is wrapped by every error surfaced from a member unit.
var ErrTaskFailed = errors.New("task failed")

// TaskError is a fault raised by one unit of a stage.
type TaskError struct {
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: stage %s: %v", ErrTaskFailed, e.Stage, e.Err)
}

// Unwrap returns the unit's error.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Is reports ErrTaskFailed as matching.
func (e *TaskError) Is(target error) bool {
	return target == ErrTaskFailed
}

// Reporter receives the stage occupancy after every mutation.
type Reporter interface {
	SetStageTaskInfo(name string, limit, count int)
}

// Unit is one asynchronous piece of work.
type Unit func(ctx context.Context) error

type task struct {
	done chan struct{}
	err  error
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Pool is the bounded set of in-flight units for one stage.
type Pool struct {
	stage    *Stage
	limit    int
	reported int
	logger   zerolog.Logger

	mu     sync.Mutex
	tasks  map[*task]struct{}
	notify chan struct{}
}

// New creates a pool that is the only member of the named stage. A limit
// below one is treated as one. The reporter may be nil.
func New(name string, limit int, reporter Reporter, logger zerolog.Logger) *Pool {
	return NewStage(name, reporter).New(limit, logger)
}

// Name returns the stage name.
func (p *Pool) Name() string {
	return p.stage.name
}

// Limit returns the configured concurrency limit.
func (p *Pool) Limit() int {
	return p.limit
}

// Len returns the number of tracked units, finished or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Submit starts unit asynchronously. If the stage is at its limit, Submit
// first blocks until at least one member completes. A fault in any member
// observed during the scan is returned and the unit is not started.
func (p *Pool) Submit(ctx context.Context, unit Unit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.scan(); err != nil {
		return err
	}

	for len(p.tasks) >= p.limit {
		p.logger.Debug().Int("limit", p.limit).Msg("Stage at limit, waiting for a unit to finish")
		if err := p.waitAny(ctx); err != nil {
			return err
		}
		if err := p.scan(); err != nil {
			return err
		}
	}

	p.start(ctx, unit)
	return nil
}

// Drain blocks until every tracked unit completes, then clears the set.
// Faults are joined into a single error.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for t := range p.tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return fmt.Errorf("drain stage %s: %w", p.stage.name, ctx.Err())
		}
		if t.err != nil {
			errs = append(errs, t.err)
		}
	}

	clear(p.tasks)
	p.report()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (p *Pool) start(ctx context.Context, unit Unit) {
	t := &task{done: make(chan struct{})}
	p.tasks[t] = struct{}{}
	p.report()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.err = &TaskError{Stage: p.stage.name, Err: fmt.Errorf("panic: %v", r)}
			}
			if t.err != nil {
				poolFaultsTotal.WithLabelValues(p.stage.name).Inc()
			}
			close(t.done)
			select {
			case p.notify <- struct{}{}:
			default:
			}
		}()

		if err := unit(ctx); err != nil {
			t.err = &TaskError{Stage: p.stage.name, Err: err}
		}
	}()
}

// waitAny blocks until some member signals completion. Must hold p.mu.
func (p *Pool) waitAny(ctx context.Context) error {
	for {
		for t := range p.tasks {
			if t.finished() {
				return nil
			}
		}
		select {
		case <-p.notify:
		case <-ctx.Done():
			return fmt.Errorf("wait on stage %s: %w", p.stage.name, ctx.Err())
		}
	}
}

// scan purges finished members and returns the first observed fault.
// Must hold p.mu.
func (p *Pool) scan() error {
	var first error
	for t := range p.tasks {
		if !t.finished() {
			continue
		}
		if t.err != nil && first == nil {
			first = t.err
		}
		delete(p.tasks, t)
	}
	p.report()

	if first != nil {
		p.logger.Error().Err(first).Msg("Unit of work failed")
	}
	return first
}

// report passes the change since the last report to the stage. Must hold
// p.mu.
func (p *Pool) report() {
	count := len(p.tasks)
	delta := count - p.reported
	p.reported = count
	p.stage.add(delta, p.limit)
}
