// Package pipeline runs one export: load mailboxes, compute the resume set,
// and sweep every pending mailbox's messages into the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/graph-export/pkg/blob"
	"github.com/Sternrassler/graph-export/pkg/loader"
	"github.com/Sternrassler/graph-export/pkg/model"
	"github.com/Sternrassler/graph-export/pkg/monitor"
	"github.com/Sternrassler/graph-export/pkg/pagination"
	"github.com/Sternrassler/graph-export/pkg/sink"
	"github.com/Sternrassler/graph-export/pkg/taskpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

var mailboxesSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graph_export_mailboxes_swept_total",
	Help: "Total mailbox sweeps by outcome",
}, []string{"outcome"})

const (
	// FetchStage names the per-mailbox pool.
	FetchStage = "fetch"

	// DefaultLeaseName is the lock object guarding the input location.
	DefaultLeaseName = "graph-export.lock"

	// DefaultLeaseDuration is how long a lease is held between renewals.
	DefaultLeaseDuration = 60 * time.Second

	// maxRenewFailures consecutive failed renewals abort the run. Renewals
	// happen every third of the lease duration, so the lease is still held
	// when the run is cancelled.
	maxRenewFailures = 2
)

// ErrLeaseLost is returned when the run lease could not be renewed.
var ErrLeaseLost = errors.New("run lease lost")

// Store is the relational side of a run.
type Store interface {
	loader.MailboxWriter
	sink.MessageWriter
	Migrate(ctx context.Context, reset bool) error
	Pending(ctx context.Context) ([]string, error)
	MarkDone(ctx context.Context, resourceType, id string) error
}

// Config holds run settings.
type Config struct {
	Pattern     string
	ResetSchema bool
	Model       pagination.Model

	LoadLimit       int
	FetchLimit      int
	PreprocessLimit int

	LeaseName     string
	LeaseDuration time.Duration
}

// Summary describes a finished run.
type Summary struct {
	Loaded    loader.Result
	Pending   int
	Completed int
	Skipped   int
	Messages  int
}

// Runner wires the stages of one run together.
type Runner struct {
	config  Config
	storage blob.Store
	store   Store
	fetch   pagination.FetchFunc
	monitor *monitor.Monitor
	logger  zerolog.Logger
}

// New creates a runner. fetch issues the page requests, typically
// pagination.MessageFetcher.Fetch.
func New(cfg Config, storage blob.Store, store Store, fetch pagination.FetchFunc, mon *monitor.Monitor, logger zerolog.Logger) *Runner {
	if cfg.LeaseName == "" {
		cfg.LeaseName = DefaultLeaseName
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	return &Runner{
		config:  cfg,
		storage: storage,
		store:   store,
		fetch:   fetch,
		monitor: mon,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes one export under the input lease. Any returned error is
// fatal for the run; mailboxes already marked done stay done.
func (r *Runner) Run(parent context.Context) (sum Summary, err error) {
	lease, err := r.storage.AcquireLease(parent, r.config.LeaseName, r.config.LeaseDuration)
	if err != nil {
		return sum, fmt.Errorf("acquire run lease %s: %w", r.config.LeaseName, err)
	}

	ctx, cancel := context.WithCancelCause(parent)
	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		r.renew(renewCtx, lease, cancel)
	}()

	defer func() {
		stopRenew()
		<-renewDone
		if cause := context.Cause(ctx); err != nil && errors.Is(cause, ErrLeaseLost) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
		cancel(nil)
		if relErr := lease.Release(context.WithoutCancel(parent)); relErr != nil {
			r.logger.Warn().Err(relErr).Msg("Failed to release run lease")
		}
		r.monitor.Render()
	}()

	if err := r.store.Migrate(ctx, r.config.ResetSchema); err != nil {
		return sum, fmt.Errorf("migrate: %w", err)
	}

	ld := loader.New(r.storage, r.store, r.monitor, r.config.LoadLimit, r.monitor, r.logger)
	sum.Loaded, err = ld.Load(ctx, r.config.Pattern)
	if err != nil {
		return sum, fmt.Errorf("load mailboxes: %w", err)
	}

	pending, err := r.store.Pending(ctx)
	if err != nil {
		return sum, fmt.Errorf("pending mailboxes: %w", err)
	}
	sum.Pending = len(pending)
	r.logger.Info().Int("pending", len(pending)).Msg("Resume set computed")

	if err := r.sweep(ctx, pending, &sum); err != nil {
		return sum, err
	}

	r.logger.Info().
		Int("completed", sum.Completed).
		Int("skipped", sum.Skipped).
		Int("messages", sum.Messages).
		Msg("Run complete")
	return sum, nil
}

// sweep pages through every pending mailbox under the fetch pool and marks
// each one done once its pager returned without error.
func (r *Runner) sweep(ctx context.Context, pending []string, sum *Summary) error {
	pager := pagination.New[model.Message](pagination.Config{
		Model:           r.config.Model,
		PreprocessLimit: r.config.PreprocessLimit,
	}, r.monitor, r.logger)
	sk := sink.New(r.store, r.monitor, r.logger)
	pool := taskpool.New(FetchStage, r.config.FetchLimit, r.monitor, r.logger)

	var completed, skipped, messages, finished atomic.Int64
	total := float64(len(pending))
	r.monitor.SetStageProgress(0)

	for _, id := range pending {
		id := id
		err := pool.Submit(ctx, func(ctx context.Context) error {
			res, err := pager.LoadPaged(ctx, id, id, r.fetch, sk.Process)
			if err != nil {
				mailboxesSweptTotal.WithLabelValues("failed").Inc()
				return err
			}
			if err := r.store.MarkDone(ctx, model.ResourceTypeMailbox, id); err != nil {
				return fmt.Errorf("mark %s done: %w", id, err)
			}

			mailboxesSweptTotal.WithLabelValues(string(res.Outcome)).Inc()
			if res.Outcome == pagination.OutcomeCompleted {
				completed.Inc()
			} else {
				skipped.Inc()
			}
			messages.Add(int64(res.Items))
			r.monitor.SetStageProgress(float64(finished.Inc()) / total)

			r.logger.Info().
				Str("mailbox", id).
				Str("outcome", string(res.Outcome)).
				Str("model", string(res.Model)).
				Int("pages", res.Pages).
				Int("items", res.Items).
				Msg("Mailbox sweep finished")
			return nil
		})
		if err != nil {
			return errors.Join(err, pool.Drain(ctx))
		}
	}

	err := pool.Drain(ctx)
	sum.Completed = int(completed.Load())
	sum.Skipped = int(skipped.Load())
	sum.Messages = int(messages.Load())
	return err
}

// renew keeps the lease alive until ctx is done. After maxRenewFailures
// consecutive failures it cancels the run with ErrLeaseLost.
func (r *Runner) renew(ctx context.Context, lease blob.Lease, cancelRun context.CancelCauseFunc) {
	ticker := time.NewTicker(r.config.LeaseDuration / 3)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lease.Renew(ctx)
			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			failures++
			r.logger.Warn().Err(err).Int("failures", failures).Msg("Failed to renew run lease")
			if failures >= maxRenewFailures {
				r.logger.Error().Err(err).Msg("Run lease lost, aborting")
				cancelRun(fmt.Errorf("%w: %w", ErrLeaseLost, err))
				return
			}
		}
	}
}
