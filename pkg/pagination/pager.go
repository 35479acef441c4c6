package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/graph-export/pkg/taskpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_export_pages_fetched_total",
		Help: "Total pages decoded from Graph",
	})

	resourcesSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_export_resources_skipped_total",
		Help: "Total resources skipped by terminal status",
	}, []string{"status"})

	modelFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graph_export_model_fallbacks_total",
		Help: "Total licensing model flips after a 402",
	})
)

// PreprocessStage names the per-page item pool.
const PreprocessStage = "preprocess"

// Outcome describes how a resource's paging ended.
type Outcome string

const (
	OutcomeCompleted           Outcome = "completed"
	OutcomeSkippedNotFound     Outcome = "skipped_not_found"
	OutcomeSkippedForbidden    Outcome = "skipped_forbidden"
	OutcomeSkippedUnauthorized Outcome = "skipped_unauthorized"
)

// Request identifies the page to fetch. NextLink is empty for the first
// page.
type Request struct {
	ID       string
	Model    Model
	NextLink string
}

// FetchFunc fetches one page and returns its status and body.
type FetchFunc func(ctx context.Context, req Request) (int, []byte, error)

// ItemFunc processes one item of resourceID.
type ItemFunc[T any] func(ctx context.Context, resourceID string, item T) error

// Result summarises one LoadPaged call.
type Result struct {
	Outcome Outcome
	Pages   int
	Items   int
	Model   Model
}

// Config holds pager settings.
type Config struct {
	// Model is the licensing model used for the first request.
	Model Model

	// PreprocessLimit bounds concurrently processed items per page.
	PreprocessLimit int
}

// Pager follows next links for one resource at a time. It is safe to share
// between goroutines; each LoadPaged call owns its own item pool, and all
// of them count against one preprocess stage.
type Pager[T any] struct {
	config Config
	stage  *taskpool.Stage
	logger zerolog.Logger
}

// New creates a pager. reporter may be nil.
func New[T any](cfg Config, reporter taskpool.Reporter, logger zerolog.Logger) *Pager[T] {
	if cfg.Model == "" {
		cfg.Model = ModelA
	}
	if cfg.PreprocessLimit <= 0 {
		cfg.PreprocessLimit = 1
	}
	return &Pager[T]{
		config: cfg,
		stage:  taskpool.NewStage(PreprocessStage, reporter),
		logger: logger,
	}
}

// LoadPaged fetches every page for replacementID and hands each item to
// itemFn under resourceID. Pages are strictly sequential: the items of one
// page are fully processed before the next page is requested.
func (p *Pager[T]) LoadPaged(ctx context.Context, resourceID, replacementID string, fetch FetchFunc, itemFn ItemFunc[T]) (Result, error) {
	logger := p.logger.With().Str("mailbox", resourceID).Logger()
	pool := p.stage.New(p.config.PreprocessLimit, logger)

	res := Result{Model: p.config.Model}
	flipped := false
	next := ""

	for {
		status, body, err := fetch(ctx, Request{ID: replacementID, Model: res.Model, NextLink: next})
		if err != nil {
			return res, fmt.Errorf("fetch page %d of %s: %w", res.Pages+1, resourceID, err)
		}

		switch status {
		case http.StatusOK:
		case http.StatusNotFound:
			return p.skip(logger, res, status, OutcomeSkippedNotFound), nil
		case http.StatusForbidden:
			return p.skip(logger, res, status, OutcomeSkippedForbidden), nil
		case http.StatusUnauthorized:
			return p.skip(logger, res, status, OutcomeSkippedUnauthorized), nil
		case http.StatusPaymentRequired:
			if flipped {
				return res, fmt.Errorf("%s with model %s: %w", resourceID, res.Model, ErrQuotaExceeded)
			}
			flipped = true
			modelFallbacksTotal.Inc()
			logger.Warn().
				Str("from", string(res.Model)).
				Str("to", string(res.Model.Flip())).
				Msg("Quota response, retrying page with other licensing model")
			res.Model = res.Model.Flip()
			continue
		default:
			return res, fmt.Errorf("%w %d for %s: %s", ErrUnexpectedStatus, status, resourceID, truncate(body))
		}

		page, err := DecodePage[T](body)
		if err != nil {
			return res, fmt.Errorf("page %d of %s: %w", res.Pages+1, resourceID, err)
		}
		pagesFetchedTotal.Inc()

		if err := p.dispatch(ctx, pool, resourceID, page.Value, itemFn); err != nil {
			return res, fmt.Errorf("process page %d of %s: %w", res.Pages+1, resourceID, err)
		}
		res.Pages++
		res.Items += len(page.Value)

		logger.Debug().
			Int("page", res.Pages).
			Int("items", len(page.Value)).
			Bool("has_next", page.NextLink != "").
			Msg("Page processed")

		if page.NextLink == "" {
			res.Outcome = OutcomeCompleted
			return res, nil
		}
		next = page.NextLink
	}
}

// dispatch submits every item and drains the pool. On a submit fault the
// units already running are still awaited.
func (p *Pager[T]) dispatch(ctx context.Context, pool *taskpool.Pool, resourceID string, items []T, itemFn ItemFunc[T]) error {
	for _, item := range items {
		item := item
		err := pool.Submit(ctx, func(ctx context.Context) error {
			return itemFn(ctx, resourceID, item)
		})
		if err != nil {
			return errors.Join(err, pool.Drain(ctx))
		}
	}
	return pool.Drain(ctx)
}

func (p *Pager[T]) skip(logger zerolog.Logger, res Result, status int, outcome Outcome) Result {
	resourcesSkippedTotal.WithLabelValues(fmt.Sprint(status)).Inc()
	logger.Info().Int("status", status).Str("outcome", string(outcome)).Msg("Mailbox skipped")
	res.Outcome = outcome
	return res
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
