// Package loader reads mailbox descriptor files from object storage and
// upserts every mailbox into the store.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Sternrassler/graph-export/pkg/blob"
	"github.com/Sternrassler/graph-export/pkg/model"
	"github.com/Sternrassler/graph-export/pkg/taskpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var mailboxesLoadedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graph_export_mailboxes_loaded_total",
	Help: "Total mailbox descriptors read by result",
}, []string{"result"})

// LoadStage names the upsert pool.
const LoadStage = "load"

// ErrNoInput is returned when there is nothing to load from.
var ErrNoInput = errors.New("no input")

// MailboxWriter persists mailboxes.
type MailboxWriter interface {
	UpsertMailbox(ctx context.Context, mb model.Mailbox) error
}

// Counter receives the number of bytes consumed from input files.
type Counter interface {
	AddBytesRead(n int64)
}

// Result summarises one Load call.
type Result struct {
	Files     int
	Mailboxes int
	Skipped   int
}

// Loader streams mailbox files into the store.
type Loader struct {
	storage  blob.Store
	writer   MailboxWriter
	counter  Counter
	limit    int
	reporter taskpool.Reporter
	logger   zerolog.Logger
}

// New creates a loader running at most limit upserts at once. counter and
// reporter may be nil.
func New(storage blob.Store, writer MailboxWriter, counter Counter, limit int, reporter taskpool.Reporter, logger zerolog.Logger) *Loader {
	return &Loader{
		storage:  storage,
		writer:   writer,
		counter:  counter,
		limit:    limit,
		reporter: reporter,
		logger:   logger.With().Str("component", "loader").Logger(),
	}
}

// Load reads every object whose name matches pattern. Each file must hold a
// JSON array of mailbox descriptors; it is decoded one element at a time.
// Descriptors without an id are logged and skipped.
func (l *Loader) Load(ctx context.Context, pattern string) (Result, error) {
	var res Result

	if pattern == "" {
		return res, fmt.Errorf("%w: input pattern is not set", ErrNoInput)
	}

	objects, err := blob.FindMatching(ctx, l.storage, pattern)
	if errors.Is(err, blob.ErrEmpty) {
		return res, fmt.Errorf("%w: %w", ErrNoInput, err)
	}
	if err != nil {
		return res, fmt.Errorf("list input: %w", err)
	}

	pool := taskpool.New(LoadStage, l.limit, l.reporter, l.logger)

	for _, obj := range objects {
		res.Files++

		loaded, skipped, err := l.loadFile(ctx, pool, obj)
		res.Mailboxes += loaded
		res.Skipped += skipped
		if err != nil {
			return res, errors.Join(err, pool.Drain(ctx))
		}
	}

	if err := pool.Drain(ctx); err != nil {
		return res, err
	}

	if res.Files == 0 {
		l.logger.Warn().Str("pattern", pattern).Msg("No input file matches the pattern")
	}
	l.logger.Info().
		Int("files", res.Files).
		Int("mailboxes", res.Mailboxes).
		Int("skipped", res.Skipped).
		Msg("Mailbox load complete")
	return res, nil
}

func (l *Loader) loadFile(ctx context.Context, pool *taskpool.Pool, obj blob.Object) (loaded, skipped int, err error) {
	logger := l.logger.With().Str("file", obj.Name).Logger()
	logger.Info().Int64("size", obj.Size).Msg("Loading mailbox file")

	rc, err := l.storage.Open(ctx, obj.Name)
	if err != nil {
		return 0, 0, err
	}
	defer rc.Close()

	dec := json.NewDecoder(&countingReader{r: rc, counter: l.counter})

	if err := expectDelim(dec, '['); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", obj.Name, err)
	}

	for index := 0; dec.More(); index++ {
		var mb model.Mailbox
		if err := dec.Decode(&mb); err != nil {
			return loaded, skipped, fmt.Errorf("%s: decode element %d: %w", obj.Name, index, err)
		}

		if mb.ID == "" {
			skipped++
			mailboxesLoadedTotal.WithLabelValues("skipped").Inc()
			logger.Warn().
				Int("index", index).
				Str("display_name", mb.DisplayName).
				Str("address", mb.Address).
				Msg("Mailbox without id skipped")
			continue
		}

		err := pool.Submit(ctx, func(ctx context.Context) error {
			return l.writer.UpsertMailbox(ctx, mb)
		})
		if err != nil {
			return loaded, skipped, err
		}
		loaded++
		mailboxesLoadedTotal.WithLabelValues("loaded").Inc()
	}

	if err := expectDelim(dec, ']'); err != nil {
		return loaded, skipped, fmt.Errorf("%s: %w", obj.Name, err)
	}
	return loaded, skipped, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read %q: %w", want, err)
	}
	if got, ok := tok.(json.Delim); !ok || got != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// countingReader reports every read to a Counter.
type countingReader struct {
	r       io.Reader
	counter Counter
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.counter != nil {
		c.counter.AddBytesRead(int64(n))
	}
	return n, err
}
