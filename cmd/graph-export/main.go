package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/graph-export/internal/config"
	"github.com/Sternrassler/graph-export/pkg/auth"
	"github.com/Sternrassler/graph-export/pkg/blob"
	"github.com/Sternrassler/graph-export/pkg/client"
	"github.com/Sternrassler/graph-export/pkg/logging"
	"github.com/Sternrassler/graph-export/pkg/metrics"
	"github.com/Sternrassler/graph-export/pkg/monitor"
	"github.com/Sternrassler/graph-export/pkg/pagination"
	"github.com/Sternrassler/graph-export/pkg/pipeline"
	"github.com/Sternrassler/graph-export/pkg/ratelimit"
	"github.com/Sternrassler/graph-export/pkg/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "graph-export",
		Short:         "Export chat messages of every listed mailbox into PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runExport,
	}
	config.RegisterFlags(root)

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Load mailboxes and export all pending ones (default)",
		RunE:  runExport,
	})
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print mailbox, processed and pending counts",
		RunE:  runStatus,
	})
	return root
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	logSink, err := openLogSink(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log storage: %v\n", err)
		return err
	}

	var sink io.Writer
	if logSink != nil {
		sink = logSink
	}
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
		Sink:   sink,
		RunID:  runID,
	})
	if logSink != nil {
		defer func() {
			if err := logSink.Flush(context.WithoutCancel(ctx)); err != nil {
				fmt.Fprintf(os.Stderr, "flush log storage: %v\n", err)
			}
		}()
	}

	logger.Info().
		Str("backend", cfg.Input.Backend).
		Str("pattern", cfg.Input.Pattern).
		Time("start", cfg.Graph.Start).
		Time("end", cfg.Graph.End).
		Msg("Starting graph export")

	if err := export(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Strs("causes", logging.Causes(err)).Msg("Export failed")
		return err
	}
	return nil
}

func export(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.Metrics.Addr != "" {
		if _, err := metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
			return err
		}
	}

	storage, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("open input storage: %w", err)
	}

	mon := monitor.New(logging.NewLogger("monitor"), monitor.WithRenderInterval(cfg.Monitor.RenderInterval))

	db, err := store.Open(ctx, store.Config{URL: cfg.Database.URL, MaxConns: cfg.Database.MaxConns}, mon, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	redisClient, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var tokenCache auth.Cache
	if redisClient != nil {
		tokenCache = auth.NewRedisCache(redisClient, cfg.Graph.TenantID, cfg.Graph.ClientID)
	}
	tokens := auth.NewClientCredentials(auth.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		TokenURL:     cfg.Graph.TokenURL,
		Scopes:       []string{cfg.Graph.Scope},
	}, tokenCache, logging.NewLogger("auth"))

	clientCfg := client.DefaultConfig()
	clientCfg.Retry.MaxRetries = cfg.Graph.MaxRetries
	if cfg.Graph.Timeout > 0 {
		clientCfg.Timeout = cfg.Graph.Timeout
	}
	graph, err := client.New(clientCfg, tokens, ratelimit.NewTracker(redisClient, logger), logger)
	if err != nil {
		return fmt.Errorf("create graph client: %w", err)
	}

	model, err := pagination.ParseModel(cfg.Graph.Model)
	if err != nil {
		return err
	}
	fetcher := pagination.NewMessageFetcher(graph, cfg.Graph.Endpoint, cfg.Graph.BatchSize, cfg.Graph.Start, cfg.Graph.End)

	runner := pipeline.New(pipeline.Config{
		Pattern:         cfg.Input.Pattern,
		ResetSchema:     cfg.Database.Reset,
		Model:           model,
		LoadLimit:       cfg.Concurrency.Load,
		FetchLimit:      cfg.Concurrency.Fetch,
		PreprocessLimit: cfg.Concurrency.Preprocess,
	}, storage, db, fetcher.Fetch, mon, logger)

	_, err = runner.Run(ctx)
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		return err
	}
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})

	db, err := store.Open(cmd.Context(), store.Config{URL: cfg.Database.URL, MaxConns: 2}, nil, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Open database failed")
		return err
	}
	defer db.Close()

	if err := printStatus(cmd.Context(), cmd.OutOrStdout(), db); err != nil {
		logger.Error().Err(err).Strs("causes", logging.Causes(err)).Msg("Status failed")
		return err
	}
	return nil
}

// statusReader is the part of the store the status command needs.
type statusReader interface {
	Stats(ctx context.Context) (store.Stats, error)
	Pending(ctx context.Context) ([]string, error)
}

func printStatus(ctx context.Context, w io.Writer, db statusReader) error {
	stats, err := db.Stats(ctx)
	if err != nil {
		return err
	}
	pending, err := db.Pending(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "mailboxes: %d\nprocessed: %d\npending:   %d\nmessages:  %d\n",
		stats.Mailboxes, stats.Processed, len(pending), stats.Messages)
	return nil
}

func openStorage(cfg *config.Config) (blob.Store, error) {
	switch cfg.Input.Backend {
	case config.BackendLocal:
		return blob.NewLocalStore(cfg.Input.Path)
	case config.BackendAzure:
		return blob.NewAzureStore(cfg.Input.ConnectionString, cfg.Input.Container)
	}
	return nil, fmt.Errorf("unknown input backend %q", cfg.Input.Backend)
}

// openLogSink returns nil when log storage is not configured.
func openLogSink(cfg *config.Config) (*blob.LogWriter, error) {
	if cfg.Log.Container == "" {
		return nil, nil
	}
	var logStore blob.Store
	var err error
	if cfg.Input.Backend == config.BackendLocal {
		logStore, err = blob.NewLocalStore(cfg.Log.Container)
	} else {
		logStore, err = blob.NewAzureStore(cfg.Log.ConnectionString, cfg.Log.Container)
	}
	if err != nil {
		return nil, err
	}
	return blob.NewLogWriter(logStore, cfg.Log.Blob, 0), nil
}

// openRedis returns nil when redis is not configured.
func openRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	return redisClient, nil
}
