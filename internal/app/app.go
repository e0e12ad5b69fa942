package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ibeckermayer/replyweave/internal/collector"
	"github.com/ibeckermayer/replyweave/internal/config"
	"github.com/ibeckermayer/replyweave/internal/export"
	"github.com/ibeckermayer/replyweave/internal/pagecache"
	"github.com/ibeckermayer/replyweave/internal/scheduler"
	"github.com/ibeckermayer/replyweave/internal/store"
	"github.com/ibeckermayer/replyweave/internal/thread"
	"github.com/ibeckermayer/replyweave/internal/twitterapi"
)

// App holds the application state.
type App struct {
	config *config.Config
	log    zerolog.Logger

	store  *store.Store
	client *twitterapi.Client
	cache  *pagecache.Cache // nil unless collect.cache_pages
}

// New opens the store and builds the API client from cfg.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.New(cfg.Storage.DBPath, store.Options{
		TargetAuthor: cfg.Target.Handle,
		BatchSize:    cfg.Collect.BatchSize,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		config: cfg,
		log:    log,
		store:  st,
		client: twitterapi.New(twitterapi.Options{
			BaseURL:           cfg.API.BaseURL,
			APIKey:            cfg.API.Key,
			Timeout:           time.Duration(cfg.API.TimeoutSeconds) * time.Second,
			MaxAttempts:       cfg.API.MaxRetries,
			RequestsPerSecond: cfg.API.RequestsPerSecond,
			Logger:            log,
		}),
	}

	if cfg.Collect.CachePages {
		dir, err := config.CacheDir()
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to resolve cache dir: %w", err)
		}
		a.cache = pagecache.New(dir)
	}

	return a, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

// Collect runs one ingestion pass.
func (a *App) Collect(ctx context.Context) (collector.Stats, error) {
	if a.config.API.Key == "" {
		return collector.Stats{}, fmt.Errorf("no API key: set api.key or %s", config.EnvLegacyAPIKey)
	}

	c := a.config.Collect
	query, err := twitterapi.BuildQuery(a.config.Target.Handle, twitterapi.QueryOptions{
		IncludeSelfThreads: c.IncludeSelfThreads,
		IncludeQuotes:      c.IncludeQuotes,
		IncludeRetweets:    c.IncludeRetweets,
		Since:              c.Since,
		Until:              c.Until,
	})
	if err != nil {
		return collector.Stats{}, fmt.Errorf("failed to build query: %w", err)
	}
	a.log.Info().Str("query", query).Str("query_type", c.QueryType).Msg("collecting")

	opts := collector.Options{
		Handle:           a.config.Target.Handle,
		Query:            twitterapi.Query{Text: query, QueryType: c.QueryType},
		MaxConversations: c.MaxConversations,
		Logger:           a.log,
	}
	if a.cache != nil {
		opts.Cache = a.cache
	}

	return collector.New(a.client, a.store, opts).Run(ctx)
}

// Replay stores every page in the page cache again without calling the
// API. It works whether or not collect.cache_pages is set for this run.
func (a *App) Replay(ctx context.Context) (collector.Stats, error) {
	cache := a.cache
	if cache == nil {
		dir, err := config.CacheDir()
		if err != nil {
			return collector.Stats{}, fmt.Errorf("failed to resolve cache dir: %w", err)
		}
		cache = pagecache.New(dir)
	}
	return collector.Replay(ctx, cache, a.store, a.log)
}

// Export writes the incremental export to the configured output path.
func (a *App) Export(ctx context.Context) (export.Result, error) {
	ex := export.New(a.store, thread.NewAssembler(a.log), export.Options{
		Workers: a.config.Export.Workers,
		Logger:  a.log,
	})
	return ex.Export(ctx, a.config.Export.OutputPath)
}

// Run collects and then exports. When collection fails, whatever was
// stored so far is still exported before the collection error is
// returned.
func (a *App) Run(ctx context.Context) error {
	stats, err := a.Collect(ctx)
	if err != nil {
		a.log.Error().Err(err).Int("upserted", stats.Upserted).Msg("collection failed, exporting partial store")
		if _, exErr := a.Export(context.WithoutCancel(ctx)); exErr != nil {
			a.log.Error().Err(exErr).Msg("partial export failed")
		} else {
			a.log.Info().Str("output", a.config.Export.OutputPath).Msg("partial export complete")
		}
		return err
	}

	_, err = a.Export(ctx)
	return err
}

// Watch runs Run on the configured cron schedule until ctx is done. When
// immediately is set, one run starts right away.
func (a *App) Watch(ctx context.Context, immediately bool) error {
	sched, err := scheduler.New(a.config.Schedule.Timezone, a.log)
	if err != nil {
		return err
	}
	if err := sched.AddJob("run", a.config.Schedule.Cron, a.Run); err != nil {
		return err
	}

	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	if immediately {
		_ = sched.RunNow(ctx, "run", a.Run)
	}
	for _, j := range sched.ListJobs() {
		a.log.Info().Str("job", j.Name).Time("next_run", j.NextRun).Msg("scheduled")
	}

	<-ctx.Done()
	return nil
}

// Summary is what the stats command prints.
type Summary struct {
	Store      store.Stats
	Checkpoint string // "" when no export has run
	OutputPath string
	OutputSize int64 // -1 when the output file does not exist
}

// Summary reports store counts and export state.
func (a *App) Summary(ctx context.Context) (Summary, error) {
	st, err := a.store.Stats(ctx)
	if err != nil {
		return Summary{}, err
	}
	out := a.config.Export.OutputPath
	cp, _, err := a.store.Checkpoint(ctx, export.CheckpointKey(out))
	if err != nil {
		return Summary{}, err
	}

	s := Summary{Store: st, Checkpoint: cp, OutputPath: out, OutputSize: -1}
	if info, err := os.Stat(out); err == nil {
		s.OutputSize = info.Size()
	}
	return s, nil
}
