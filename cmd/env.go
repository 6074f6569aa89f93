package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rtg-microscopy/mingest/internal/convert"
	"github.com/rtg-microscopy/mingest/internal/metadata"
	"github.com/rtg-microscopy/mingest/internal/mirror"
	"github.com/rtg-microscopy/mingest/internal/notebook"
	"github.com/rtg-microscopy/mingest/internal/pipeline"
	"github.com/rtg-microscopy/mingest/internal/resilience"
	"github.com/rtg-microscopy/mingest/internal/store"
)

// pipelineEnv holds the store and the pipeline needed by the watch,
// ingest, and retry commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "mingest.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates mode, opens the store, and applies migrations.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// pipelineConfig maps the loaded configuration onto pipeline settings.
func pipelineConfig() pipeline.Config {
	nbTimeout := secs(cfg.Notebook.ELN.TimeoutSecs)
	if cfg.Notebook.Driver != "eln" {
		nbTimeout = 0
	}
	mirrorTimeout := time.Duration(0)
	if cfg.Mirror.Driver == "sharepoint" {
		mirrorTimeout = secs(cfg.Mirror.SharePoint.TimeoutSecs)
	}
	return pipeline.Config{
		Deadline:        secs(cfg.Pipeline.DeadlineSecs),
		MaxRetries:      cfg.Pipeline.MaxRetries,
		RetryInterval:   secs(cfg.Pipeline.RetryIntervalSecs),
		MaxConcurrency:  cfg.Pipeline.MaxConcurrency,
		NotebookTimeout: nbTimeout,
		MirrorTimeout:   mirrorTimeout,
		Retry: resilience.FromRetryConfig(
			cfg.Retry.MaxAttempts,
			cfg.Retry.InitialBackoffMS,
			cfg.Retry.MaxBackoffMS,
			cfg.Retry.Multiplier,
			cfg.Retry.Jitter,
		),
		Circuit: resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs),
	}
}

// initPipeline sets up the store, the notebook and mirror backends, and
// the converter, then builds the Pipeline and recovers persisted attempts.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}

	nb, err := notebook.New(cfg.Notebook)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	mr, err := mirror.New(cfg.Mirror)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if mr == nil {
		zap.L().Info("document mirror disabled")
	}

	conv := convert.New(convert.Options{
		Root:         cfg.Output.Root,
		TiledDir:     cfg.Output.TiledDir,
		ChunkedDir:   cfg.Output.ChunkedDir,
		SourceRoot:   cfg.Watch.Path,
		Extensions:   cfg.Watch.Extensions,
		TileSize:     cfg.Output.TileSize,
		MaxLevels:    cfg.Output.MaxLevels,
		ZstdLevel:    cfg.Output.ZstdLevel,
		DeflateLevel: cfg.Output.DeflateLevel,
	})
	ex := metadata.NewExtractor(cfg.Pipeline.DefaultOperator)

	p := pipeline.New(pipelineConfig(), ex, conv, nb, mr, st)

	res, err := p.Recover(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	zap.L().Info("attempts recovered",
		zap.Int("loaded", res.Loaded),
		zap.Int("interrupted", res.Interrupted),
		zap.Int("finished", res.Finished),
	)

	return &pipelineEnv{Store: st, Pipeline: p}, nil
}
