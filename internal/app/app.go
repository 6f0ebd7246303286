// Package app builds the service graph shared by the HTTP server and the
// operator CLI from one loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	dbfs "github.com/garnizeh/redmine-rag/db"
	"github.com/garnizeh/redmine-rag/internal/ask"
	"github.com/garnizeh/redmine-rag/internal/chunker"
	"github.com/garnizeh/redmine-rag/internal/config"
	"github.com/garnizeh/redmine-rag/internal/db"
	"github.com/garnizeh/redmine-rag/internal/embedding"
	"github.com/garnizeh/redmine-rag/internal/extractor"
	"github.com/garnizeh/redmine-rag/internal/indexer"
	"github.com/garnizeh/redmine-rag/internal/jobs"
	"github.com/garnizeh/redmine-rag/internal/llm"
	"github.com/garnizeh/redmine-rag/internal/metrics"
	"github.com/garnizeh/redmine-rag/internal/planner"
	"github.com/garnizeh/redmine-rag/internal/repository/sqlite"
	"github.com/garnizeh/redmine-rag/internal/retrieval"
	"github.com/garnizeh/redmine-rag/internal/syncer"
	"github.com/garnizeh/redmine-rag/internal/vectorstore"
	"github.com/garnizeh/redmine-rag/pkg/redmine"
)

// App owns every long-lived component. Close releases them.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB       *db.DB
	Repo     *sqlite.SQLiteRepo
	Vectors  *vectorstore.Store
	Upstream *redmine.Client

	Chunks     *indexer.ChunkIndexer
	Embeddings *indexer.EmbeddingIndexer
	Syncer     *syncer.Syncer
	Queue      *jobs.Queue

	Provider  llm.Provider
	Runtime   *llm.Runtime
	Retrieval *retrieval.Engine
	Planner   *planner.Planner
	Ask       *ask.Service
	Extractor *extractor.Service
	Metrics   *metrics.Aggregator
}

// New opens the database, applies migrations, loads the vector store and
// wires the services. The caller must Close the returned App.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config
	var err error

	if a.DB, err = db.New(ctx, cfg.DatabasePath, a.Logger); err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx, a.DB, dbfs.Migrations, dbfs.SeedFiles); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.Repo = sqlite.New(a.DB, a.Logger)

	if a.Vectors, err = vectorstore.Open(ctx, cfg.Embedding.Dim, cfg.Embedding.VectorIndexPath, cfg.Embedding.VectorMetaPath, a.Logger); err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	embedder, err := embedding.NewHashed(cfg.Embedding.Dim)
	if err != nil {
		return err
	}
	ch, err := chunker.New(cfg.Chunking.TargetChars, cfg.Chunking.OverlapChars)
	if err != nil {
		return err
	}

	if a.Upstream, err = redmine.NewDefaultClient(upstreamConfig(cfg)); err != nil {
		return fmt.Errorf("redmine client: %w", err)
	}
	a.Chunks = indexer.NewChunkIndexer(a.Repo, a.Repo, ch, a.Upstream.Config().BaseURL, a.Logger)
	a.Embeddings = indexer.NewEmbeddingIndexer(a.Repo, embedder, a.Vectors, 0, a.Logger)
	a.Syncer = syncer.New(a.Upstream, a.Repo, a.Repo, a.Repo, a.Chunks, a.Embeddings, syncer.Config{
		Overlap:    time.Duration(cfg.Sync.OverlapMinutes) * time.Minute,
		ProjectIDs: cfg.Sync.ProjectIDs,
		Modules:    cfg.Sync.Modules,
		LockPath:   cfg.Sync.LockPath,
	}, a.Logger)
	a.Queue = jobs.NewQueue(a.Repo, cfg.Sync.JobHistoryLimit, a.Logger)

	if a.Provider, err = llm.NewProvider(cfg.LLM, nil); err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}
	guard, err := llm.NewGuardrails(cfg.LLM.Guardrails.InjectionPatterns, cfg.LLM.Guardrails.UnsafeCommands)
	if err != nil {
		return err
	}
	tel := llm.NewTelemetry(llm.TelemetryConfig{
		FailureThreshold: cfg.LLM.Circuit.Failures,
		SlowMS:           cfg.LLM.Circuit.SlowMS,
		SlowHits:         cfg.LLM.Circuit.SlowHits,
		OpenSeconds:      cfg.LLM.Circuit.OpenSeconds,
		Window:           cfg.LLM.TelemetryWindow,
		BudgetUSD:        cfg.LLM.CostBudgetUSD,
	})
	a.Runtime = llm.NewRuntime(a.Provider, tel, guard, llm.NewSchemaLoader(a.Repo), llm.RuntimeConfig{
		MaxConcurrency:  cfg.LLM.MaxConcurrency,
		Timeout:         cfg.LLM.Timeout,
		CostPer1KInput:  cfg.LLM.CostPer1KInput,
		CostPer1KOutput: cfg.LLM.CostPer1KOutput,
		ComponentLimits: cfg.LLM.Components,
	})

	rc := cfg.Retrieval
	a.Retrieval = retrieval.New(a.Repo, a.Vectors, embedder, retrieval.Config{
		LexicalWeight:       rc.LexicalWeight,
		VectorWeight:        rc.VectorWeight,
		RRFK:                rc.RRFK,
		CandidateMultiplier: rc.CandidateMultiplier,
		RecentBoost:         rc.FreshnessRecentBoost,
		MonthlyBoost:        rc.FreshnessMonthlyBoost,
	}, a.Logger)
	a.Planner = planner.New(planner.Config{
		Enabled:       rc.PlannerEnabled,
		Mode:          rc.PlannerMode,
		MaxExpansions: rc.PlannerMaxExpansions,
		Timeout:       rc.PlannerTimeout,
		Synonyms:      rc.PlannerSynonyms,
	}, a.Runtime)
	a.Ask = ask.New(ask.Config{
		AnswerMode:     cfg.Ask.AnswerMode,
		LLMTimeout:     cfg.Ask.LLMTimeout,
		MaxClaims:      cfg.Ask.MaxClaims,
		MaxRetries:     cfg.Ask.MaxRetries,
		CostLimitUSD:   cfg.Ask.CostLimitUSD,
		StopwordsExtra: cfg.Ask.StopwordsExtra,
	}, a.Retrieval, a.Planner, a.Runtime, guard, a.Logger)
	a.Extractor = extractor.New(extractor.Config{
		Version:      cfg.Extractor.Version,
		LLMEnabled:   cfg.Extractor.LLMEnabled,
		LLMTimeout:   cfg.Extractor.LLMTimeout,
		CostLimitUSD: cfg.Extractor.CostLimitUSD,
		BatchSize:    cfg.Extractor.BatchSize,
	}, a.Repo, a.Repo, a.Runtime)
	a.Metrics = metrics.New(a.Repo)
	return nil
}

func upstreamConfig(cfg *config.Config) redmine.Config {
	rc := redmine.DefaultConfig()
	if cfg.Redmine.BaseURL != "" {
		rc.BaseURL = cfg.Redmine.BaseURL
	}
	rc.APIKey = cfg.Redmine.APIKey
	rc.RoleHeader = cfg.Redmine.RoleHeader
	rc.AllowedHosts = cfg.Sync.AllowedHosts
	rc.VerifySSL = cfg.Sync.VerifySSL
	if cfg.Sync.HTTPTimeout > 0 {
		rc.Timeout = cfg.Sync.HTTPTimeout
	}
	if cfg.Sync.MaxRetries >= 0 {
		rc.Retries = cfg.Sync.MaxRetries
	}
	if cfg.Sync.Backoff > 0 {
		rc.Backoff = cfg.Sync.Backoff
	}
	if cfg.Sync.PageLimit > 0 {
		rc.PageLimit = cfg.Sync.PageLimit
	}
	if cfg.Sync.MaxPages > 0 {
		rc.MaxPages = cfg.Sync.MaxPages
	}
	if cfg.Sync.MaxBodyBytes > 0 {
		rc.MaxBodyBytes = cfg.Sync.MaxBodyBytes
	}
	return rc
}

// NewWorker returns the sync job worker. A positive sync.interval enables
// the periodic schedule.
func (a *App) NewWorker() *jobs.Worker {
	return jobs.NewWorker(a.Queue, a.Syncer, jobs.WorkerConfig{
		ScheduleInterval: a.Config.Sync.Interval,
	}, a.Logger)
}

// ReindexStats reports one reindex run.
type ReindexStats struct {
	Full       bool                `json:"full"`
	Chunks     *indexer.ChunkStats `json:"chunks,omitempty"`
	Embeddings indexer.EmbedStats  `json:"embeddings"`
	VectorKeys int                 `json:"vector_keys"`
}

// Reindex refreshes the vector store. A full run re-chunks every source and
// rebuilds the store from scratch.
func (a *App) Reindex(ctx context.Context, full bool) (*ReindexStats, error) {
	st := &ReindexStats{Full: full}
	var err error
	if full {
		var cs indexer.ChunkStats
		if cs, err = a.Chunks.IndexAll(ctx); err != nil {
			return nil, fmt.Errorf("rechunk: %w", err)
		}
		st.Chunks = &cs
		st.Embeddings, err = a.Embeddings.Rebuild(ctx)
	} else {
		st.Embeddings, err = a.Embeddings.Incremental(ctx, time.Time{})
	}
	if err != nil {
		return nil, fmt.Errorf("reindex embeddings: %w", err)
	}
	st.VectorKeys = a.Vectors.Len()
	return st, nil
}

// Close releases the provider, the upstream client and the database.
func (a *App) Close() error {
	var errs []error
	if c, ok := a.Provider.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.Upstream != nil {
		errs = append(errs, a.Upstream.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
