package runtimewire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Gurpartap/agentgraph/agent"
	checkpointinmem "github.com/Gurpartap/agentgraph/checkpointstore/inmem"
	"github.com/Gurpartap/agentgraph/checkpointstore/sqlstore"
	eventinginmem "github.com/Gurpartap/agentgraph/eventing/inmem"
	"github.com/Gurpartap/agentgraph/policy/retry"
	toolingregistry "github.com/Gurpartap/agentgraph/tooling/registry"

	"github.com/Gurpartap/agentgraph/internal/config"
	"github.com/Gurpartap/agentgraph/internal/mockmodel"
	"github.com/Gurpartap/agentgraph/internal/modelopenai"
	"github.com/Gurpartap/agentgraph/internal/prompt"
	"github.com/Gurpartap/agentgraph/internal/retrieval"
	"github.com/Gurpartap/agentgraph/internal/toolset"
)

const (
	memoryDSN         = ":memory:"
	ingestConcurrency = 4
	// recentEvents bounds the in-process event history kept for inspection.
	recentEvents = 1024
)

// Runtime contains the composed runtime dependencies for the server.
type Runtime struct {
	Engine      *agent.Engine
	Checkpoints agent.CheckpointStore
	EventSink   *eventinginmem.Sink
	Users       *toolset.Store
	Index       *retrieval.Index
	Tools       *toolingregistry.Registry

	db     *sqlstore.Store
	logger *slog.Logger
	now    agent.Clock
}

// New builds the runtime graph from cfg. In memory mode checkpoints live in
// process while visitors, feedback and passages use an in-memory SQLite
// database.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := agent.Clock(time.Now)

	db, checkpoints, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Checkpoints: checkpoints,
		EventSink:   eventinginmem.NewBounded(recentEvents),
		db:          db,
		logger:      logger,
		now:         now,
	}
	if err := rt.build(ctx, cfg); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return rt, nil
}

func openStores(ctx context.Context, cfg config.Config) (*sqlstore.Store, agent.CheckpointStore, error) {
	opts := sqlstore.Options{MaxOpenConns: cfg.MaxOpenConns}
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		db, err := sqlstore.Open(ctx, sqlstore.DialectSQLite, memoryDSN, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open memory database: %w", err)
		}
		return db, checkpointinmem.New(), nil
	case config.StoreDriverSQLite, config.StoreDriverPostgres:
		dialect, err := sqlstore.ParseDialect(string(cfg.StoreDriver))
		if err != nil {
			return nil, nil, err
		}
		db, err := sqlstore.Open(ctx, dialect, cfg.StoreDSN, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		return db, db, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func (rt *Runtime) build(ctx context.Context, cfg config.Config) error {
	users, err := toolset.NewStore(rt.db.DB(), rt.db.Dialect())
	if err != nil {
		return fmt.Errorf("new toolset store: %w", err)
	}
	if err := users.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate toolset store: %w", err)
	}
	rt.Users = users

	tools, err := toolset.New(users, toolset.Config{
		Owner: cfg.Profile.Owner,
		Bot:   cfg.Profile.Bot,
		Now:   rt.now,
	})
	if err != nil {
		return fmt.Errorf("new toolset: %w", err)
	}
	registry, err := toolingregistry.New(rt.logger, tools.Descriptors()...)
	if err != nil {
		return fmt.Errorf("new tool registry: %w", err)
	}
	rt.Tools = registry

	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		return err
	}
	index, err := retrieval.NewIndex(rt.db.DB(), rt.db.Dialect(), embedder, rt.logger)
	if err != nil {
		return fmt.Errorf("new retrieval index: %w", err)
	}
	if err := index.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate retrieval index: %w", err)
	}
	rt.Index = index
	if cfg.CorpusPath != "" {
		if _, err := rt.Ingest(ctx, cfg.CorpusPath); err != nil {
			return err
		}
	}

	reasoner, err := newReasoner(cfg)
	if err != nil {
		return err
	}
	retryCfg := retry.Config{MaxAttempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff}

	engine, err := agent.NewEngine(agent.Dependencies{
		Store:     rt.Checkpoints,
		Reasoner:  retry.WrapReasoner(reasoner, retryCfg),
		Tools:     registry,
		Retriever: retry.WrapRetriever(index, retryCfg),
		Prompter: prompt.New(prompt.Profile{
			Owner:    cfg.Profile.Owner,
			Bot:      cfg.Profile.Bot,
			Born:     cfg.Profile.Born,
			Location: cfg.Profile.Location,
			Projects: cfg.Profile.Projects,
		}, rt.now),
		Finalizer: agent.ParagraphFinalizer{},
		EventSink: newFanoutSink(rt.EventSink, newRuntimeEventLogSink(rt.logger, cfg.LogFormat)),
		Logger:    rt.logger,
		Clock:     rt.now,
	}, agent.Config{
		MaxStepsPerTurn: cfg.MaxStepsPerTurn,
		UpstreamTimeout: cfg.UpstreamTimeout,
		LeaseWait:       cfg.LeaseWait,
	})
	if err != nil {
		return fmt.Errorf("new engine: %w", err)
	}
	rt.Engine = engine
	return nil
}

func newReasoner(cfg config.Config) (agent.Reasoner, error) {
	switch cfg.ModelMode {
	case config.ModelModeMock:
		return mockmodel.New(), nil
	case config.ModelModeProvider:
		adapter, err := modelopenai.New(modelopenai.Config{
			APIKey:     cfg.ProviderAPIKey,
			Model:      cfg.ProviderModel,
			BaseURL:    cfg.ProviderBaseURL,
			HTTPClient: &http.Client{Timeout: cfg.ProviderTimeout},
		})
		if err != nil {
			return nil, fmt.Errorf("new provider model: %w", err)
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("unsupported model mode %q", cfg.ModelMode)
	}
}

func newEmbedder(ctx context.Context, cfg config.Config) (retrieval.Embedder, error) {
	switch cfg.Embedder {
	case config.EmbedderHash:
		return retrieval.HashEmbedder{}, nil
	case config.EmbedderGenAI:
		embedder, err := retrieval.NewGenAIEmbedder(ctx, retrieval.GenAIConfig{
			APIKey:     cfg.EmbedderAPIKey,
			Model:      cfg.EmbedderModel,
			Dimensions: cfg.EmbedderDimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("new embedder: %w", err)
		}
		return embedder, nil
	default:
		return nil, fmt.Errorf("unsupported embedder %q", cfg.Embedder)
	}
}

// Ingest loads the manifest at path into the passage index.
func (rt *Runtime) Ingest(ctx context.Context, path string) (int, error) {
	documents, err := retrieval.LoadCorpus(path)
	if err != nil {
		return 0, fmt.Errorf("load corpus: %w", err)
	}
	count, err := rt.Index.Ingest(ctx, documents, ingestConcurrency)
	if err != nil {
		return 0, fmt.Errorf("ingest corpus: %w", err)
	}
	rt.logger.InfoContext(ctx, "corpus ingested", slog.String("path", path), slog.Int("documents", count))
	return count, nil
}

// Suspended reports whether the visitor is currently suspended.
func (rt *Runtime) Suspended(ctx context.Context, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	return rt.Users.Suspended(ctx, fingerprint, rt.now())
}

// Close waits for in-flight turns, then releases the database.
func (rt *Runtime) Close(ctx context.Context) error {
	if rt == nil {
		return nil
	}
	var err error
	if rt.Engine != nil {
		err = rt.Engine.Close(ctx)
	}
	return errors.Join(err, rt.db.Close())
}

type fanoutSink struct {
	sinks []agent.EventSink
}

func newFanoutSink(sinks ...agent.EventSink) fanoutSink {
	filtered := make([]agent.EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return fanoutSink{sinks: filtered}
}

func (s fanoutSink) Publish(ctx context.Context, event agent.Event) error {
	var result error
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			result = errors.Join(result, err)
		}
	}
	return result
}
