package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crestline-labs/dealflow/internal/attribution"
	"github.com/crestline-labs/dealflow/internal/match"
	"github.com/crestline-labs/dealflow/internal/pipeline"
	"github.com/crestline-labs/dealflow/internal/progress"
	"github.com/crestline-labs/dealflow/internal/store"
	"github.com/crestline-labs/dealflow/pkg/claude"
	"github.com/crestline-labs/dealflow/pkg/pdftext"
	"github.com/crestline-labs/dealflow/pkg/weblookup"
)

// pipelineEnv holds the initialized store, services, and orchestrator shared
// by the process/ingest/serve commands.
type pipelineEnv struct {
	Store        store.Store
	Attribution  *attribution.Service
	Matcher      *match.Matcher
	Bus          *progress.Bus
	Orchestrator *pipeline.Orchestrator
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the postgres driver")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, API clients and the orchestrator. Callers
// should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic.key is required")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	aiClient := claude.NewClient(cfg.Anthropic.Key)

	// Profile lookup is optional; without a key leaders keep null URLs.
	var lookup pipeline.ExternalLookup
	if cfg.Lookup.Key != "" {
		lookup = weblookup.NewClient(cfg.Lookup.Key,
			weblookup.WithBaseURL(cfg.Lookup.BaseURL),
			weblookup.WithModel(cfg.Lookup.Model),
		)
		zap.L().Info("profile lookup enabled")
	} else {
		zap.L().Debug("DEALFLOW_LOOKUP_KEY not set, profile lookup disabled")
	}

	var limiter *rate.Limiter
	if cfg.Anthropic.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.Anthropic.RatePerMinute)/60.0), 1)
	}

	attrs := attribution.New(st)
	matcher := match.New(st)
	bus := progress.NewBus(cfg.Pipeline.BusQueueSize)

	orch := pipeline.NewOrchestrator(pipeline.Options{
		Store:       st,
		Attribution: attrs,
		Matcher:     matcher,
		Bus:         bus,
		Classifier:  claude.NewClassifier(aiClient, cfg.Anthropic.TriageModel),
		Converter:   pdftext.New(cfg.Convert.PdfToTextPath),
		Extractor:   claude.NewExtractor(aiClient, cfg.Anthropic.ExtractModel),
		Lookup:      lookup,
		Limiter:     limiter,
	})

	return &pipelineEnv{
		Store:        st,
		Attribution:  attrs,
		Matcher:      matcher,
		Bus:          bus,
		Orchestrator: orch,
	}, nil
}
