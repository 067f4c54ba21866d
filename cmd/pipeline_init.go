package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/pipeline"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/review"
	"github.com/sells-group/pricewatch/internal/store"
	anthropicpkg "github.com/sells-group/pricewatch/pkg/anthropic"
	"github.com/sells-group/pricewatch/pkg/pricelookup"
)

// pipelineEnv holds the store, API clients, and the pipeline needed by the
// run and serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Review   *review.Service
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, the lookup and Anthropic clients, and
// builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
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

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Lookup.Retries + 1
	retry.OnRetry = resilience.RetryLogger("pricelookup", "lookup")

	lookupOpts := []pricelookup.Option{pricelookup.WithRetry(retry)}
	if cfg.Lookup.BaseURL != "" {
		lookupOpts = append(lookupOpts, pricelookup.WithBaseURL(cfg.Lookup.BaseURL))
	}
	if cfg.Lookup.HostRPS > 0 {
		lookupOpts = append(lookupOpts, pricelookup.WithHostLimit(cfg.Lookup.HostRPS, cfg.Lookup.HostBurst))
	}
	oracle := pricelookup.NewClient(cfg.Lookup.Key, lookupOpts...)

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	p := pipeline.New(cfg, st, oracle, anthropicClient)

	return &pipelineEnv{
		Store:    st,
		Pipeline: p,
		Review:   review.NewService(st),
	}, nil
}
