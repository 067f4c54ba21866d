package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
)

func TestRunCmd_RunE_FailsOnValidation(t *testing.T) {
	// Config validation fails because the API keys are missing.
	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: "test.db",
		},
	}

	runCmd.SetContext(context.Background())
	defer runCmd.SetContext(context.TODO())

	err := runCmd.RunE(runCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup.key is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestInitPipeline_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()

	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: tmpDir + "/pipeline.db",
		},
		Lookup: config.LookupConfig{
			Key:         "test-key",
			TimeoutSecs: 300,
			Concurrency: 20,
			HostRPS:     1,
			HostBurst:   2,
			Retries:     2,
		},
		Anthropic: config.AnthropicConfig{
			Key:       "test-key",
			Model:     "claude-sonnet-4-5-20250929",
			MaxTokens: 1024,
		},
		Pipeline: config.PipelineConfig{
			ConfidenceThreshold: 0.6,
			ProgressFlushEvery:  5,
		},
		Catalog: config.CatalogConfig{
			DefaultTaxRate:  0.19,
			DefaultCurrency: "COP",
		},
	}

	env, err := initPipeline(context.Background(), "run")
	require.NoError(t, err)
	require.NotNil(t, env)
	defer env.Close()

	assert.NotNil(t, env.Store)
	assert.NotNil(t, env.Pipeline)
	assert.NotNil(t, env.Review)
}

func TestInitPipeline_ServeModeNeedsPort(t *testing.T) {
	tmpDir := t.TempDir()

	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: tmpDir + "/serve.db",
		},
		Lookup: config.LookupConfig{
			Key:         "test-key",
			TimeoutSecs: 300,
			Concurrency: 20,
		},
		Anthropic: config.AnthropicConfig{Key: "test-key"},
		Pipeline: config.PipelineConfig{
			ConfidenceThreshold: 0.6,
			ProgressFlushEvery:  5,
		},
	}

	env, err := initPipeline(context.Background(), "serve")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}
