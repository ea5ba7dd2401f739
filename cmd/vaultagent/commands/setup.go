package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"github.com/eachlabs/vaultagent/internal/agent"
	"github.com/eachlabs/vaultagent/internal/config"
	"github.com/eachlabs/vaultagent/internal/logging"
	"github.com/eachlabs/vaultagent/internal/provider"
	"github.com/eachlabs/vaultagent/internal/textgen"
	"github.com/eachlabs/vaultagent/internal/tool"
)

// envOptions carry the command line overrides shared by chat and run.
type envOptions struct {
	Provider string
	Model    string
	Vault    string

	// Console receives log output in addition to the log file.
	Console io.Writer
}

// env is everything a command needs to talk to agents.
type env struct {
	cfg      *config.Config
	log      *slog.Logger
	closeLog func() error
	metrics  *prometheus.Registry

	providers *providerCache
}

func newEnv(ctx context.Context, opts envOptions) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if opts.Provider != "" {
		cfg.Defaults.Provider = opts.Provider
	}
	if opts.Model != "" {
		cfg.Defaults.Model = opts.Model
	}
	if opts.Vault != "" {
		cfg.Vault.Path = opts.Vault
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	log, closeLog := logging.New(logging.Options{
		Level:   level,
		File:    cfg.Logging.File,
		Dir:     config.LogsDir(),
		Console: opts.Console,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &env{
		cfg:       cfg,
		log:       log,
		closeLog:  closeLog,
		metrics:   registry,
		providers: newProviderCache(ctx, cfg),
	}, nil
}

func (e *env) Close() error {
	return e.closeLog()
}

// definitions returns the stored agent definitions, or the built-in ones
// when none are stored.
func (e *env) definitions() ([]*agent.Definition, error) {
	store := agent.NewDefinitionStore(config.AgentsDir())
	defs, err := store.List()
	if err != nil {
		if len(defs) == 0 {
			return nil, err
		}
		e.log.Warn("some agent definitions could not be read", "error", err)
	}
	if len(defs) == 0 {
		defs = agent.DefaultDefinitions()
	}
	applyGeneration(defs, e.cfg.Generation)
	return defs, nil
}

// buildAgents builds every agent over the configured vault.
func (e *env) buildAgents(onChunk agent.ChunkHandler) (map[string]*agent.Agent, error) {
	defs, err := e.definitions()
	if err != nil {
		return nil, err
	}
	return agent.Build(defs, agent.BuildOptions{
		Providers: e.providers.Get,
		Tools:     tool.VaultRegistry(afero.NewOsFs(), e.cfg.VaultDir()),
		OnChunk:   onChunk,
		Logger:    e.log,
		Metrics:   textgen.NewMetrics(e.metrics),
	})
}

// applyGeneration fills the limits a definition leaves unset from the
// configured generation defaults.
func applyGeneration(defs []*agent.Definition, gen config.GenerationConfig) {
	for _, d := range defs {
		if d.MaxSteps == 0 {
			d.MaxSteps = gen.MaxSteps
		}
		if d.MaxRetries == 0 {
			d.MaxRetries = gen.MaxRetries
		}
		if d.MaxTokens == 0 {
			d.MaxTokens = gen.MaxTokens
		}
	}
}

// providerCache creates each configured provider once.
type providerCache struct {
	ctx context.Context
	cfg *config.Config

	mu    sync.Mutex
	cache map[string]provider.Provider
}

func newProviderCache(ctx context.Context, cfg *config.Config) *providerCache {
	return &providerCache{ctx: ctx, cfg: cfg, cache: make(map[string]provider.Provider)}
}

// Get has the signature of agent.ProviderFunc.
func (c *providerCache) Get(name string) (provider.Provider, error) {
	name, pc := c.cfg.ProviderConfig(name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.cache[name]; ok {
		return p, nil
	}

	p, err := provider.New(c.ctx, provider.Config{
		Name:    name,
		APIKey:  pc.APIKey,
		BaseURL: pc.BaseURL,
		Model:   pc.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", name, err)
	}
	c.cache[name] = p
	return p, nil
}
