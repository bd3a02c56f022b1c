// Package provider owns the single engine runtime of the process and the
// HTTP clients the shell uses beside it.
package provider

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/config"
	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/engine/chromium"
	"github.com/xkilldash9x/browsershell/internal/engine/gecko"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/fetch"
)

// Factory builds a runtime for the configured backend. loader reads
// extension resources through the provider's fetch client.
type Factory func(ctx context.Context, logger *zap.Logger, cfg config.EngineConfig, loader engine.Loader) (engine.Runtime, error)

// Provider creates the engine runtime on first use. The first outcome,
// success or failure, is kept for the life of the provider.
type Provider struct {
	logger   *zap.Logger
	engine   config.EngineConfig
	fetchCfg fetch.Config
	factory  Factory
	jar      http.CookieJar

	mu        sync.Mutex
	runtime   engine.Runtime
	err       error
	attempted bool
	shutdown  bool
}

type Option func(*Provider)

// WithFactory replaces the backend factory.
func WithFactory(f Factory) Option {
	return func(p *Provider) { p.factory = f }
}

// New creates a provider for cfg. Nothing is launched until
// GetOrCreateRuntime is called.
func New(logger *zap.Logger, cfg config.Interface, opts ...Option) *Provider {
	fc := cfg.Fetch()
	p := &Provider{
		logger: logger.Named("provider"),
		engine: cfg.Engine(),
		fetchCfg: fetch.Config{
			Timeout:      fc.Timeout,
			RetryMax:     fc.RetryMax,
			RetryWaitMin: fc.RetryWaitMin,
			RetryWaitMax: fc.RetryWaitMax,
			UserAgent:    fc.UserAgent,
		},
		factory: DefaultFactory,
		jar:     fetch.NewCookieJar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultFactory launches the backend named in cfg.Backend.
func DefaultFactory(ctx context.Context, logger *zap.Logger, cfg config.EngineConfig, loader engine.Loader) (engine.Runtime, error) {
	kind, err := engine.ParseKind(cfg.Backend)
	if err != nil {
		return nil, err
	}
	switch kind {
	case engine.KindChromium:
		return chromium.New(ctx, logger, chromium.Options{
			Headless:   cfg.Headless,
			BinaryPath: cfg.BinaryPath,
			Args:       cfg.Args,
			Loader:     loader,
		})
	default:
		return gecko.New(ctx, logger, gecko.Options{
			Headless:   cfg.Headless,
			BinaryPath: cfg.BinaryPath,
			Args:       cfg.Args,
			Loader:     loader,
			Install:    cfg.BinaryPath == "",
		})
	}
}

// GetOrCreateRuntime returns the runtime, building it on the first call.
// Concurrent first callers wait for one construction. A failed
// construction is not retried: every later call gets the same error.
func (p *Provider) GetOrCreateRuntime(ctx context.Context) (engine.Runtime, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil, errdefs.InvalidState("engine provider is shut down")
	}
	if p.attempted {
		return p.runtime, p.err
	}
	p.attempted = true

	p.logger.Info("Creating engine runtime.", zap.String("backend", p.engine.Backend))
	rt, err := p.factory(ctx, p.logger, p.engine, engine.Loader{Client: p.NewFetchClient()})
	if err != nil {
		if !errdefs.IsBackendFailure(err) {
			err = errdefs.BackendFailure("create runtime", p.engine.Backend, err)
		}
		p.err = err
		p.logger.Error("Engine runtime could not be created.", zap.Error(err))
		return nil, err
	}
	p.runtime = rt
	return rt, nil
}

// Runtime returns the runtime if it has been created.
func (p *Provider) Runtime() (engine.Runtime, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runtime, p.runtime != nil
}

// NewFetchClient returns a retrying HTTP client that shares the
// provider's cookie jar.
func (p *Provider) NewFetchClient() *http.Client {
	return fetch.NewClient(p.logger, p.fetchCfg, p.jar)
}

// CookieJar returns the jar shared by every fetch client.
func (p *Provider) CookieJar() http.CookieJar { return p.jar }

// Shutdown stops the runtime if one was created. Later calls to
// GetOrCreateRuntime fail with InvalidState.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	rt := p.runtime
	p.runtime = nil
	p.mu.Unlock()

	if rt == nil {
		return nil
	}
	return rt.Shutdown(ctx)
}
