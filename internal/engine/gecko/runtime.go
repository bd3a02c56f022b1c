// Package gecko runs the shell on Firefox through the Playwright driver.
package gecko

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
)

const (
	installTimeout = 5 * time.Minute
	launchTimeout  = 60 * time.Second
)

// Options configure the Firefox process.
type Options struct {
	Headless   bool
	BinaryPath string
	Args       []string
	Loader     engine.Loader
	// Install downloads the driver and Firefox before launching.
	Install bool
}

// Runtime is an engine.Runtime backed by one Firefox instance. Normal
// sessions share a browser context; each private session gets its own.
type Runtime struct {
	logger  *zap.Logger
	ext     *engine.ExtensionManager
	pw      *playwright.Playwright
	browser playwright.Browser
	normal  playwright.BrowserContext

	mu       sync.Mutex
	seq      int
	sessions map[string]*Session
	scripts  map[engine.ScriptHandle]string
	order    []engine.ScriptHandle
	closed   bool
}

var _ engine.Runtime = (*Runtime)(nil)

// New starts the Playwright driver and launches Firefox.
func New(ctx context.Context, logger *zap.Logger, opts Options) (*Runtime, error) {
	r := &Runtime{
		logger:   logger.Named("gecko"),
		sessions: make(map[string]*Session),
		scripts:  make(map[engine.ScriptHandle]string),
	}
	runOpts := &playwright.RunOptions{
		Browsers: []string{"firefox"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if opts.Install {
		installCtx, cancel := context.WithTimeout(ctx, installTimeout)
		defer cancel()
		_, err := result.Go(result.Goroutine, func() (struct{}, error) {
			return struct{}{}, playwright.Install(runOpts)
		}).Await(installCtx)
		if err != nil {
			return nil, errdefs.BackendFailure("install", string(engine.KindGecko), err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, errdefs.BackendFailure("start driver", string(engine.KindGecko), err)
	}
	r.pw = pw

	browser, err := pw.Firefox.Launch(launchOptions(opts))
	if err != nil {
		_ = pw.Stop()
		return nil, errdefs.BackendFailure("launch", string(engine.KindGecko), err)
	}
	r.browser = browser

	normal, err := browser.NewContext(contextOptions(engine.UADesktop))
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, errdefs.BackendFailure("create context", string(engine.KindGecko), err)
	}
	r.normal = normal

	r.ext = engine.NewExtensionManager(r.logger, r, opts.Loader)
	r.logger.Info("Firefox started.", zap.String("version", browser.Version()), zap.Bool("headless", opts.Headless))
	return r, nil
}

func launchOptions(opts Options) playwright.BrowserTypeLaunchOptions {
	lo := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     append([]string(nil), opts.Args...),
		Timeout:  playwright.Float(float64(launchTimeout.Milliseconds())),
	}
	if opts.BinaryPath != "" {
		lo.ExecutablePath = playwright.String(opts.BinaryPath)
	}
	return lo
}

func contextOptions(mode engine.UserAgentMode) playwright.BrowserNewContextOptions {
	return playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(engine.UserAgentFor(mode)),
	}
}

func (r *Runtime) Backend() engine.Kind { return engine.KindGecko }

func (r *Runtime) Extensions() engine.ExtensionController { return r.ext }

// CreateSession opens a page, in a fresh browser context when private.
func (r *Runtime) CreateSession(ctx context.Context, settings engine.SessionSettings) (engine.Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errdefs.InvalidState("gecko runtime is shut down")
	}
	r.seq++
	id := "gecko-" + strconv.Itoa(r.seq)
	r.mu.Unlock()

	s, err := result.Go(result.Goroutine, func() (*Session, error) {
		return r.openSession(id, settings)
	}).Await(ctx)
	if err != nil {
		return nil, errdefs.BackendFailure("create session", id, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = s.Close()
		return nil, errdefs.InvalidState("gecko runtime is shut down")
	}
	r.sessions[id] = s
	r.mu.Unlock()
	return s, nil
}

func (r *Runtime) openSession(id string, settings engine.SessionSettings) (*Session, error) {
	bctx := r.normal
	owned := false
	if settings.Private {
		c, err := r.browser.NewContext(contextOptions(settings.UserAgentMode))
		if err != nil {
			return nil, err
		}
		bctx, owned = c, true
	}
	p, err := bctx.NewPage()
	if err != nil {
		if owned {
			_ = bctx.Close()
		}
		return nil, err
	}
	s := newSession(r, id, settings, p, bctx, owned)
	if err := s.attach(settings.UserAgentMode); err != nil {
		_ = s.teardown()
		return nil, err
	}
	return s, nil
}

func (r *Runtime) session(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *Runtime) liveSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// currentScripts returns registered scripts in registration order.
func (r *Runtime) currentScripts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, r.scripts[h])
	}
	return out
}

func (r *Runtime) forget(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	r.ext.SessionClosed(id)
}

// AddScript registers script for every document loaded from now on and
// runs it in the pages already open. Firefox init scripts cannot be
// withdrawn, so registered scripts are evaluated on DOMContentLoaded
// instead.
func (r *Runtime) AddScript(ctx context.Context, script string) (engine.ScriptHandle, error) {
	h := engine.ScriptHandle(uuid.NewString())
	r.mu.Lock()
	r.scripts[h] = script
	r.order = append(r.order, h)
	r.mu.Unlock()

	for _, s := range r.liveSessions() {
		if err := s.evaluate(ctx, script); err != nil {
			r.logger.Warn("Could not run script in page.", zap.String("engine_session", s.id), zap.Error(err))
		}
	}
	return h, nil
}

func (r *Runtime) RemoveScript(ctx context.Context, h engine.ScriptHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scripts, h)
	for i, cur := range r.order {
		if cur == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Runtime) Evaluate(ctx context.Context, engineSessionID, script string) error {
	s := r.session(engineSessionID)
	if s == nil {
		return errdefs.NotFound("engine session", engineSessionID)
	}
	return s.evaluate(ctx, script)
}

// Shutdown closes every page, the shared context, Firefox and the driver.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, s := range r.liveSessions() {
		errs = append(errs, s.Close())
	}
	_, err := result.Go(result.Goroutine, func() (struct{}, error) {
		var errs []error
		if err := r.normal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser context: %w", err))
		}
		if err := r.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
		if err := r.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright driver: %w", err))
		}
		return struct{}{}, errors.Join(errs...)
	}).Await(ctx)
	errs = append(errs, err)
	r.logger.Info("Firefox stopped.")
	return errors.Join(errs...)
}
