// Package shell assembles the browser shell: the main loop, the engine
// runtime, the session registry, the window manager, the extension runtime
// and telemetry. Every state change goes through the main loop.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/browsershell/internal/config"
	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/mainloop"
	"github.com/xkilldash9x/browsershell/internal/provider"
	"github.com/xkilldash9x/browsershell/internal/session"
	"github.com/xkilldash9x/browsershell/internal/telemetry"
	"github.com/xkilldash9x/browsershell/internal/webext"
	"github.com/xkilldash9x/browsershell/internal/window"
)

const defaultShutdownTimeout = 30 * time.Second

// Option configures New.
type Option func(*options)

type options struct {
	providerOpts []provider.Option
	noWindow     bool
}

// WithProviderOptions passes options to the engine provider, typically a
// test factory.
func WithProviderOptions(opts ...provider.Option) Option {
	return func(o *options) { o.providerOpts = append(o.providerOpts, opts...) }
}

// WithoutInitialWindow skips opening the first window at startup.
func WithoutInitialWindow() Option {
	return func(o *options) { o.noWindow = true }
}

// Shell is a running browser shell.
type Shell struct {
	logger    *zap.Logger
	cfg       config.Interface
	opTimeout time.Duration

	loop     *mainloop.Loop
	loopDone chan struct{}
	provider *provider.Provider
	runtime  engine.Runtime
	registry *session.Registry
	windows  *window.Manager
	ext      *webext.Runtime
	rec      *recording

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds and starts a shell. On failure everything created so far is
// torn down again.
func New(ctx context.Context, logger *zap.Logger, cfg config.Interface, opts ...Option) (s *Shell, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s = &Shell{
		logger:    logger.Named("shell"),
		cfg:       cfg,
		opTimeout: cfg.Engine().OpTimeout,
		loop:      mainloop.New(logger),
		loopDone:  make(chan struct{}),
	}
	go func() {
		defer close(s.loopDone)
		if err := s.loop.Run(context.Background()); err != nil {
			s.logger.Debug("Main loop exited.", zap.Error(err))
		}
	}()

	defer func() {
		if err != nil {
			s.logger.Warn("Shell initialization failed, shutting down partially created components.", zap.Error(err))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			defer cancel()
			_ = s.Shutdown(shutdownCtx)
			s = nil
		}
	}()

	// 1. Telemetry
	s.rec, err = startRecording(ctx, logger, cfg.Telemetry())
	if err != nil {
		return s, err
	}
	var events telemetry.Publisher = telemetry.Discard
	if s.rec != nil {
		events = s.rec.bus
	}

	// 2. Engine runtime
	s.provider = provider.New(logger, cfg, o.providerOpts...)
	s.runtime, err = s.provider.GetOrCreateRuntime(ctx)
	if err != nil {
		return s, err
	}
	s.logger.Info("Engine runtime ready.", zap.String("backend", string(s.runtime.Backend())))

	// 3. Sessions and windows. Delegate callbacks are replayed on the loop.
	s.registry = session.NewRegistry(logger, s.runtime,
		session.WithDispatcher(s.loop),
		session.WithDefaultPrivate(cfg.Privacy().DefaultPrivate),
	)
	wc := cfg.Windows()
	s.windows = window.NewManager(logger, s.registry, window.Config{
		MaxWindows: wc.MaxWindows,
		HomeURI:    wc.HomeURI,
		Width:      wc.DefaultWidth,
		Height:     wc.DefaultHeight,
	}, events)

	// 4. Extensions
	xc := cfg.Extensions()
	s.ext = webext.NewRuntime(logger, s.runtime.Extensions(), s.registry, s.windows,
		webext.Config{TabOpenRate: xc.TabOpenRate, TabOpenBurst: xc.TabOpenBurst},
		webext.WithDispatcher(s.loop),
		webext.WithEvents(events),
	)
	s.installBuiltins(ctx, xc.Builtins)

	// 5. First window
	if !o.noWindow {
		if _, err = s.OpenWindow(ctx, window.PlacementFront, cfg.Privacy().DefaultPrivate); err != nil {
			return s, fmt.Errorf("failed to open the first window: %w", err)
		}
	}
	return s, nil
}

// installBuiltins installs the configured built-in extensions concurrently.
// A built-in that fails to install is logged and skipped.
func (s *Shell) installBuiltins(ctx context.Context, builtins []config.BuiltinExtension) {
	if len(builtins) == 0 {
		return
	}
	var g errgroup.Group
	for _, b := range builtins {
		g.Go(func() error {
			opCtx, cancel := s.opContext(ctx)
			defer cancel()
			ext, err := s.ext.InstallBuiltIn(opCtx, b.ID, b.URL).Await(opCtx)
			if err != nil {
				s.logger.Warn("Built-in extension was not installed.", zap.String("extension_id", b.ID), zap.Error(err))
				return nil
			}
			s.logger.Info("Built-in extension installed.", zap.String("extension_id", ext.ID()), zap.String("version", ext.Version()))
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Shell) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Do runs fn on the main loop and waits for it.
func (s *Shell) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.loop.Do(ctx, fn)
}

// doValue is Do for tasks with a result. The result travels over a
// channel so a caller that gives up early never shares memory with the task.
func doValue[T any](ctx context.Context, s *Shell, fn func(ctx context.Context) (T, error)) (T, error) {
	out := make(chan T, 1)
	err := s.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out <- v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return <-out, nil
}

// Registry, Windows, Extensions and Backend expose the assembled parts.
// Mutations must go through Do.
func (s *Shell) Registry() *session.Registry { return s.registry }
func (s *Shell) Windows() *window.Manager    { return s.windows }
func (s *Shell) Extensions() *webext.Runtime { return s.ext }
func (s *Shell) Backend() engine.Kind        { return s.runtime.Backend() }

// MetricsAddr is where Prometheus metrics are served, or "" when disabled.
func (s *Shell) MetricsAddr() string { return s.rec.MetricsAddr() }

// -- Window and tab operations --

func (s *Shell) OpenWindow(ctx context.Context, placement window.Placement, private bool) (string, error) {
	return doValue(ctx, s, func(ctx context.Context) (string, error) {
		return s.windows.OpenWindow(ctx, placement, private)
	})
}

func (s *Shell) CloseWindow(ctx context.Context, id string) error {
	return s.Do(ctx, func(ctx context.Context) error {
		return s.windows.CloseWindow(ctx, id)
	})
}

// AddTab opens uri in a new foreground tab of windowID, or of the focused
// window when windowID is empty.
func (s *Shell) AddTab(ctx context.Context, windowID, uri string) (*session.Session, error) {
	return doValue(ctx, s, func(ctx context.Context) (*session.Session, error) {
		id := windowID
		if id == "" {
			w, ok := s.windows.FocusedWindow()
			if !ok {
				return nil, fmt.Errorf("no window to add a tab to: %w", errNoWindow)
			}
			id = w.ID
		}
		return s.windows.AddTab(ctx, id, uri)
	})
}

func (s *Shell) CloseTab(ctx context.Context, sessionID string) error {
	return s.Do(ctx, func(ctx context.Context) error {
		return s.windows.CloseTab(ctx, sessionID)
	})
}

func (s *Shell) SelectTab(ctx context.Context, sessionID string) error {
	return s.Do(ctx, func(context.Context) error {
		return s.windows.SelectTab(sessionID)
	})
}

func (s *Shell) EnterPrivateMode(ctx context.Context) error {
	return s.Do(ctx, s.windows.EnterPrivateMode)
}

func (s *Shell) ExitPrivateMode(ctx context.Context) error {
	return s.Do(ctx, s.windows.ExitPrivateMode)
}

// Load navigates a session and waits for the engine to accept the load.
func (s *Shell) Load(ctx context.Context, sessionID, uri string) error {
	sess, err := doValue(ctx, s, func(context.Context) (*session.Session, error) {
		return s.registry.Get(sessionID)
	})
	if err != nil {
		return err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	_, err = sess.LoadURI(uri, engine.LoadNone).Await(opCtx)
	return err
}

// -- Extensions --

// InstallExtension installs a user extension and waits until its handlers
// are registered.
func (s *Shell) InstallExtension(ctx context.Context, id, url string) (*webext.Extension, error) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	return s.ext.Install(opCtx, id, url).Await(opCtx)
}

// TogglePopup shows ext's action popup over the active session.
func (s *Shell) TogglePopup(ctx context.Context, extID string) (*session.Session, error) {
	return doValue(ctx, s, func(ctx context.Context) (*session.Session, error) {
		return s.ext.TogglePopup(ctx, extID)
	})
}

var errNoWindow = errors.New("no open window")

// Shutdown stops the shell in order: extension ports, windows and sessions
// on the loop, then the loop itself, then the engine and telemetry. It is
// safe to call more than once.
func (s *Shell) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { s.shutdownErr = s.shutdown(ctx) })
	return s.shutdownErr
}

func (s *Shell) shutdown(ctx context.Context) error {
	s.logger.Debug("Beginning shell shutdown sequence.")

	// 1. Stop producers on the loop so no callback races the teardown.
	err := s.Do(ctx, func(context.Context) error {
		if s.ext != nil {
			s.ext.Shutdown()
		}
		if s.windows != nil {
			s.windows.Close()
		}
		if s.registry != nil {
			s.registry.Shutdown()
		}
		return nil
	})
	if err != nil && !errors.Is(err, mainloop.ErrStopped) {
		s.logger.Warn("Shell state teardown did not complete.", zap.Error(err))
	}

	// 2. The loop.
	s.loop.Stop()
	<-s.loopDone

	// 3. Engine and telemetry release independently.
	var g errgroup.Group
	if s.provider != nil {
		g.Go(func() error {
			if err := s.provider.Shutdown(ctx); err != nil {
				return fmt.Errorf("engine shutdown: %w", err)
			}
			s.logger.Debug("Engine runtime shut down.")
			return nil
		})
	}
	if s.rec != nil {
		rec := s.rec
		g.Go(func() error {
			rec.close(ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("Error during shell shutdown.", zap.Error(err))
		return err
	}
	s.logger.Info("Shell shut down.")
	return nil
}
