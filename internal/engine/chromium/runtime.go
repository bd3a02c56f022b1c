// Package chromium runs the shell on a Chromium process driven over the
// DevTools protocol.
package chromium

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
)

const shutdownTimeout = 15 * time.Second

// Options configure the browser process.
type Options struct {
	Headless   bool
	BinaryPath string
	Args       []string
	Loader     engine.Loader
}

// Runtime is an engine.Runtime backed by one Chromium process. Each engine
// session is a tab; private sessions get their own browser context.
type Runtime struct {
	logger *zap.Logger
	ext    *engine.ExtensionManager

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	seq      int
	sessions map[string]*Session
	scripts  map[engine.ScriptHandle]string
	order    []engine.ScriptHandle
	closed   bool
}

var _ engine.Runtime = (*Runtime)(nil)

// New launches Chromium and waits for the browser connection.
func New(ctx context.Context, logger *zap.Logger, opts Options) (*Runtime, error) {
	r := &Runtime{
		logger:   logger.Named("chromium"),
		sessions: make(map[string]*Session),
		scripts:  make(map[engine.ScriptHandle]string),
	}
	r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), execOptions(opts)...)
	r.browserCtx, r.browserCancel = chromedp.NewContext(r.allocCtx,
		chromedp.WithLogf(r.logger.Sugar().Debugf),
		chromedp.WithErrorf(r.logger.Sugar().Warnf))

	// The first Run starts the process and must not carry a deadline, so
	// the caller's context is only raced against it.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(r.browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			r.release()
			return nil, errdefs.BackendFailure("launch", string(engine.KindChromium), err)
		}
	case <-ctx.Done():
		r.release()
		return nil, ctx.Err()
	}

	r.ext = engine.NewExtensionManager(r.logger, r, opts.Loader)
	r.logger.Info("Chromium started.", zap.Bool("headless", opts.Headless))
	return r, nil
}

// execOptions turns Options into allocator flags. Args accept "--name",
// "name" and "name=value" forms.
func execOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.Flag("enable-automation", true),
		chromedp.Flag("disable-popup-blocking", true),
	}
	if opts.Headless {
		out = append(out, chromedp.Headless)
	}
	if opts.BinaryPath != "" {
		out = append(out, chromedp.ExecPath(opts.BinaryPath))
	}
	for _, arg := range opts.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if !found {
			out = append(out, chromedp.Flag(key, true))
			continue
		}
		if b, err := strconv.ParseBool(value); err == nil {
			out = append(out, chromedp.Flag(key, b))
			continue
		}
		out = append(out, chromedp.Flag(key, value))
	}
	return out
}

func (r *Runtime) Backend() engine.Kind { return engine.KindChromium }

func (r *Runtime) Extensions() engine.ExtensionController { return r.ext }

// CreateSession opens a tab. Scripts registered so far are installed
// before it is handed out.
func (r *Runtime) CreateSession(ctx context.Context, settings engine.SessionSettings) (engine.Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errdefs.InvalidState("chromium runtime is shut down")
	}
	r.seq++
	id := "chromium-" + strconv.Itoa(r.seq)
	scripts := r.scriptsLocked()
	r.mu.Unlock()

	s, err := newSession(ctx, r, id, settings, scripts)
	if err != nil {
		return nil, errdefs.BackendFailure("create session", id, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = s.Close()
		return nil, errdefs.InvalidState("chromium runtime is shut down")
	}
	r.sessions[id] = s
	r.mu.Unlock()
	return s, nil
}

type namedScript struct {
	handle engine.ScriptHandle
	source string
}

func (r *Runtime) scriptsLocked() []namedScript {
	out := make([]namedScript, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, namedScript{handle: h, source: r.scripts[h]})
	}
	return out
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

func (r *Runtime) forget(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	r.ext.SessionClosed(id)
}

// AddScript registers script for every new document and runs it in the
// pages that are already open.
func (r *Runtime) AddScript(ctx context.Context, script string) (engine.ScriptHandle, error) {
	h := engine.ScriptHandle(uuid.NewString())
	r.mu.Lock()
	r.scripts[h] = script
	r.order = append(r.order, h)
	r.mu.Unlock()

	for _, s := range r.liveSessions() {
		if err := s.installScript(ctx, h, script, true); err != nil {
			r.logger.Warn("Could not install script in tab.", zap.String("engine_session", s.id), zap.Error(err))
		}
	}
	return h, nil
}

func (r *Runtime) RemoveScript(ctx context.Context, h engine.ScriptHandle) error {
	r.mu.Lock()
	delete(r.scripts, h)
	for i, cur := range r.order {
		if cur == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range r.liveSessions() {
		errs = append(errs, s.removeScript(ctx, h))
	}
	return errors.Join(errs...)
}

func (r *Runtime) Evaluate(ctx context.Context, engineSessionID, script string) error {
	s := r.session(engineSessionID)
	if s == nil {
		return errdefs.NotFound("engine session", engineSessionID)
	}
	return s.run(ctx, chromedp.Evaluate(script, nil))
}

// Shutdown closes every tab and then the browser process.
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

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(r.browserCtx) }()
	wait, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	case <-wait.Done():
		r.logger.Warn("Timed out waiting for Chromium to exit.")
	}
	r.release()
	r.logger.Info("Chromium stopped.")
	return errors.Join(errs...)
}

func (r *Runtime) release() {
	r.browserCancel()
	r.allocCancel()
}
