package gecko

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/engine/portwire"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
)

// Session is one Firefox page.
type Session struct {
	rt      *Runtime
	id      string
	private bool
	logger  *zap.Logger
	page    playwright.Page
	bctx    playwright.BrowserContext
	// owned is set when bctx belongs to this session alone.
	owned bool

	// Playwright event handlers must not block, so page events are
	// replayed on events in arrival order.
	queue  *engine.OpQueue
	events *engine.OpQueue

	mu       sync.Mutex
	delegate engine.Delegate
	uaMode   engine.UserAgentMode
	closed   bool
}

var _ engine.Session = (*Session)(nil)

func newSession(rt *Runtime, id string, settings engine.SessionSettings, p playwright.Page, bctx playwright.BrowserContext, owned bool) *Session {
	return &Session{
		rt:      rt,
		id:      id,
		private: settings.Private,
		logger:  rt.logger.With(zap.String("engine_session", id)),
		page:    p,
		bctx:    bctx,
		owned:   owned,
		queue:   engine.NewOpQueue(rt.logger),
		events:  engine.NewOpQueue(rt.logger),
		uaMode:  settings.UserAgentMode,
	}
}

// attach wires the port binding and page events. It runs before the page
// loads anything.
func (s *Session) attach(mode engine.UserAgentMode) error {
	err := s.page.ExposeFunction(portwire.BindingName, func(args ...interface{}) interface{} {
		if len(args) != 1 {
			return nil
		}
		payload, ok := args[0].(string)
		if !ok {
			return nil
		}
		engine.Submit(s.events, "envelope", func(context.Context) (struct{}, error) {
			s.rt.ext.HandleEnvelope(s.id, s.private, payload)
			return struct{}{}, nil
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not expose port binding: %w", err)
	}
	if err := s.page.SetExtraHTTPHeaders(headersFor(mode, false)); err != nil {
		return err
	}

	s.page.OnFrameNavigated(func(f playwright.Frame) {
		if f != s.page.MainFrame() {
			return
		}
		uri := f.URL()
		engine.Submit(s.events, "location", func(context.Context) (struct{}, error) {
			if d := s.currentDelegate(); d != nil {
				d.OnLocationChange(s.id, uri)
			}
			return struct{}{}, nil
		})
	})
	s.page.OnDOMContentLoaded(func(playwright.Page) {
		engine.Submit(s.events, "content scripts", func(ctx context.Context) (struct{}, error) {
			for _, script := range s.rt.currentScripts() {
				if err := s.evaluate(ctx, script); err != nil {
					s.logger.Debug("Content script failed.", zap.Error(err))
				}
			}
			return struct{}{}, nil
		})
	})
	s.page.OnLoad(func(playwright.Page) {
		engine.Submit(s.events, "load", func(context.Context) (struct{}, error) {
			d := s.currentDelegate()
			if d == nil {
				return struct{}{}, nil
			}
			if title, err := s.page.Title(); err == nil {
				d.OnTitleChange(s.id, title)
			}
			d.OnPageStop(s.id, true)
			return struct{}{}, nil
		})
	})
	return nil
}

func headersFor(mode engine.UserAgentMode, bypassCache bool) map[string]string {
	h := map[string]string{"User-Agent": engine.UserAgentFor(mode)}
	if bypassCache {
		h["Cache-Control"] = "no-cache"
		h["Pragma"] = "no-cache"
	}
	return h
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Private() bool { return s.private }

func (s *Session) currentDelegate() engine.Delegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}

// call runs a blocking Playwright call, giving up when ctx ends.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return result.Go(result.Goroutine, fn).Await(ctx)
}

func (s *Session) evaluate(ctx context.Context, script string) error {
	_, err := call(ctx, func() (interface{}, error) {
		return s.page.Evaluate(script)
	})
	return err
}

func (s *Session) op(name string, fn func(ctx context.Context) error) *result.Result[struct{}] {
	return engine.Submit(s.queue, name, func(ctx context.Context) (struct{}, error) {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return struct{}{}, err
			}
			return struct{}{}, errdefs.BackendFailure(name, s.id, err)
		}
		return struct{}{}, nil
	})
}

func (s *Session) mode() engine.UserAgentMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uaMode
}

func (s *Session) LoadURI(uri string, flags engine.LoadFlags) *result.Result[struct{}] {
	return s.op("load", func(ctx context.Context) error {
		if flags.Has(engine.LoadBypassCache) {
			if err := s.page.SetExtraHTTPHeaders(headersFor(s.mode(), true)); err != nil {
				return err
			}
			defer func() { _ = s.page.SetExtraHTTPHeaders(headersFor(s.mode(), false)) }()
		}
		if flags.Has(engine.LoadReplaceHistory) {
			script, err := engine.ReplaceLocationScript(uri)
			if err != nil {
				return err
			}
			return s.evaluate(ctx, script)
		}
		_, err := call(ctx, func() (playwright.Response, error) {
			return s.page.Goto(uri)
		})
		return err
	})
}

func (s *Session) Reload(flags engine.LoadFlags) *result.Result[struct{}] {
	return s.op("reload", func(ctx context.Context) error {
		if flags.Has(engine.LoadBypassCache) {
			if err := s.page.SetExtraHTTPHeaders(headersFor(s.mode(), true)); err != nil {
				return err
			}
			defer func() { _ = s.page.SetExtraHTTPHeaders(headersFor(s.mode(), false)) }()
		}
		_, err := call(ctx, func() (playwright.Response, error) {
			return s.page.Reload()
		})
		return err
	})
}

// GoBack and GoForward resolve without navigating at either end of the
// history.
func (s *Session) GoBack() *result.Result[struct{}] {
	return s.op("back", func(ctx context.Context) error {
		_, err := call(ctx, func() (playwright.Response, error) {
			return s.page.GoBack()
		})
		return err
	})
}

func (s *Session) GoForward() *result.Result[struct{}] {
	return s.op("forward", func(ctx context.Context) error {
		_, err := call(ctx, func() (playwright.Response, error) {
			return s.page.GoForward()
		})
		return err
	})
}

// Stop bypasses the queue so it can interrupt a running load.
func (s *Session) Stop() {
	go func() {
		if err := s.evaluate(context.Background(), engine.StopScript); err != nil {
			s.logger.Debug("Stop failed.", zap.Error(err))
		}
	}()
}

func (s *Session) Find(query string, flags engine.FindFlags) *result.Result[engine.FindResult] {
	return engine.Submit(s.queue, "find", func(ctx context.Context) (engine.FindResult, error) {
		script, err := engine.FindScript(query, flags)
		if err != nil {
			return engine.FindResult{}, err
		}
		v, err := call(ctx, func() (interface{}, error) {
			return s.page.Evaluate(script)
		})
		if err != nil {
			return engine.FindResult{}, errdefs.BackendFailure("find", s.id, err)
		}
		raw, ok := v.(string)
		if !ok {
			return engine.FindResult{}, errdefs.BackendFailure("find", s.id, fmt.Errorf("unexpected find result %T", v))
		}
		return engine.ParseFindResult(raw)
	})
}

// SetActive brings the page to the front. Firefox has no notion of an
// inactive page, so deactivation is a no-op.
func (s *Session) SetActive(active bool) {
	if !active {
		return
	}
	s.op("activate", func(ctx context.Context) error {
		_, err := call(ctx, func() (struct{}, error) {
			return struct{}{}, s.page.BringToFront()
		})
		return err
	}).Accept(nil, func(_ struct{}, err error) {
		if err != nil {
			s.logger.Debug("Could not bring page to front.", zap.Error(err))
		}
	})
}

// SetUserAgentMode changes the User-Agent header of later requests.
func (s *Session) SetUserAgentMode(mode engine.UserAgentMode) *result.Result[struct{}] {
	return s.op("user agent", func(ctx context.Context) error {
		if err := s.page.SetExtraHTTPHeaders(headersFor(mode, false)); err != nil {
			return err
		}
		s.mu.Lock()
		s.uaMode = mode
		s.mu.Unlock()
		return nil
	})
}

func (s *Session) SetDelegate(d engine.Delegate) {
	s.mu.Lock()
	s.delegate = d
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.teardown()
	s.rt.forget(s.id)
	return err
}

func (s *Session) teardown() error {
	s.queue.Close()
	s.events.Close()
	errs := []error{s.page.Close()}
	if s.owned {
		errs = append(errs, s.bctx.Close())
	}
	return errors.Join(errs...)
}
