package chromium

import (
	"context"
	"errors"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/engine/portwire"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
)

// Session is one Chromium tab.
type Session struct {
	rt      *Runtime
	id      string
	private bool
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// queue runs navigation in order; events moves CDP callbacks off the
	// listener goroutine without reordering them.
	queue  *engine.OpQueue
	events *engine.OpQueue

	mu       sync.Mutex
	delegate engine.Delegate
	scripts  map[engine.ScriptHandle]page.ScriptIdentifier
	closed   bool
}

var _ engine.Session = (*Session)(nil)

func newSession(ctx context.Context, rt *Runtime, id string, settings engine.SessionSettings, scripts []namedScript) (*Session, error) {
	var opts []chromedp.ContextOption
	if settings.Private {
		opts = append(opts, chromedp.WithNewBrowserContext())
	}
	tabCtx, cancel := chromedp.NewContext(rt.browserCtx, opts...)

	s := &Session{
		rt:      rt,
		id:      id,
		private: settings.Private,
		logger:  rt.logger.With(zap.String("engine_session", id)),
		ctx:     tabCtx,
		cancel:  cancel,
		queue:   engine.NewOpQueue(rt.logger),
		events:  engine.NewOpQueue(rt.logger),
		scripts: make(map[engine.ScriptHandle]page.ScriptIdentifier),
	}

	// Creates the target.
	if err := chromedp.Run(tabCtx); err != nil {
		s.teardown()
		return nil, err
	}
	chromedp.ListenTarget(tabCtx, s.onEvent)

	setup := chromedp.Tasks{
		page.Enable(),
		runtime.Enable(),
		runtime.AddBinding(portwire.BindingName),
		emulation.SetUserAgentOverride(engine.UserAgentFor(settings.UserAgentMode)),
	}
	if err := s.run(ctx, setup); err != nil {
		s.teardown()
		return nil, err
	}
	for _, sc := range scripts {
		if err := s.installScript(ctx, sc.handle, sc.source, false); err != nil {
			s.teardown()
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Private() bool { return s.private }

// run executes actions on the tab under ctx's deadline.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := engine.CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (s *Session) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		if e.Name != portwire.BindingName {
			return
		}
		payload := e.Payload
		engine.Submit(s.events, "envelope", func(context.Context) (struct{}, error) {
			s.rt.ext.HandleEnvelope(s.id, s.private, payload)
			return struct{}{}, nil
		})
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		uri := e.Frame.URL + e.Frame.URLFragment
		engine.Submit(s.events, "location", func(context.Context) (struct{}, error) {
			if d := s.currentDelegate(); d != nil {
				d.OnLocationChange(s.id, uri)
			}
			return struct{}{}, nil
		})
	case *page.EventLoadEventFired:
		engine.Submit(s.events, "load", func(ctx context.Context) (struct{}, error) {
			d := s.currentDelegate()
			if d == nil {
				return struct{}{}, nil
			}
			var title string
			if err := s.run(ctx, chromedp.Title(&title)); err == nil {
				d.OnTitleChange(s.id, title)
			}
			d.OnPageStop(s.id, true)
			return struct{}{}, nil
		})
	}
}

func (s *Session) currentDelegate() engine.Delegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}

func (s *Session) installScript(ctx context.Context, h engine.ScriptHandle, source string, runNow bool) error {
	var id page.ScriptIdentifier
	actions := chromedp.Tasks{chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		id, err = page.AddScriptToEvaluateOnNewDocument(source).Do(ctx)
		return err
	})}
	if runNow {
		actions = append(actions, chromedp.Evaluate(source, nil))
	}
	if err := s.run(ctx, actions); err != nil && id == "" {
		return err
	}
	s.mu.Lock()
	s.scripts[h] = id
	s.mu.Unlock()
	return nil
}

func (s *Session) removeScript(ctx context.Context, h engine.ScriptHandle) error {
	s.mu.Lock()
	id, ok := s.scripts[h]
	delete(s.scripts, h)
	closed := s.closed
	s.mu.Unlock()
	if !ok || closed {
		return nil
	}
	return s.run(ctx, page.RemoveScriptToEvaluateOnNewDocument(id))
}

func (s *Session) op(name string, actions ...chromedp.Action) *result.Result[struct{}] {
	return engine.Submit(s.queue, name, func(ctx context.Context) (struct{}, error) {
		if err := s.run(ctx, actions...); err != nil {
			if errors.Is(err, context.Canceled) {
				return struct{}{}, err
			}
			return struct{}{}, errdefs.BackendFailure(name, s.id, err)
		}
		return struct{}{}, nil
	})
}

func (s *Session) LoadURI(uri string, flags engine.LoadFlags) *result.Result[struct{}] {
	var actions chromedp.Tasks
	if flags.Has(engine.LoadBypassCache) {
		actions = append(actions, network.ClearBrowserCache())
	}
	if flags.Has(engine.LoadReplaceHistory) {
		script, err := engine.ReplaceLocationScript(uri)
		if err != nil {
			return result.FromError[struct{}](err)
		}
		actions = append(actions, chromedp.Evaluate(script, nil))
	} else {
		actions = append(actions, chromedp.Navigate(uri))
	}
	return s.op("load", actions)
}

func (s *Session) Reload(flags engine.LoadFlags) *result.Result[struct{}] {
	return s.op("reload", page.Reload().WithIgnoreCache(flags.Has(engine.LoadBypassCache)))
}

// GoBack and GoForward are no-ops at either end of the history.
func (s *Session) GoBack() *result.Result[struct{}] {
	return s.op("back", historyStep(-1))
}

func (s *Session) GoForward() *result.Result[struct{}] {
	return s.op("forward", historyStep(1))
}

func historyStep(delta int64) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		cur, entries, err := page.GetNavigationHistory().Do(ctx)
		if err != nil {
			return err
		}
		next := cur + delta
		if next < 0 || next >= int64(len(entries)) {
			return nil
		}
		return page.NavigateToHistoryEntry(entries[next].ID).Do(ctx)
	})
}

// Stop bypasses the queue so it can interrupt a running load.
func (s *Session) Stop() {
	go func() {
		if err := s.run(context.Background(), chromedp.Stop()); err != nil {
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
		var raw string
		if err := s.run(ctx, chromedp.Evaluate(script, &raw)); err != nil {
			return engine.FindResult{}, errdefs.BackendFailure("find", s.id, err)
		}
		return engine.ParseFindResult(raw)
	})
}

// SetActive brings the tab to the front and toggles focus emulation so
// background tabs keep rendering as unfocused.
func (s *Session) SetActive(active bool) {
	actions := chromedp.Tasks{emulation.SetFocusEmulationEnabled(active)}
	if active {
		actions = append(actions, page.BringToFront())
	}
	s.op("activate", actions).Accept(nil, func(_ struct{}, err error) {
		if err != nil {
			s.logger.Debug("Could not change tab activity.", zap.Bool("active", active), zap.Error(err))
		}
	})
}

func (s *Session) SetUserAgentMode(mode engine.UserAgentMode) *result.Result[struct{}] {
	return s.op("user agent", emulation.SetUserAgentOverride(engine.UserAgentFor(mode)))
}

func (s *Session) SetDelegate(d engine.Delegate) {
	s.mu.Lock()
	s.delegate = d
	s.mu.Unlock()
}

// Close stops the queues and closes the tab. Closing a private tab also
// disposes its browser context.
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
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
