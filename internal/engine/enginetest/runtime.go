// Package enginetest provides an in-memory engine backend for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
)

// Runtime is a controllable engine.Runtime. Pages are plain strings; a
// page's text is the URI it was loaded with unless SetPageText says otherwise.
type Runtime struct {
	logger *zap.Logger
	kind   engine.Kind
	ext    *engine.ExtensionManager
	host   *ScriptHost

	mu       sync.Mutex
	seq      int
	sessions map[string]*Session
	shutdown bool

	// FailCreate, when set, is returned by the next CreateSession call.
	FailCreate error
}

// New creates a runtime reporting itself as kind.
func New(logger *zap.Logger, kind engine.Kind) *Runtime {
	r := &Runtime{
		logger:   logger.Named("enginetest"),
		kind:     kind,
		sessions: make(map[string]*Session),
	}
	r.host = &ScriptHost{rt: r, scripts: make(map[engine.ScriptHandle]string)}
	r.ext = engine.NewExtensionManager(r.logger, r.host, engine.Loader{})
	return r
}

func (r *Runtime) Backend() engine.Kind { return r.kind }

func (r *Runtime) Extensions() engine.ExtensionController { return r.ext }

// ExtensionManager exposes the manager for envelope injection.
func (r *Runtime) ExtensionManager() *engine.ExtensionManager { return r.ext }

// Host exposes the script host.
func (r *Runtime) Host() *ScriptHost { return r.host }

func (r *Runtime) CreateSession(ctx context.Context, settings engine.SessionSettings) (engine.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, errdefs.InvalidState("runtime is shut down")
	}
	if err := r.FailCreate; err != nil {
		r.FailCreate = nil
		return nil, errdefs.BackendFailure("create session", "", err)
	}
	r.seq++
	s := &Session{
		rt:       r,
		id:       fmt.Sprintf("engine-%d", r.seq),
		private:  settings.Private,
		uaMode:   settings.UserAgentMode,
		queue:    engine.NewOpQueue(r.logger),
		pageText: make(map[string]string),
	}
	r.sessions[s.id] = s
	return s, nil
}

func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Session returns the engine session with id, or nil.
func (r *Runtime) Session(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Sessions returns the live engine sessions ordered by id.
func (r *Runtime) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Emit feeds a page payload from engineSessionID into the extension bridge.
func (r *Runtime) Emit(engineSessionID, payload string) {
	private := false
	if s := r.Session(engineSessionID); s != nil {
		private = s.private
	}
	r.ext.HandleEnvelope(engineSessionID, private, payload)
}

func (r *Runtime) forget(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	r.ext.SessionClosed(id)
}

// Session is an in-memory engine.Session.
type Session struct {
	rt      *Runtime
	id      string
	private bool
	queue   *engine.OpQueue

	mu       sync.Mutex
	uri      string
	back     []string
	forward  []string
	uaMode   engine.UserAgentMode
	active   bool
	closed   bool
	delegate engine.Delegate
	loads    []Load
	failNext error
	gate     chan struct{}
	pageText map[string]string
	reloads  int
}

// Load records one navigation.
type Load struct {
	URI   string
	Flags engine.LoadFlags
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Private() bool { return s.private }

// FailNext makes the next operation fail with err.
func (s *Session) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// Hold makes operations wait until the returned release func is called.
func (s *Session) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// SetPageText sets what Find searches for uri.
func (s *Session) SetPageText(uri, text string) {
	s.mu.Lock()
	s.pageText[uri] = text
	s.mu.Unlock()
}

func (s *Session) begin(ctx context.Context, op string) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errdefs.InvalidState("engine session %s closed", s.id)
	}
	if err := s.failNext; err != nil {
		s.failNext = nil
		return errdefs.BackendFailure(op, s.id, err)
	}
	return nil
}

func (s *Session) navigate(uri string, flags engine.LoadFlags, push bool) {
	s.mu.Lock()
	if push && s.uri != "" && !flags.Has(engine.LoadReplaceHistory) {
		s.back = append(s.back, s.uri)
		s.forward = nil
	}
	s.uri = uri
	s.loads = append(s.loads, Load{URI: uri, Flags: flags})
	d := s.delegate
	s.mu.Unlock()
	if d != nil {
		d.OnLocationChange(s.id, uri)
		d.OnTitleChange(s.id, uri)
		d.OnPageStop(s.id, true)
	}
}

func (s *Session) LoadURI(uri string, flags engine.LoadFlags) *result.Result[struct{}] {
	return engine.Submit(s.queue, "load", func(ctx context.Context) (struct{}, error) {
		if err := s.begin(ctx, "load"); err != nil {
			return struct{}{}, err
		}
		s.navigate(uri, flags, true)
		return struct{}{}, nil
	})
}

func (s *Session) Reload(flags engine.LoadFlags) *result.Result[struct{}] {
	return engine.Submit(s.queue, "reload", func(ctx context.Context) (struct{}, error) {
		if err := s.begin(ctx, "reload"); err != nil {
			return struct{}{}, err
		}
		s.mu.Lock()
		s.reloads++
		uri := s.uri
		s.mu.Unlock()
		s.navigate(uri, flags|engine.LoadReplaceHistory, false)
		return struct{}{}, nil
	})
}

func (s *Session) GoBack() *result.Result[struct{}] {
	return engine.Submit(s.queue, "back", func(ctx context.Context) (struct{}, error) {
		if err := s.begin(ctx, "back"); err != nil {
			return struct{}{}, err
		}
		s.mu.Lock()
		if len(s.back) == 0 {
			s.mu.Unlock()
			return struct{}{}, nil
		}
		prev := s.back[len(s.back)-1]
		s.back = s.back[:len(s.back)-1]
		s.forward = append(s.forward, s.uri)
		s.mu.Unlock()
		s.navigate(prev, engine.LoadNone, false)
		return struct{}{}, nil
	})
}

func (s *Session) GoForward() *result.Result[struct{}] {
	return engine.Submit(s.queue, "forward", func(ctx context.Context) (struct{}, error) {
		if err := s.begin(ctx, "forward"); err != nil {
			return struct{}{}, err
		}
		s.mu.Lock()
		if len(s.forward) == 0 {
			s.mu.Unlock()
			return struct{}{}, nil
		}
		next := s.forward[len(s.forward)-1]
		s.forward = s.forward[:len(s.forward)-1]
		s.back = append(s.back, s.uri)
		s.mu.Unlock()
		s.navigate(next, engine.LoadNone, false)
		return struct{}{}, nil
	})
}

func (s *Session) Stop() {}

func (s *Session) Find(query string, flags engine.FindFlags) *result.Result[engine.FindResult] {
	return engine.Submit(s.queue, "find", func(ctx context.Context) (engine.FindResult, error) {
		if err := s.begin(ctx, "find"); err != nil {
			return engine.FindResult{}, err
		}
		s.mu.Lock()
		text, ok := s.pageText[s.uri]
		if !ok {
			text = s.uri
		}
		s.mu.Unlock()
		if query == "" {
			return engine.FindResult{}, nil
		}
		if flags&engine.FindMatchCase == 0 {
			text, query = strings.ToLower(text), strings.ToLower(query)
		}
		n := strings.Count(text, query)
		if n == 0 {
			return engine.FindResult{}, nil
		}
		current := 1
		if flags&engine.FindBackwards != 0 {
			current = n
		}
		return engine.FindResult{Found: true, Total: n, Current: current}, nil
	})
}

func (s *Session) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

func (s *Session) SetUserAgentMode(mode engine.UserAgentMode) *result.Result[struct{}] {
	return engine.Submit(s.queue, "user agent", func(ctx context.Context) (struct{}, error) {
		if err := s.begin(ctx, "user agent"); err != nil {
			return struct{}{}, err
		}
		s.mu.Lock()
		s.uaMode = mode
		s.mu.Unlock()
		return struct{}{}, nil
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
	s.queue.Close()
	s.rt.forget(s.id)
	return nil
}

// Loads returns the navigations performed so far.
func (s *Session) Loads() []Load {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Load(nil), s.loads...)
}

func (s *Session) URI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uri
}

func (s *Session) UserAgentMode() engine.UserAgentMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uaMode
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Reloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

// ScriptHost records injected scripts and evaluations.
type ScriptHost struct {
	rt *Runtime

	mu        sync.Mutex
	seq       int
	scripts   map[engine.ScriptHandle]string
	evaluated []Evaluation
}

// Evaluation is one script run in an engine session.
type Evaluation struct {
	EngineSessionID string
	Script          string
}

func (h *ScriptHost) AddScript(ctx context.Context, script string) (engine.ScriptHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	id := engine.ScriptHandle(fmt.Sprintf("script-%d", h.seq))
	h.scripts[id] = script
	return id, nil
}

func (h *ScriptHost) RemoveScript(ctx context.Context, id engine.ScriptHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.scripts, id)
	return nil
}

func (h *ScriptHost) Evaluate(ctx context.Context, engineSessionID, script string) error {
	if h.rt.Session(engineSessionID) == nil {
		return errdefs.NotFound("engine session", engineSessionID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evaluated = append(h.evaluated, Evaluation{EngineSessionID: engineSessionID, Script: script})
	return nil
}

// Evaluations returns every script evaluated so far.
func (h *ScriptHost) Evaluations() []Evaluation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Evaluation(nil), h.evaluated...)
}

// ScriptCount returns the number of injected scripts.
func (h *ScriptHost) ScriptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.scripts)
}
