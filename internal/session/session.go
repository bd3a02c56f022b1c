// File: internal/session/session.go
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateCreated sessions have not been shown in a window yet.
	StateCreated State = iota
	// StateDisplayed sessions have been linked into a window at least once.
	StateDisplayed
	// StateUnlinked sessions have released their engine session.
	StateUnlinked
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDisplayed:
		return "displayed"
	case StateUnlinked:
		return "unlinked"
	default:
		return "unknown"
	}
}

// Session is one browsing context (a tab). It owns exactly one engine
// session. The parent is kept as an id and resolved through the Registry.
type Session struct {
	id           string
	private      bool
	webExtension bool
	engine       engine.Session
	reg          *Registry
	logger       *zap.Logger

	mu          sync.Mutex
	uri         string
	title       string
	parentID    string
	lastUse     time.Time
	useSeq      uint64
	uaMode      engine.UserAgentMode
	state       State
	unlinkHooks []unlinkHook
	hookSeq     int
}

type unlinkHook struct {
	id int
	fn func()
}

func (s *Session) ID() string { return s.id }

// Private is fixed at creation.
func (s *Session) Private() bool { return s.private }

// IsWebExtension reports whether the session was opened by an extension.
func (s *Session) IsWebExtension() bool { return s.webExtension }

// EngineSessionID is the id of the backing engine session.
func (s *Session) EngineSessionID() string { return s.engine.ID() }

func (s *Session) ParentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parentID
}

func (s *Session) URI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uri
}

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *Session) LastUse() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUse
}

func (s *Session) UserAgentMode() engine.UserAgentMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uaMode
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// usage returns the use counter that orders sessions by recency.
func (s *Session) usage() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useSeq
}

// UpdateLastUse marks the session as just used.
func (s *Session) UpdateLastUse() {
	now, seq := s.reg.tick()
	s.mu.Lock()
	s.lastUse = now
	s.useSeq = seq
	s.mu.Unlock()
}

func (s *Session) setURI(uri string) {
	s.mu.Lock()
	s.uri = uri
	s.mu.Unlock()
}

func (s *Session) setTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

func (s *Session) unlinked() error {
	if s.State() == StateUnlinked {
		return errdefs.InvalidState("session %s is unlinked", s.id)
	}
	return nil
}

// LoadURI navigates the session. Flags pass through to the engine.
func (s *Session) LoadURI(uri string, flags engine.LoadFlags) *result.Result[struct{}] {
	if err := s.unlinked(); err != nil {
		return result.FromError[struct{}](err)
	}
	s.UpdateLastUse()
	s.logger.Debug("Loading URI.", zap.String("session_id", s.id), zap.String("uri", uri))
	return s.engine.LoadURI(uri, flags)
}

func (s *Session) Reload(flags engine.LoadFlags) *result.Result[struct{}] {
	if err := s.unlinked(); err != nil {
		return result.FromError[struct{}](err)
	}
	return s.engine.Reload(flags)
}

func (s *Session) GoBack() *result.Result[struct{}] {
	if err := s.unlinked(); err != nil {
		return result.FromError[struct{}](err)
	}
	return s.engine.GoBack()
}

func (s *Session) GoForward() *result.Result[struct{}] {
	if err := s.unlinked(); err != nil {
		return result.FromError[struct{}](err)
	}
	return s.engine.GoForward()
}

func (s *Session) Stop() {
	if s.unlinked() == nil {
		s.engine.Stop()
	}
}

func (s *Session) Find(query string, flags engine.FindFlags) *result.Result[engine.FindResult] {
	if err := s.unlinked(); err != nil {
		return result.FromError[engine.FindResult](err)
	}
	return s.engine.Find(query, flags)
}

// SetActive tells the engine whether the session is visible.
func (s *Session) SetActive(active bool) {
	if s.unlinked() != nil {
		return
	}
	if active {
		s.UpdateLastUse()
	}
	s.engine.SetActive(active)
}

// SetUserAgentMode switches the UA and reloads the page when the mode
// actually changed and something is loaded.
func (s *Session) SetUserAgentMode(mode engine.UserAgentMode) *result.Result[struct{}] {
	if err := s.unlinked(); err != nil {
		return result.FromError[struct{}](err)
	}
	s.mu.Lock()
	changed := s.uaMode != mode
	s.uaMode = mode
	loaded := s.uri != ""
	s.mu.Unlock()

	applied := s.engine.SetUserAgentMode(mode)
	if !changed || !loaded {
		return applied
	}
	return result.Then(applied, func(struct{}) (*result.Result[struct{}], error) {
		return s.engine.Reload(engine.LoadBypassCache), nil
	}, nil)
}

// SetParentSession records the parent id. It is rejected once the session
// has been shown in a window. Registry.SetParentSession validates the
// parent before calling it.
func (s *Session) SetParentSession(parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return errdefs.InvalidState("cannot reparent session %s after it was %s", s.id, s.state)
	}
	s.parentID = parentID
	return nil
}

// MarkDisplayed records that the session has been linked into a window.
func (s *Session) MarkDisplayed() {
	s.mu.Lock()
	if s.state == StateCreated {
		s.state = StateDisplayed
	}
	s.mu.Unlock()
}

// OnUnlink registers fn to run at the start of Unlink, before the engine
// session is released. The returned func removes the hook.
func (s *Session) OnUnlink(fn func()) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnlinked {
		return func() {}
	}
	s.hookSeq++
	id := s.hookSeq
	s.unlinkHooks = append(s.unlinkHooks, unlinkHook{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, h := range s.unlinkHooks {
			if h.id == id {
				s.unlinkHooks = append(s.unlinkHooks[:i], s.unlinkHooks[i+1:]...)
				return
			}
		}
	}
}

// Unlink releases the engine session. Unlink hooks (port disconnects) run
// first, then the engine session leaves the shared state store, then it is
// closed. Calling Unlink again is a no-op.
func (s *Session) Unlink() error {
	s.mu.Lock()
	if s.state == StateUnlinked {
		s.mu.Unlock()
		return nil
	}
	s.state = StateUnlinked
	hooks := s.unlinkHooks
	s.unlinkHooks = nil
	s.mu.Unlock()

	for _, h := range hooks {
		h.fn()
	}
	s.reg.store.Remove(s.engine.ID())
	s.engine.SetDelegate(nil)
	if err := s.engine.Close(); err != nil {
		return errdefs.BackendFailure("close session", s.id, err)
	}
	return nil
}
