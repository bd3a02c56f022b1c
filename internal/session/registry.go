// File: internal/session/registry.go
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
)

// CreateOptions control a new session. A non-empty ParentID forces the
// parent's private mode regardless of Private.
type CreateOptions struct {
	ParentID      string
	Private       *bool
	UserAgentMode engine.UserAgentMode
	WebExtension  bool
}

// Referencer reports whether something (a window) still holds a session.
type Referencer func(sessionID string) bool

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultPrivate sets the private mode used when neither a parent nor an
// explicit override decides it.
func WithDefaultPrivate(private bool) Option {
	return func(r *Registry) { r.defaultPrivate = private }
}

// WithDispatcher sets where engine delegate callbacks are redispatched.
// Production code passes the main loop.
func WithDispatcher(d result.Dispatcher) Option {
	return func(r *Registry) { r.dispatcher = d }
}

// WithClock overrides time.Now for last-use stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry owns every live Session. It is the single engine.Delegate for the
// runtime's sessions and resolves engine ids through the EngineStateStore.
type Registry struct {
	logger         *zap.Logger
	rt             engine.Runtime
	store          *EngineStateStore
	defaultPrivate bool
	dispatcher     result.Dispatcher
	now            func() time.Time

	clockMu sync.Mutex
	seq     uint64

	mu         sync.RWMutex
	sessions   map[string]*Session
	activeID   string
	referencer Referencer
}

// NewRegistry creates a registry creating engine sessions on rt.
func NewRegistry(logger *zap.Logger, rt engine.Runtime, opts ...Option) *Registry {
	r := &Registry{
		logger:     logger.Named("session_registry"),
		rt:         rt,
		store:      NewEngineStateStore(),
		dispatcher: result.Inline,
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store exposes the engine id mapping.
func (r *Registry) Store() *EngineStateStore { return r.store }

// tick returns a last-use timestamp and a strictly increasing sequence number
// so recency stays well ordered even when the clock does not move.
func (r *Registry) tick() (time.Time, uint64) {
	r.clockMu.Lock()
	defer r.clockMu.Unlock()
	r.seq++
	return r.now(), r.seq
}

// SetReferencer installs the guard consulted by Destroy.
func (r *Registry) SetReferencer(ref Referencer) {
	r.mu.Lock()
	r.referencer = ref
	r.mu.Unlock()
}

// Create makes a new session and its engine session.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	private := r.defaultPrivate
	if opts.Private != nil {
		private = *opts.Private
	}
	if opts.ParentID != "" {
		parent, err := r.Get(opts.ParentID)
		if err != nil {
			return nil, err
		}
		private = parent.Private()
	}

	es, err := r.rt.CreateSession(ctx, engine.SessionSettings{
		Private:       private,
		UserAgentMode: opts.UserAgentMode,
	})
	if err != nil {
		if errdefs.IsBackendFailure(err) {
			return nil, err
		}
		return nil, errdefs.BackendFailure("create session", "", err)
	}

	s := &Session{
		id:           uuid.NewString(),
		private:      private,
		webExtension: opts.WebExtension,
		engine:       es,
		reg:          r,
		logger:       r.logger.Named("session"),
		parentID:     opts.ParentID,
		uaMode:       opts.UserAgentMode,
		state:        StateCreated,
	}
	s.UpdateLastUse()

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.store.Put(es.ID(), s.id)
	es.SetDelegate(r)

	r.logger.Debug("Session created.",
		zap.String("session_id", s.id),
		zap.String("engine_session_id", es.ID()),
		zap.Bool("private", private),
		zap.String("parent_id", opts.ParentID))
	return s, nil
}

// Get returns the session with id or a NotFound error.
func (r *Registry) Get(id string) (*Session, error) {
	if s := r.Lookup(id); s != nil {
		return s, nil
	}
	return nil, errdefs.NotFound("session", id)
}

// Lookup returns the session with id, or nil.
func (r *Registry) Lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// ByEngineID resolves an engine session id.
func (r *Registry) ByEngineID(engineSessionID string) *Session {
	id, ok := r.store.Lookup(engineSessionID)
	if !ok {
		return nil
	}
	return r.Lookup(id)
}

// All returns every live session in no particular order.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Sorted returns every live session, most recently used first.
func (r *Registry) Sorted() []*Session {
	out := r.All()
	sortByUse(out)
	return out
}

// SortByUse orders sessions most recently used first.
func SortByUse(sessions []*Session) { sortByUse(sessions) }

func sortByUse(sessions []*Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].usage() > sessions[j].usage()
	})
}

// Children returns the sessions whose parent is parentID.
func (r *Registry) Children(parentID string) []*Session {
	var out []*Session
	for _, s := range r.All() {
		if s.ParentID() == parentID {
			out = append(out, s)
		}
	}
	sortByUse(out)
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Active returns the active session, or nil.
func (r *Registry) Active() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[r.activeID]
}

// SetActive records id as the active session. An empty id clears it.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	if id != "" {
		if _, ok := r.sessions[id]; !ok {
			r.mu.Unlock()
			return errdefs.NotFound("session", id)
		}
	}
	r.activeID = id
	r.mu.Unlock()
	return nil
}

// SetParentSession reparents childID under parentID. An empty parentID
// clears the parent.
func (r *Registry) SetParentSession(childID, parentID string) error {
	child, err := r.Get(childID)
	if err != nil {
		return err
	}
	if parentID == "" {
		return child.SetParentSession("")
	}
	if parentID == childID {
		return errdefs.InvalidState("session %s cannot be its own parent", childID)
	}
	parent, err := r.Get(parentID)
	if err != nil {
		return err
	}
	if parent.Private() != child.Private() {
		return errdefs.InvalidState("session %s and parent %s differ in private mode", childID, parentID)
	}
	for id := parent.ParentID(); id != ""; {
		if id == childID {
			return errdefs.InvalidState("parenting %s under %s would create a cycle", childID, parentID)
		}
		next := r.Lookup(id)
		if next == nil {
			break
		}
		id = next.ParentID()
	}
	return child.SetParentSession(parentID)
}

// Destroy unlinks and forgets a session. A session still held by a window
// cannot be destroyed.
func (r *Registry) Destroy(id string) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	ref := r.referencer
	r.mu.RUnlock()
	if !ok {
		return errdefs.NotFound("session", id)
	}
	if ref != nil && ref(id) {
		return errdefs.InvalidState("session %s is still referenced by a window", id)
	}

	err := s.Unlink()

	r.mu.Lock()
	delete(r.sessions, id)
	if r.activeID == id {
		r.activeID = ""
	}
	for _, other := range r.sessions {
		if other.ParentID() == id {
			other.mu.Lock()
			other.parentID = ""
			other.mu.Unlock()
		}
	}
	r.mu.Unlock()

	r.logger.Debug("Session destroyed.", zap.String("session_id", id))
	if err != nil {
		r.logger.Warn("Engine session did not close cleanly.", zap.String("session_id", id), zap.Error(err))
	}
	return err
}

// DestroyPrivate destroys every private session no window references.
func (r *Registry) DestroyPrivate() int {
	n := 0
	for _, s := range r.All() {
		if !s.Private() {
			continue
		}
		if err := r.Destroy(s.ID()); err == nil {
			n++
		}
	}
	return n
}

// Shutdown unlinks every session regardless of window references.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.activeID = ""
	r.mu.Unlock()
	for _, s := range sessions {
		if err := s.Unlink(); err != nil {
			r.logger.Warn("Failed to unlink session during shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}
}

// OnLocationChange implements engine.Delegate.
func (r *Registry) OnLocationChange(engineSessionID, uri string) {
	r.dispatcher.Dispatch(func() {
		if s := r.ByEngineID(engineSessionID); s != nil {
			s.setURI(uri)
		}
	})
}

// OnTitleChange implements engine.Delegate.
func (r *Registry) OnTitleChange(engineSessionID, title string) {
	r.dispatcher.Dispatch(func() {
		if s := r.ByEngineID(engineSessionID); s != nil {
			s.setTitle(title)
		}
	})
}

// OnPageStop implements engine.Delegate.
func (r *Registry) OnPageStop(engineSessionID string, success bool) {
	if !success {
		r.logger.Debug("Page load stopped without success.", zap.String("engine_session_id", engineSessionID))
	}
}
