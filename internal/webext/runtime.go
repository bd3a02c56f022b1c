package webext

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
	"github.com/xkilldash9x/browsershell/internal/session"
	"github.com/xkilldash9x/browsershell/internal/telemetry"
	"github.com/xkilldash9x/browsershell/internal/window"
)

// Config tunes the runtime.
type Config struct {
	// TabOpenRate is the sustained number of tabs per second one extension
	// may open. Zero disables the limit.
	TabOpenRate float64
	// TabOpenBurst is the number of tabs that may be opened at once.
	TabOpenBurst int
}

// Runtime installs extensions on the engine and services their requests.
// Backend callbacks arrive on engine goroutines and are redispatched onto
// the dispatcher, which in the shell is the main loop.
type Runtime struct {
	logger     *zap.Logger
	ctrl       engine.ExtensionController
	reg        *session.Registry
	windows    *window.Manager
	events     telemetry.Publisher
	dispatcher result.Dispatcher
	router     *PortRouter
	cfg        Config

	mu       sync.Mutex
	exts     map[string]*Extension
	limiters map[string]*rate.Limiter
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithDispatcher sets where backend callbacks run. The default runs them
// inline on the backend goroutine.
func WithDispatcher(d result.Dispatcher) Option {
	return func(r *Runtime) { r.dispatcher = d }
}

// WithEvents sets the telemetry publisher.
func WithEvents(p telemetry.Publisher) Option {
	return func(r *Runtime) { r.events = p }
}

// NewRuntime creates a runtime over ctrl and installs itself as its hooks.
func NewRuntime(logger *zap.Logger, ctrl engine.ExtensionController, reg *session.Registry, windows *window.Manager, cfg Config, opts ...Option) *Runtime {
	r := &Runtime{
		logger:     logger.Named("webext"),
		ctrl:       ctrl,
		reg:        reg,
		windows:    windows,
		events:     telemetry.Discard,
		dispatcher: result.Inline,
		cfg:        cfg,
		exts:       make(map[string]*Extension),
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.router = NewPortRouter(r.logger, reg, r.events)
	ctrl.SetHooks(hooks{r})
	return r
}

// Router returns the port router.
func (r *Runtime) Router() *PortRouter { return r.router }

// Get returns the extension with id. Uninstalled extensions are kept until
// the id is installed again.
func (r *Runtime) Get(id string) (*Extension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ext, ok := r.exts[id]
	if !ok || ext.State() == StateInstalling {
		return nil, errdefs.NotFound("extension", id)
	}
	return ext, nil
}

// List returns the installed extensions ordered by id.
func (r *Runtime) List() []*Extension {
	r.mu.Lock()
	out := make([]*Extension, 0, len(r.exts))
	for _, ext := range r.exts {
		if s := ext.State(); s != StateInstalling && s != StateUninstalled {
			out = append(out, ext)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Install installs the extension at url. The action and tab handlers are
// registered before the returned Result completes.
func (r *Runtime) Install(ctx context.Context, id, url string) *result.Result[*Extension] {
	return r.install(ctx, id, url, false)
}

// InstallBuiltIn installs an extension that users cannot uninstall.
func (r *Runtime) InstallBuiltIn(ctx context.Context, id, url string) *result.Result[*Extension] {
	return r.install(ctx, id, url, true)
}

func (r *Runtime) install(ctx context.Context, id, url string, builtIn bool) *result.Result[*Extension] {
	r.mu.Lock()
	if prev, exists := r.exts[id]; exists && prev.State() != StateUninstalled {
		r.mu.Unlock()
		return result.FromError[*Extension](errdefs.InvalidState("extension %s is already installed", id))
	}
	ext := newExtension(id, url, builtIn)
	r.exts[id] = ext
	r.mu.Unlock()

	return result.ThenOn(r.ctrl.Install(ctx, id, url, builtIn), result.Inline,
		func(info engine.ExtensionInfo) (*result.Result[*Extension], error) {
			ext.setState(StateInstalled)
			d := shellDelegate{r}
			ext.SetActionDelegate(d)
			ext.SetTabDelegate(d)
			ext.apply(info)
			r.logger.Info("Extension ready.", zap.String("extension_id", id), zap.String("version", info.Version), zap.Stringer("state", ext.State()))
			r.publishState(ext)
			return result.FromValue(ext), nil
		},
		func(err error) (*result.Result[*Extension], error) {
			r.mu.Lock()
			if r.exts[id] == ext {
				delete(r.exts, id)
			}
			r.mu.Unlock()
			r.logger.Warn("Extension install failed.", zap.String("extension_id", id), zap.Error(err))
			return nil, withID("install", id, err)
		})
}

// Enable turns a disabled extension back on.
func (r *Runtime) Enable(ctx context.Context, id string) *result.Result[*Extension] {
	return r.setEnabled(ctx, id, true)
}

// Disable turns an extension off. Its ports are disconnected.
func (r *Runtime) Disable(ctx context.Context, id string) *result.Result[*Extension] {
	return r.setEnabled(ctx, id, false)
}

func (r *Runtime) setEnabled(ctx context.Context, id string, enabled bool) *result.Result[*Extension] {
	ext, err := r.Get(id)
	if err != nil {
		return result.FromError[*Extension](err)
	}
	switch ext.State() {
	case StateEnabled, StateDisabled:
	default:
		return result.FromError[*Extension](errdefs.InvalidState("extension %s is %s", id, ext.State()))
	}
	op := "disable"
	if enabled {
		op = "enable"
	}
	return r.track(op, ext, r.ctrl.SetEnabled(ctx, id, enabled))
}

// Update reloads the extension from its URL.
func (r *Runtime) Update(ctx context.Context, id string) *result.Result[*Extension] {
	ext, err := r.Get(id)
	if err != nil {
		return result.FromError[*Extension](err)
	}
	if s := ext.State(); s != StateEnabled && s != StateDisabled {
		return result.FromError[*Extension](errdefs.InvalidState("extension %s is %s", id, s))
	}
	return r.track("update", ext, r.ctrl.Update(ctx, id))
}

// SetAllowedInPrivateBrowsing grants or revokes access to private sessions.
func (r *Runtime) SetAllowedInPrivateBrowsing(ctx context.Context, id string, allowed bool) *result.Result[*Extension] {
	ext, err := r.Get(id)
	if err != nil {
		return result.FromError[*Extension](err)
	}
	if s := ext.State(); s != StateEnabled && s != StateDisabled {
		return result.FromError[*Extension](errdefs.InvalidState("extension %s is %s", id, s))
	}
	return r.track("set private browsing", ext, r.ctrl.SetAllowedInPrivateBrowsing(ctx, id, allowed))
}

// track applies the outcome of a backend call to ext. A failure leaves ext
// as it was.
func (r *Runtime) track(op string, ext *Extension, res *result.Result[engine.ExtensionInfo]) *result.Result[*Extension] {
	return result.ThenOn(res, result.Inline,
		func(info engine.ExtensionInfo) (*result.Result[*Extension], error) {
			ext.apply(info)
			r.publishState(ext)
			return result.FromValue(ext), nil
		},
		func(err error) (*result.Result[*Extension], error) {
			r.logger.Warn("Extension operation failed.", zap.String("op", op), zap.String("extension_id", ext.id), zap.Error(err))
			return nil, withID(op, ext.id, err)
		})
}

// Uninstall removes an extension. Built-in extensions cannot be removed.
func (r *Runtime) Uninstall(ctx context.Context, id string) *result.Result[struct{}] {
	ext, err := r.Get(id)
	if err != nil {
		return result.FromError[struct{}](err)
	}
	if ext.BuiltIn() {
		return result.FromError[struct{}](errdefs.InvalidState("extension %s is built in", id))
	}
	if ext.State() == StateUninstalled {
		return result.FromError[struct{}](errdefs.InvalidState("extension %s is already uninstalled", id))
	}
	return result.ThenOn(r.ctrl.Uninstall(ctx, id), result.Inline,
		func(struct{}) (*result.Result[struct{}], error) {
			ext.setState(StateUninstalled)
			ext.SetActionDelegate(nil)
			ext.SetTabDelegate(nil)
			r.mu.Lock()
			delete(r.limiters, id)
			r.mu.Unlock()
			r.dispatcher.Dispatch(func() { r.router.DropExtension(id) })
			r.logger.Info("Extension uninstalled.", zap.String("extension_id", id))
			r.publishState(ext)
			return nil, nil
		},
		func(err error) (*result.Result[struct{}], error) {
			return nil, withID("uninstall", id, err)
		})
}

// TogglePopup runs ext's action as if its toolbar button was clicked.
func (r *Runtime) TogglePopup(ctx context.Context, id string) (*session.Session, error) {
	ext, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if !ext.Enabled() {
		return nil, errdefs.InvalidState("extension %s is %s", id, ext.State())
	}
	action, _ := ext.delegates()
	if action == nil {
		return nil, errdefs.InvalidState("extension %s has no action handler", id)
	}
	return action.OnTogglePopup(ctx, ext)
}

// Shutdown disconnects every port. Extensions stay installed in the engine.
func (r *Runtime) Shutdown() {
	r.router.Close()
}

func (r *Runtime) publishState(ext *Extension) {
	r.events.Publish(telemetry.Event{Kind: telemetry.KindExtensionState, ExtensionID: ext.id, State: ext.State().String()})
}

func (r *Runtime) limiter(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[id]
	if !ok {
		limit := rate.Inf
		if r.cfg.TabOpenRate > 0 {
			limit = rate.Limit(r.cfg.TabOpenRate)
		}
		burst := r.cfg.TabOpenBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		r.limiters[id] = l
	}
	return l
}

// withID makes sure err names the extension it concerns.
func withID(op, id string, err error) error {
	var be *errdefs.BackendError
	if errors.As(err, &be) && be.ID == id {
		return err
	}
	if errors.Is(err, errdefs.ErrNotFound) || errors.Is(err, errdefs.ErrInvalidState) {
		return fmt.Errorf("%s extension %s: %w", op, id, err)
	}
	return errdefs.BackendFailure(op, id, err)
}
