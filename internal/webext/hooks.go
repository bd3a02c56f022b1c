package webext

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/session"
	"github.com/xkilldash9x/browsershell/internal/telemetry"
)

// hooks receives backend callbacks and replays them on the dispatcher.
type hooks struct{ r *Runtime }

func (h hooks) OnPortConnect(p engine.NativePort) {
	h.r.dispatcher.Dispatch(func() { h.r.router.connect(p) })
}

func (h hooks) OnPortMessage(p engine.NativePort, data []byte) {
	h.r.dispatcher.Dispatch(func() { h.r.router.message(p, data) })
}

func (h hooks) OnPortDisconnect(p engine.NativePort) {
	h.r.dispatcher.Dispatch(func() { h.r.router.nativeDisconnected(p) })
}

func (h hooks) OnToggleActionPopup(extID string) {
	h.r.dispatcher.Dispatch(func() {
		if _, err := h.r.TogglePopup(context.Background(), extID); err != nil {
			h.r.logger.Warn("Action popup failed.", zap.String("extension_id", extID), zap.Error(err))
		}
	})
}

func (h hooks) OnNewTab(extID, sourceEngineSessionID string, details engine.TabDetails) {
	h.r.dispatcher.Dispatch(func() {
		ext, tabs := h.r.tabHandler(extID)
		if tabs == nil {
			return
		}
		if !h.r.limiter(extID).Allow() {
			h.r.logger.Warn("Extension tab request rate limited.", zap.String("extension_id", extID))
			return
		}
		if _, err := tabs.OnNewTab(context.Background(), ext, h.r.reg.ByEngineID(sourceEngineSessionID), details); err != nil {
			h.r.logger.Warn("Extension tab open failed.", zap.String("extension_id", extID), zap.Error(err))
		}
	})
}

func (h hooks) OnCloseTab(extID, engineSessionID string) {
	h.r.dispatcher.Dispatch(func() {
		ext, tabs := h.r.tabHandler(extID)
		if tabs == nil {
			return
		}
		if err := tabs.OnCloseTab(context.Background(), ext, h.r.reg.ByEngineID(engineSessionID)); err != nil {
			h.r.logger.Warn("Extension tab close failed.", zap.String("extension_id", extID), zap.Error(err))
		}
	})
}

func (h hooks) OnUpdateTab(extID, engineSessionID string, details engine.TabDetails) {
	h.r.dispatcher.Dispatch(func() {
		ext, tabs := h.r.tabHandler(extID)
		if tabs == nil {
			return
		}
		if err := tabs.OnUpdateTab(context.Background(), ext, h.r.reg.ByEngineID(engineSessionID), details); err != nil {
			h.r.logger.Warn("Extension tab update failed.", zap.String("extension_id", extID), zap.Error(err))
		}
	})
}

func (r *Runtime) tabHandler(extID string) (*Extension, TabDelegate) {
	ext, err := r.Get(extID)
	if err != nil || !ext.Enabled() {
		r.logger.Debug("Dropping tab request.", zap.String("extension_id", extID))
		return nil, nil
	}
	_, tabs := ext.delegates()
	return ext, tabs
}

// shellDelegate is the action and tab handler every extension gets at
// install time. It shows extension pages through the window manager.
type shellDelegate struct{ r *Runtime }

// OnTogglePopup opens the action popup in a new session parented to the
// active session and brings it to the front.
func (d shellDelegate) OnTogglePopup(ctx context.Context, ext *Extension) (*session.Session, error) {
	parent := d.r.reg.Active()
	if parent == nil {
		return nil, errdefs.InvalidState("no active session to open the %s popup from", ext.ID())
	}
	s, err := d.r.reg.Create(ctx, session.CreateOptions{
		ParentID:      parent.ID(),
		UserAgentMode: engine.UADesktop,
		WebExtension:  true,
	})
	if err != nil {
		return nil, err
	}
	if err := d.r.windows.OnTabSelect(s.ID()); err != nil {
		_ = d.r.reg.Destroy(s.ID())
		return nil, err
	}
	if uri := ext.PopupURL(); uri != "" {
		d.load(s, uri, engine.LoadNone)
	}
	w, _ := d.r.windows.WindowFor(s.ID())
	d.r.events.Publish(telemetry.Event{Kind: telemetry.KindTabOpened, WindowID: w.ID, SessionID: s.ID(), ExtensionID: ext.ID(), Source: telemetry.SourcePopup, Private: s.Private()})
	d.r.logger.Debug("Action popup opened.", zap.String("extension_id", ext.ID()), zap.String("session_id", s.ID()), zap.Bool("private", s.Private()))
	return s, nil
}

// OnNewTab opens a tab for the extension. The new session is parented to
// the requesting tab, or to the active session when the request came from
// a page the shell does not know.
func (d shellDelegate) OnNewTab(ctx context.Context, ext *Extension, source *session.Session, details engine.TabDetails) (*session.Session, error) {
	if source == nil {
		source = d.r.reg.Active()
	}
	opts := session.CreateOptions{WebExtension: true}
	if source != nil {
		opts.ParentID = source.ID()
	}
	s, err := d.r.reg.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	if _, err := d.r.windows.Adopt(s.ID(), details.Active, telemetry.SourceWebExtension); err != nil {
		_ = d.r.reg.Destroy(s.ID())
		return nil, err
	}
	if details.URL != "" {
		d.load(s, details.URL, engine.LoadReplaceHistory)
	}
	return s, nil
}

func (d shellDelegate) OnCloseTab(ctx context.Context, ext *Extension, target *session.Session) error {
	if target == nil {
		return errdefs.NotFound("tab", "")
	}
	return d.r.windows.CloseTab(ctx, target.ID())
}

// OnUpdateTab selects and/or navigates target.
func (d shellDelegate) OnUpdateTab(ctx context.Context, ext *Extension, target *session.Session, details engine.TabDetails) error {
	if target == nil {
		return errdefs.NotFound("tab", "")
	}
	if details.Active {
		if err := d.r.windows.SelectTab(target.ID()); err != nil {
			return err
		}
	}
	if details.URL != "" {
		d.load(target, details.URL, engine.LoadReplaceHistory)
	}
	return nil
}

func (d shellDelegate) load(s *session.Session, uri string, flags engine.LoadFlags) {
	s.LoadURI(uri, flags).Accept(nil, func(_ struct{}, err error) {
		if err != nil {
			d.r.logger.Warn("Extension page load failed.", zap.String("session_id", s.ID()), zap.String("uri", uri), zap.Error(err))
		}
	})
}
