// Package webext tracks installed WebExtensions, routes their message ports
// to shell-side handlers and services their action and tab requests.
package webext

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/session"
)

// State is an extension's lifecycle state.
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateEnabled
	StateDisabled
	StateUninstalled
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateUninstalled:
		return "uninstalled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ActionDelegate handles a click on an extension's toolbar action.
type ActionDelegate interface {
	OnTogglePopup(ctx context.Context, ext *Extension) (*session.Session, error)
}

// TabDelegate handles the tabs API of an extension. source and target are
// nil when the engine session is unknown to the shell.
type TabDelegate interface {
	OnNewTab(ctx context.Context, ext *Extension, source *session.Session, details engine.TabDetails) (*session.Session, error)
	OnCloseTab(ctx context.Context, ext *Extension, target *session.Session) error
	OnUpdateTab(ctx context.Context, ext *Extension, target *session.Session, details engine.TabDetails) error
}

// Extension is the shell's record of one extension.
type Extension struct {
	id      string
	url     string
	builtIn bool

	mu     sync.RWMutex
	info   engine.ExtensionInfo
	state  State
	action ActionDelegate
	tabs   TabDelegate
}

func newExtension(id, url string, builtIn bool) *Extension {
	return &Extension{
		id:      id,
		url:     url,
		builtIn: builtIn,
		info:    engine.ExtensionInfo{ID: id, URL: url, BuiltIn: builtIn},
		state:   StateInstalling,
	}
}

func (e *Extension) ID() string    { return e.id }
func (e *Extension) URL() string   { return e.url }
func (e *Extension) BuiltIn() bool { return e.builtIn }

func (e *Extension) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info.Name
}

func (e *Extension) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info.Version
}

func (e *Extension) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Extension) Enabled() bool { return e.State() == StateEnabled }

func (e *Extension) AllowedInPrivateBrowsing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info.AllowedInPrivateBrowsing
}

// PopupURL is the action popup page, empty when the action has none.
func (e *Extension) PopupURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info.PopupURL
}

// Info returns the last backend view of the extension.
func (e *Extension) Info() engine.ExtensionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info
}

func (e *Extension) HasActionHandler() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.action != nil
}

func (e *Extension) HasTabHandler() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tabs != nil
}

// SetActionDelegate replaces the action handler. nil removes it.
func (e *Extension) SetActionDelegate(d ActionDelegate) {
	e.mu.Lock()
	e.action = d
	e.mu.Unlock()
}

// SetTabDelegate replaces the tab handler. nil removes it.
func (e *Extension) SetTabDelegate(d TabDelegate) {
	e.mu.Lock()
	e.tabs = d
	e.mu.Unlock()
}

func (e *Extension) delegates() (ActionDelegate, TabDelegate) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.action, e.tabs
}

// apply records a backend view and derives the state from it.
func (e *Extension) apply(info engine.ExtensionInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.info = info
	if info.Enabled {
		e.state = StateEnabled
	} else {
		e.state = StateDisabled
	}
}

func (e *Extension) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}
