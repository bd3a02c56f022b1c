package engine

import (
	"context"

	"github.com/xkilldash9x/browsershell/internal/result"
)

// ExtensionInfo is the backend's view of an installed extension.
type ExtensionInfo struct {
	ID                       string
	URL                      string
	Name                     string
	Version                  string
	BuiltIn                  bool
	Enabled                  bool
	AllowedInPrivateBrowsing bool
	HasAction                bool
	PopupURL                 string
}

// TabDetails describe a tab requested by an extension.
type TabDetails struct {
	URL    string
	Active bool
}

// NativePort is a live page-side port. Identity is by pointer.
type NativePort interface {
	Extension() string
	Name() string
	EngineSessionID() string
	PostMessage(data []byte) error
	Disconnect() error
}

// ExtensionHooks receive extension-originated events. They are called on
// backend goroutines; implementations must redispatch before touching
// shell state.
type ExtensionHooks interface {
	OnPortConnect(port NativePort)
	OnPortMessage(port NativePort, data []byte)
	OnPortDisconnect(port NativePort)
	OnToggleActionPopup(extID string)
	OnNewTab(extID, sourceEngineSessionID string, details TabDetails)
	OnCloseTab(extID, engineSessionID string)
	OnUpdateTab(extID, engineSessionID string, details TabDetails)
}

// ExtensionController installs and manages extensions on the active backend.
type ExtensionController interface {
	Install(ctx context.Context, id, url string, builtIn bool) *result.Result[ExtensionInfo]
	Update(ctx context.Context, id string) *result.Result[ExtensionInfo]
	Uninstall(ctx context.Context, id string) *result.Result[struct{}]
	SetEnabled(ctx context.Context, id string, enabled bool) *result.Result[ExtensionInfo]
	SetAllowedInPrivateBrowsing(ctx context.Context, id string, allowed bool) *result.Result[ExtensionInfo]
	List(ctx context.Context) *result.Result[[]ExtensionInfo]
	SetHooks(hooks ExtensionHooks)
}
