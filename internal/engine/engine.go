// File: internal/engine/engine.go
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/xkilldash9x/browsershell/internal/result"
)

// Kind names a rendering engine backend.
type Kind string

const (
	KindGecko    Kind = "gecko"
	KindChromium Kind = "chromium"
)

// ParseKind accepts the config spelling of a backend name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindGecko, "firefox":
		return KindGecko, nil
	case KindChromium, "chrome":
		return KindChromium, nil
	default:
		return "", fmt.Errorf("unknown engine backend %q", s)
	}
}

// LoadFlags modify a navigation.
type LoadFlags uint32

const (
	LoadNone           LoadFlags = 0
	LoadBypassCache    LoadFlags = 1 << 0
	LoadReplaceHistory LoadFlags = 1 << 1
	LoadExternal       LoadFlags = 1 << 2
)

func (f LoadFlags) Has(flag LoadFlags) bool { return f&flag != 0 }

// UserAgentMode selects the user agent a session presents.
type UserAgentMode int

const (
	UAMobile UserAgentMode = iota
	UADesktop
	UAVR
)

func (m UserAgentMode) String() string {
	switch m {
	case UADesktop:
		return "desktop"
	case UAVR:
		return "vr"
	default:
		return "mobile"
	}
}

// Desktop and mobile user agent strings applied by the backends.
const (
	DesktopUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
	MobileUserAgent  = "Mozilla/5.0 (Linux; Android 12; Mobile VR) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Mobile Safari/537.36"
)

// UserAgentFor returns the UA string for mode. VR shares the mobile string.
func UserAgentFor(mode UserAgentMode) string {
	if mode == UADesktop {
		return DesktopUserAgent
	}
	return MobileUserAgent
}

// FindFlags modify a find-in-page request.
type FindFlags uint32

const (
	FindNone      FindFlags = 0
	FindMatchCase FindFlags = 1 << 0
	FindBackwards FindFlags = 1 << 1
)

func (f FindFlags) Has(flag FindFlags) bool { return f&flag != 0 }

// FindResult reports the matches for a find-in-page request.
type FindResult struct {
	Found   bool
	Total   int
	Current int
}

// SessionSettings are fixed when an engine session is created.
type SessionSettings struct {
	Private       bool
	UserAgentMode UserAgentMode
}

// Delegate receives page state changes from all engine sessions of a runtime.
// Callbacks arrive on backend goroutines.
type Delegate interface {
	OnLocationChange(engineSessionID, uri string)
	OnTitleChange(engineSessionID, title string)
	OnPageStop(engineSessionID string, success bool)
}

// Session is one backend-native browsing session. Navigation and find
// operations are executed in submission order.
type Session interface {
	ID() string
	Private() bool
	LoadURI(uri string, flags LoadFlags) *result.Result[struct{}]
	Reload(flags LoadFlags) *result.Result[struct{}]
	GoBack() *result.Result[struct{}]
	GoForward() *result.Result[struct{}]
	Stop()
	Find(query string, flags FindFlags) *result.Result[FindResult]
	SetActive(active bool)
	SetUserAgentMode(mode UserAgentMode) *result.Result[struct{}]
	SetDelegate(d Delegate)
	Close() error
}

// Runtime is the single live backend instance.
type Runtime interface {
	Backend() Kind
	CreateSession(ctx context.Context, settings SessionSettings) (Session, error)
	Extensions() ExtensionController
	Shutdown(ctx context.Context) error
}
