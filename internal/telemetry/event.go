// internal/telemetry/event.go
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Kind names a shell event.
type Kind string

const (
	KindWindowOpened     Kind = "window_opened"
	KindWindowClosed     Kind = "window_closed"
	KindWindowResized    Kind = "window_resized"
	KindWindowPlacement  Kind = "window_placement"
	KindTabOpened        Kind = "tab_opened"
	KindTabClosed        Kind = "tab_closed"
	KindPortConnected    Kind = "port_connected"
	KindPortDisconnected Kind = "port_disconnected"
	KindExtensionState   Kind = "extension_state"
)

// AllKinds lists every kind, for subscribers that want everything.
var AllKinds = []Kind{
	KindWindowOpened, KindWindowClosed, KindWindowResized, KindWindowPlacement,
	KindTabOpened, KindTabClosed, KindPortConnected, KindPortDisconnected,
	KindExtensionState,
}

// Tab open sources.
const (
	SourceUI           = "ui"
	SourceWebExtension = "web_extension"
	SourcePopup        = "popup"
)

// Event is one fire-and-forget notification. Only the fields relevant to
// Kind are set.
type Event struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        Kind      `json:"kind"`
	WindowID    string    `json:"window_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	ExtensionID string    `json:"extension_id,omitempty"`
	Placement   string    `json:"placement,omitempty"`
	Source      string    `json:"source,omitempty"`
	State       string    `json:"state,omitempty"`
	Private     bool      `json:"private,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	Count       int       `json:"count,omitempty"`
}

// Publisher accepts events without blocking and without reporting errors.
type Publisher interface {
	Publish(ev Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops everything.
var Discard Publisher = discard{}

func stamp(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}
