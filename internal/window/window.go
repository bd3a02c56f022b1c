// File: internal/window/window.go
package window

import "fmt"

// Placement is a window's screen slot.
type Placement int

const (
	// PlacementAuto lets the manager choose, based on the focused window.
	PlacementAuto Placement = iota
	PlacementFront
	PlacementLeft
	PlacementRight
)

var slots = []Placement{PlacementFront, PlacementLeft, PlacementRight}

func (p Placement) String() string {
	switch p {
	case PlacementAuto:
		return "auto"
	case PlacementFront:
		return "front"
	case PlacementLeft:
		return "left"
	case PlacementRight:
		return "right"
	default:
		return fmt.Sprintf("placement(%d)", int(p))
	}
}

// ParsePlacement accepts the names printed by String.
func ParsePlacement(s string) (Placement, error) {
	for _, p := range append([]Placement{PlacementAuto}, slots...) {
		if p.String() == s {
			return p, nil
		}
	}
	return PlacementAuto, fmt.Errorf("unknown window placement %q", s)
}

// State is a window's lifecycle state. Windows only move forward.
type State int

const (
	StateOpening State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Window is a read-only snapshot.
type Window struct {
	ID        string
	Placement Placement
	Tabs      []string
	ActiveTab string
	Private   bool
	State     State
	Width     int
	Height    int
}

// window is the manager-owned mutable record.
type window struct {
	id        string
	placement Placement
	tabs      []string
	active    string
	private   bool
	state     State
	width     int
	height    int
}

func (w *window) indexOf(sessionID string) int {
	for i, id := range w.tabs {
		if id == sessionID {
			return i
		}
	}
	return -1
}

func (w *window) removeTab(sessionID string) bool {
	i := w.indexOf(sessionID)
	if i < 0 {
		return false
	}
	w.tabs = append(w.tabs[:i], w.tabs[i+1:]...)
	return true
}
