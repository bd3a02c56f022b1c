// File: internal/window/manager.go
package window

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/session"
	"github.com/xkilldash9x/browsershell/internal/telemetry"
)

// Config is read once at startup.
type Config struct {
	MaxWindows int
	HomeURI    string
	Width      int
	Height     int
}

// DefaultMaxWindows is the number of placement slots.
const DefaultMaxWindows = 3

// Manager owns the open windows. Regular and private windows live in one
// list and share the window limit; placement slots are tracked per mode and
// only the current mode's windows are shown.
//
// All mutations are expected to run on the main loop. The lock only makes
// snapshots safe to take from elsewhere. It is released before any call that
// can come back into the manager (session creation and destruction).
type Manager struct {
	logger *zap.Logger
	reg    *session.Registry
	events telemetry.Publisher
	cfg    Config

	mu        sync.RWMutex
	windows   []*window
	focusedID string
	private   bool
}

// NewManager creates a manager and installs itself as the registry's
// reference guard.
func NewManager(logger *zap.Logger, reg *session.Registry, cfg Config, events telemetry.Publisher) *Manager {
	if cfg.MaxWindows <= 0 || cfg.MaxWindows > len(slots) {
		cfg.MaxWindows = DefaultMaxWindows
	}
	if cfg.HomeURI == "" {
		cfg.HomeURI = "about:blank"
	}
	if events == nil {
		events = telemetry.Discard
	}
	m := &Manager{
		logger: logger.Named("window_manager"),
		reg:    reg,
		events: events,
		cfg:    cfg,
	}
	reg.SetReferencer(m.IsReferenced)
	return m
}

// -- Queries --

// WindowCount returns the number of open windows of either mode.
func (m *Manager) WindowCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.windows)
}

// MaxWindows returns the configured limit.
func (m *Manager) MaxWindows() int { return m.cfg.MaxWindows }

// Private reports whether private windows are the ones being shown.
func (m *Manager) Private() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.private
}

// Windows returns snapshots in creation order.
func (m *Manager) Windows() []Window {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Window, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, m.snapshot(w))
	}
	return out
}

// Window returns the snapshot of id.
func (m *Manager) Window(id string) (Window, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w := m.find(id)
	if w == nil {
		return Window{}, errdefs.NotFound("window", id)
	}
	return m.snapshot(w), nil
}

// FrontWindow returns the front window of the current mode.
func (m *Manager) FrontWindow() (Window, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w := m.slot(m.private, PlacementFront); w != nil {
		return m.snapshot(w), true
	}
	return Window{}, false
}

// FocusedWindow returns the window with input focus.
func (m *Manager) FocusedWindow() (Window, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w := m.find(m.focusedID); w != nil {
		return m.snapshot(w), true
	}
	return Window{}, false
}

// WindowFor returns the window holding sessionID.
func (m *Manager) WindowFor(sessionID string) (Window, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w := m.holder(sessionID); w != nil {
		return m.snapshot(w), true
	}
	return Window{}, false
}

// IsReferenced reports whether any window holds sessionID.
func (m *Manager) IsReferenced(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holder(sessionID) != nil
}

// -- Window lifecycle --

// OpenWindow opens a window holding one fresh session loaded with the home
// URI. At the window limit it fails with ErrCapacityExceeded and changes
// nothing.
func (m *Manager) OpenWindow(ctx context.Context, placement Placement, private bool) (string, error) {
	m.mu.Lock()
	if n := len(m.windows); n >= m.cfg.MaxWindows {
		m.mu.Unlock()
		return "", fmt.Errorf("cannot open window with %d of %d open: %w", n, m.cfg.MaxWindows, errdefs.ErrCapacityExceeded)
	}
	w := &window{
		id:      uuid.NewString(),
		private: private,
		state:   StateOpening,
		width:   m.cfg.Width,
		height:  m.cfg.Height,
	}
	// The opening window holds its place against the limit while the
	// session is created.
	m.windows = append(m.windows, w)
	m.mu.Unlock()

	s, err := m.reg.Create(ctx, session.CreateOptions{Private: &private})
	if err != nil {
		m.mu.Lock()
		m.drop(w)
		m.mu.Unlock()
		return "", err
	}

	m.mu.Lock()
	w.tabs = []string{s.ID()}
	w.active = s.ID()
	prevFocused := m.find(m.focusedID)
	m.private = private
	moves := m.place(w, placement, prevFocused)
	w.state = StateActive
	m.focusedID = w.id
	count := len(m.windows)
	m.mu.Unlock()

	m.activate(nil, s, true)
	m.load(s, m.cfg.HomeURI)

	m.logger.Info("Window opened.",
		zap.String("window_id", w.id),
		zap.Stringer("placement", w.placement),
		zap.Bool("private", private),
		zap.Int("window_count", count))
	m.events.Publish(telemetry.Event{Kind: telemetry.KindWindowOpened, WindowID: w.id, Placement: w.placement.String(), Private: private, Count: count})
	m.events.Publish(telemetry.Event{Kind: telemetry.KindTabOpened, WindowID: w.id, SessionID: s.ID(), Source: telemetry.SourceUI, Private: private})
	m.publishMoves(moves)
	return w.id, nil
}

// CloseWindow closes a window and destroys its sessions. When the last
// private window closes the manager leaves private mode; when no window is
// left at all a fresh one is opened.
func (m *Manager) CloseWindow(ctx context.Context, id string) error {
	m.mu.Lock()
	w := m.find(id)
	if w == nil || w.state != StateActive {
		m.mu.Unlock()
		return errdefs.NotFound("window", id)
	}
	tabs, moves := m.detach(w)
	reopen := len(m.windows) == 0
	count := len(m.windows)
	m.mu.Unlock()

	m.destroy(tabs)
	m.syncActive()
	m.logger.Info("Window closed.", zap.String("window_id", id), zap.Int("window_count", count))
	m.events.Publish(telemetry.Event{Kind: telemetry.KindWindowClosed, WindowID: id, Private: w.private, Count: count})
	m.publishMoves(moves)

	if reopen {
		if _, err := m.OpenWindow(ctx, PlacementAuto, false); err != nil {
			return fmt.Errorf("failed to replace last window: %w", err)
		}
	}
	return nil
}

// detach removes w and repairs placement and focus. Caller holds m.mu.
func (m *Manager) detach(w *window) ([]string, []move) {
	w.state = StateClosing
	wasFront := w.placement == PlacementFront
	m.drop(w)

	var moves []move
	if wasFront {
		moves = m.promoteFront(w.private)
	}
	if len(m.windowsOf(m.private)) == 0 && m.private {
		m.private = false
	}
	if f := m.find(m.focusedID); f == nil || f.private != m.private {
		m.focusedID = ""
		if front := m.slot(m.private, PlacementFront); front != nil {
			m.focusedID = front.id
		}
	}
	tabs := w.tabs
	w.tabs, w.active = nil, ""
	w.state = StateClosed
	return tabs, moves
}

// EnterPrivateMode shows the private windows, opening one if there is none.
func (m *Manager) EnterPrivateMode(ctx context.Context) error {
	m.mu.Lock()
	if len(m.windowsOf(true)) == 0 {
		m.mu.Unlock()
		_, err := m.OpenWindow(ctx, PlacementAuto, true)
		return err
	}
	m.private = true
	if front := m.slot(true, PlacementFront); front != nil {
		m.focusedID = front.id
	}
	m.mu.Unlock()
	m.syncActive()
	return nil
}

// ExitPrivateMode closes every private window and destroys every private
// session.
func (m *Manager) ExitPrivateMode(ctx context.Context) error {
	m.mu.Lock()
	var tabs []string
	var closed []string
	for _, w := range m.windowsOf(true) {
		t, _ := m.detach(w)
		tabs = append(tabs, t...)
		closed = append(closed, w.id)
	}
	m.private = false
	m.focusedID = ""
	if front := m.slot(false, PlacementFront); front != nil {
		m.focusedID = front.id
	}
	reopen := len(m.windowsOf(false)) == 0
	count := len(m.windows)
	m.mu.Unlock()

	m.destroy(tabs)
	n := m.reg.DestroyPrivate()
	m.syncActive()
	for _, id := range closed {
		m.events.Publish(telemetry.Event{Kind: telemetry.KindWindowClosed, WindowID: id, Private: true, Count: count})
	}
	m.logger.Info("Left private mode.", zap.Int("windows_closed", len(closed)), zap.Int("orphans_destroyed", n))

	if reopen {
		if _, err := m.OpenWindow(ctx, PlacementAuto, false); err != nil {
			return fmt.Errorf("failed to open regular window: %w", err)
		}
	}
	return nil
}

// Close tears every window down without reopening. Sessions are left to the
// registry's own shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, w := range m.windows {
		w.state = StateClosed
	}
	m.windows = nil
	m.focusedID = ""
	m.mu.Unlock()
}

// -- Tabs --

// CloseTab removes a tab from its window and destroys the session. An active
// tab is replaced by the most recently used remaining tab. A window losing its
// last tab closes unless it is the only window, which instead gets a fresh
// home tab.
func (m *Manager) CloseTab(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	w := m.holder(sessionID)
	if w == nil {
		m.mu.Unlock()
		if m.reg.Lookup(sessionID) == nil {
			return errdefs.NotFound("session", sessionID)
		}
		// Never displayed; nothing to repair.
		return m.reg.Destroy(sessionID)
	}

	if len(w.tabs) == 1 {
		multiple := len(m.windows) > 1
		m.mu.Unlock()
		if multiple {
			return m.CloseWindow(ctx, w.id)
		}
		return m.replaceLastTab(ctx, w, sessionID)
	}

	w.removeTab(sessionID)
	var next *session.Session
	if w.active == sessionID {
		w.active = w.tabs[0]
		if next = m.mostRecent(w.tabs); next != nil {
			w.active = next.ID()
		}
	}
	focused := m.focusedID == w.id
	m.mu.Unlock()

	if next != nil {
		m.activate(nil, next, focused)
	}
	m.events.Publish(telemetry.Event{Kind: telemetry.KindTabClosed, WindowID: w.id, SessionID: sessionID})
	return m.reg.Destroy(sessionID)
}

func (m *Manager) replaceLastTab(ctx context.Context, w *window, sessionID string) error {
	private := w.private
	s, err := m.reg.Create(ctx, session.CreateOptions{Private: &private})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.find(w.id) == nil || w.indexOf(sessionID) < 0 {
		m.mu.Unlock()
		_ = m.reg.Destroy(s.ID())
		return errdefs.InvalidState("window %s changed while replacing its last tab", w.id)
	}
	w.tabs = []string{s.ID()}
	w.active = s.ID()
	focused := m.focusedID == w.id
	m.mu.Unlock()

	m.activate(nil, s, focused)
	m.load(s, m.cfg.HomeURI)
	m.events.Publish(telemetry.Event{Kind: telemetry.KindTabClosed, WindowID: w.id, SessionID: sessionID})
	m.events.Publish(telemetry.Event{Kind: telemetry.KindTabOpened, WindowID: w.id, SessionID: s.ID(), Source: telemetry.SourceUI, Private: private})
	return m.reg.Destroy(sessionID)
}

// mostRecent picks the most recently used session among ids. Caller holds
// m.mu.
func (m *Manager) mostRecent(ids []string) *session.Session {
	candidates := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		if s := m.reg.Lookup(id); s != nil {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	session.SortByUse(candidates)
	return candidates[0]
}

// SelectTab makes sessionID the active tab of its window.
func (m *Manager) SelectTab(sessionID string) error {
	m.mu.Lock()
	w := m.holder(sessionID)
	if w == nil {
		m.mu.Unlock()
		return errdefs.NotFound("tab", sessionID)
	}
	if w.active == sessionID {
		m.mu.Unlock()
		return nil
	}
	prev := m.reg.Lookup(w.active)
	w.active = sessionID
	focused := m.focusedID == w.id
	m.mu.Unlock()

	next, err := m.reg.Get(sessionID)
	if err != nil {
		return err
	}
	m.activate(prev, next, focused)
	return nil
}

// OnTabSelect selects sessionID and brings its window to the front. A
// session that no window holds yet joins the window picked by attachTarget.
func (m *Manager) OnTabSelect(sessionID string) error {
	next, err := m.reg.Get(sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	w := m.holder(sessionID)
	added := false
	if w == nil {
		if w, err = m.attachTarget(next); err != nil {
			m.mu.Unlock()
			return err
		}
		w.tabs = append(w.tabs, sessionID)
		added = true
	}
	var prev *session.Session
	if w.active != sessionID {
		prev = m.reg.Lookup(w.active)
		w.active = sessionID
	}
	m.private = w.private
	moves := m.bringToFront(w)
	m.focusedID = w.id
	m.mu.Unlock()

	if prev != nil || added {
		m.activate(prev, next, true)
	} else {
		_ = m.reg.SetActive(sessionID)
	}
	if added {
		m.logger.Debug("Session attached on select.", zap.String("session_id", sessionID), zap.String("window_id", w.id))
	}
	m.publishMoves(moves)
	return nil
}

// Adopt shows an existing, undisplayed session as a tab. With selectTab it
// behaves like OnTabSelect; otherwise the tab joins the window picked by
// attachTarget in the background.
func (m *Manager) Adopt(sessionID string, selectTab bool, source string) (string, error) {
	s, err := m.reg.Get(sessionID)
	if err != nil {
		return "", err
	}
	if selectTab {
		if err := m.OnTabSelect(sessionID); err != nil {
			return "", err
		}
	} else {
		m.mu.Lock()
		if m.holder(sessionID) == nil {
			w, err := m.attachTarget(s)
			if err != nil {
				m.mu.Unlock()
				return "", err
			}
			w.tabs = append(w.tabs, sessionID)
		}
		m.mu.Unlock()
		s.MarkDisplayed()
	}
	w, _ := m.WindowFor(sessionID)
	m.events.Publish(telemetry.Event{Kind: telemetry.KindTabOpened, WindowID: w.ID, SessionID: sessionID, Source: source, Private: s.Private()})
	return w.ID, nil
}

// AddTab opens uri in a new tab of windowID, parented to the window's active
// tab, and selects it.
func (m *Manager) AddTab(ctx context.Context, windowID, uri string) (*session.Session, error) {
	return m.addTab(ctx, windowID, uri, true)
}

// AddBackgroundTab is AddTab without selecting the new tab.
func (m *Manager) AddBackgroundTab(ctx context.Context, windowID, uri string) (*session.Session, error) {
	return m.addTab(ctx, windowID, uri, false)
}

func (m *Manager) addTab(ctx context.Context, windowID, uri string, selectTab bool) (*session.Session, error) {
	m.mu.RLock()
	w := m.find(windowID)
	if w == nil || w.state != StateActive {
		m.mu.RUnlock()
		return nil, errdefs.NotFound("window", windowID)
	}
	parentID, private := w.active, w.private
	m.mu.RUnlock()

	s, err := m.reg.Create(ctx, session.CreateOptions{ParentID: parentID, Private: &private})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.find(windowID) == nil {
		m.mu.Unlock()
		_ = m.reg.Destroy(s.ID())
		return nil, errdefs.NotFound("window", windowID)
	}
	w.tabs = append(w.tabs, s.ID())
	var prev *session.Session
	if selectTab {
		prev = m.reg.Lookup(w.active)
		w.active = s.ID()
	}
	focused := m.focusedID == w.id
	m.mu.Unlock()

	if selectTab {
		m.activate(prev, s, focused)
	} else {
		s.MarkDisplayed()
	}
	if uri != "" {
		m.load(s, uri)
	}
	m.events.Publish(telemetry.Event{Kind: telemetry.KindTabOpened, WindowID: windowID, SessionID: s.ID(), Source: telemetry.SourceUI, Private: s.Private()})
	return s, nil
}

// -- Placement and focus --

// MoveWindowLeft moves a window one slot to the left.
func (m *Manager) MoveWindowLeft(id string) error {
	return m.move(id, PlacementLeft)
}

// MoveWindowRight moves a window one slot to the right.
func (m *Manager) MoveWindowRight(id string) error {
	return m.move(id, PlacementRight)
}

func (m *Manager) move(id string, dir Placement) error {
	m.mu.Lock()
	w := m.find(id)
	if w == nil {
		m.mu.Unlock()
		return errdefs.NotFound("window", id)
	}
	opposite := PlacementRight
	if dir == PlacementRight {
		opposite = PlacementLeft
	}
	front := m.slot(w.private, PlacementFront)
	var moves []move
	switch w.placement {
	case opposite:
		// The side window swaps with the front one.
		moves = append(moves, m.setPlacement(w, PlacementFront))
		if front != nil {
			moves = append(moves, m.setPlacement(front, opposite))
		}
	case PlacementFront:
		if len(m.windowsOf(w.private)) == 1 {
			break
		}
		if next := m.slot(w.private, dir); next != nil {
			moves = append(moves, m.setPlacement(next, PlacementFront))
		} else if other := m.slot(w.private, opposite); other != nil {
			moves = append(moves, m.setPlacement(other, PlacementFront))
		}
		moves = append(moves, m.setPlacement(w, dir))
	}
	m.mu.Unlock()
	m.publishMoves(moves)
	return nil
}

// FocusWindow gives a window input focus and makes its active tab the
// registry's active session.
func (m *Manager) FocusWindow(id string) error {
	m.mu.Lock()
	w := m.find(id)
	if w == nil {
		m.mu.Unlock()
		return errdefs.NotFound("window", id)
	}
	if w.private != m.private {
		m.mu.Unlock()
		return errdefs.InvalidState("window %s is hidden while private mode is %t", id, m.private)
	}
	m.focusedID = id
	active := w.active
	m.mu.Unlock()
	if active != "" {
		return m.reg.SetActive(active)
	}
	return nil
}

// ResizeWindow records a new window size.
func (m *Manager) ResizeWindow(id string, width, height int) error {
	if width <= 0 || height <= 0 {
		return errdefs.InvalidState("window size %dx%d is not positive", width, height)
	}
	m.mu.Lock()
	w := m.find(id)
	if w == nil {
		m.mu.Unlock()
		return errdefs.NotFound("window", id)
	}
	w.width, w.height = width, height
	m.mu.Unlock()
	m.events.Publish(telemetry.Event{Kind: telemetry.KindWindowResized, WindowID: id, Width: width, Height: height})
	return nil
}

type move struct {
	windowID string
	to       Placement
}

func (m *Manager) setPlacement(w *window, p Placement) move {
	w.placement = p
	return move{windowID: w.id, to: p}
}

func (m *Manager) publishMoves(moves []move) {
	for _, mv := range moves {
		m.events.Publish(telemetry.Event{Kind: telemetry.KindWindowPlacement, WindowID: mv.windowID, Placement: mv.to.String()})
	}
}

// place assigns w a slot among the windows of its mode. Caller holds m.mu.
func (m *Manager) place(w *window, requested Placement, focused *window) []move {
	front := m.slot(w.private, PlacementFront)
	left := m.slot(w.private, PlacementLeft)
	right := m.slot(w.private, PlacementRight)
	if focused != nil && focused.private != w.private {
		focused = nil
	}

	if requested != PlacementAuto {
		var moves []move
		if occupant := m.slot(w.private, requested); occupant != nil {
			for _, p := range slots {
				if p != requested && m.slot(w.private, p) == nil {
					moves = append(moves, m.setPlacement(occupant, p))
					break
				}
			}
		}
		w.placement = requested
		if m.slot(w.private, PlacementFront) == nil {
			moves = append(moves, m.promoteFront(w.private)...)
		}
		return moves
	}

	switch {
	case front == nil:
		w.placement = PlacementFront
	case left == nil && right == nil:
		w.placement = PlacementFront
		return []move{m.setPlacement(front, PlacementLeft)}
	case left != nil && right == nil && focused == front:
		w.placement = PlacementRight
	case right != nil && left == nil && focused == front:
		w.placement = PlacementLeft
	case right == nil:
		// Opening from the left window.
		w.placement = PlacementFront
		return []move{m.setPlacement(front, PlacementRight)}
	default:
		// Opening from the right window. Both side slots cannot be taken
		// here because the limit is never above the slot count.
		w.placement = PlacementFront
		return []move{m.setPlacement(front, PlacementLeft)}
	}
	return nil
}

// promoteFront fills an empty front slot from the right, then the left.
// Caller holds m.mu.
func (m *Manager) promoteFront(private bool) []move {
	if m.slot(private, PlacementFront) != nil {
		return nil
	}
	if right := m.slot(private, PlacementRight); right != nil {
		return []move{m.setPlacement(right, PlacementFront)}
	}
	if left := m.slot(private, PlacementLeft); left != nil {
		return []move{m.setPlacement(left, PlacementFront)}
	}
	return nil
}

// bringToFront swaps w with the current front window of its mode. Caller
// holds m.mu.
func (m *Manager) bringToFront(w *window) []move {
	if w.placement == PlacementFront {
		return nil
	}
	moves := []move{}
	if front := m.slot(w.private, PlacementFront); front != nil {
		moves = append(moves, m.setPlacement(front, w.placement))
	}
	return append(moves, m.setPlacement(w, PlacementFront))
}

// attachTarget picks the window an undisplayed session joins: the window
// holding its parent, then the focused window, then the front window. The
// window must match the session's private mode. Caller holds m.mu.
func (m *Manager) attachTarget(s *session.Session) (*window, error) {
	var w *window
	if parent := s.ParentID(); parent != "" {
		w = m.holder(parent)
	}
	if w == nil {
		if f := m.find(m.focusedID); f != nil && f.state == StateActive {
			w = f
		}
	}
	if w == nil {
		w = m.slot(m.private, PlacementFront)
	}
	if w == nil {
		return nil, errdefs.InvalidState("no window to show session %s in", s.ID())
	}
	if w.private != s.Private() {
		return nil, errdefs.InvalidState("session %s (private=%t) cannot join window %s (private=%t)", s.ID(), s.Private(), w.id, w.private)
	}
	return w, nil
}

// -- helpers; callers hold m.mu --

func (m *Manager) find(id string) *window {
	if id == "" {
		return nil
	}
	for _, w := range m.windows {
		if w.id == id {
			return w
		}
	}
	return nil
}

func (m *Manager) holder(sessionID string) *window {
	for _, w := range m.windows {
		if w.indexOf(sessionID) >= 0 {
			return w
		}
	}
	return nil
}

func (m *Manager) slot(private bool, p Placement) *window {
	for _, w := range m.windows {
		if w.state == StateActive && w.private == private && w.placement == p {
			return w
		}
	}
	return nil
}

func (m *Manager) windowsOf(private bool) []*window {
	var out []*window
	for _, w := range m.windows {
		if w.private == private && w.state == StateActive {
			out = append(out, w)
		}
	}
	return out
}

func (m *Manager) drop(w *window) {
	for i, other := range m.windows {
		if other == w {
			m.windows = append(m.windows[:i], m.windows[i+1:]...)
			return
		}
	}
}

func (m *Manager) snapshot(w *window) Window {
	private := w.private
	if s := m.reg.Lookup(w.active); s != nil {
		private = s.Private()
	}
	return Window{
		ID:        w.id,
		Placement: w.placement,
		Tabs:      append([]string(nil), w.tabs...),
		ActiveTab: w.active,
		Private:   private,
		State:     w.state,
		Width:     w.width,
		Height:    w.height,
	}
}

// -- session side effects; called without m.mu --

func (m *Manager) activate(prev, next *session.Session, focused bool) {
	if prev != nil && prev != next {
		prev.SetActive(false)
	}
	next.MarkDisplayed()
	next.SetActive(true)
	if focused {
		_ = m.reg.SetActive(next.ID())
	}
}

// syncActive makes the focused window's active tab the registry's active
// session, or clears it when nothing is focused.
func (m *Manager) syncActive() {
	m.mu.RLock()
	active := ""
	if w := m.find(m.focusedID); w != nil {
		active = w.active
	}
	m.mu.RUnlock()
	if err := m.reg.SetActive(active); err != nil {
		m.logger.Debug("Focused tab is gone.", zap.String("session_id", active), zap.Error(err))
	}
}

func (m *Manager) load(s *session.Session, uri string) {
	s.LoadURI(uri, engine.LoadNone).Accept(nil, func(_ struct{}, err error) {
		if err != nil {
			m.logger.Warn("Initial load failed.", zap.String("session_id", s.ID()), zap.String("uri", uri), zap.Error(err))
		}
	})
}

func (m *Manager) destroy(ids []string) {
	for _, id := range ids {
		if err := m.reg.Destroy(id); err != nil {
			m.logger.Warn("Failed to destroy session.", zap.String("session_id", id), zap.Error(err))
		}
	}
}
