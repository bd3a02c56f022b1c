package webext

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/engine/enginetest"
	"github.com/xkilldash9x/browsershell/internal/engine/portwire"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
	"github.com/xkilldash9x/browsershell/internal/session"
	"github.com/xkilldash9x/browsershell/internal/telemetry"
	"github.com/xkilldash9x/browsershell/internal/window"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testManifest = `{
  "name": "Popup Test",
  "version": "0.3.1",
  "action": {"default_popup": "popup.html"},
  "content_scripts": [{"matches": ["<all_urls>"], "js": ["content.js"]}]
}`

func writeExtension(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(testManifest), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "content.js"), []byte(`void 0;`), 0o600))
	return "file://" + dir
}

type fixture struct {
	rt  *enginetest.Runtime
	reg *session.Registry
	wm  *window.Manager
	x   *Runtime
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rt := enginetest.New(logger, engine.KindGecko)
	reg := session.NewRegistry(logger, rt)
	wm := window.NewManager(logger, reg, window.Config{MaxWindows: 3, HomeURI: "about:home", Width: 800, Height: 600}, telemetry.Discard)
	x := NewRuntime(logger, rt.Extensions(), reg, wm, cfg)
	t.Cleanup(func() {
		x.Shutdown()
		wm.Close()
		reg.Shutdown()
		_ = rt.Shutdown(context.Background())
	})
	return &fixture{rt: rt, reg: reg, wm: wm, x: x}
}

func await[T any](t *testing.T, r *result.Result[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Await(ctx)
}

func (f *fixture) install(t *testing.T, id string) *Extension {
	t.Helper()
	ext, err := await(t, f.x.Install(context.Background(), id, writeExtension(t)))
	require.NoError(t, err)
	return ext
}

// openTab opens a window and returns its only session.
func (f *fixture) openTab(t *testing.T, private bool) *session.Session {
	t.Helper()
	id, err := f.wm.OpenWindow(context.Background(), window.PlacementAuto, private)
	require.NoError(t, err)
	w, err := f.wm.Window(id)
	require.NoError(t, err)
	s, err := f.reg.Get(w.ActiveTab)
	require.NoError(t, err)
	return s
}

func (f *fixture) emit(t *testing.T, s *session.Session, env portwire.Envelope) {
	t.Helper()
	payload, err := portwire.Encode(env)
	require.NoError(t, err)
	f.rt.Emit(s.EngineSessionID(), payload)
}

// journal records handler calls as "<event> <page port>".
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) handler(tag func(p *Port) string) MessageHandler {
	return HandlerFuncs{
		Connect:    func(p *Port) { j.add("connect %s", tag(p)) },
		Message:    func(p *Port, data []byte) { j.add("message %s %s", tag(p), data) },
		Disconnect: func(p *Port) { j.add("disconnect %s", tag(p)) },
	}
}

// pagePorts names router ports after the order they connected in.
type pagePorts struct {
	mu    sync.Mutex
	names map[*Port]string
}

func (pp *pagePorts) tag(p *Port) string {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.names == nil {
		pp.names = make(map[*Port]string)
	}
	if n, ok := pp.names[p]; ok {
		return n
	}
	n := fmt.Sprintf("#%d", len(pp.names)+1)
	pp.names[p] = n
	return n
}

func TestInstall_RegistersHandlersBeforeResolving(t *testing.T) {
	f := newFixture(t, Config{})

	ext := f.install(t, "popup@test")
	assert.True(t, ext.HasActionHandler())
	assert.True(t, ext.HasTabHandler())
	assert.Equal(t, StateEnabled, ext.State())
	assert.Equal(t, "Popup Test", ext.Name())
	assert.Equal(t, "0.3.1", ext.Version())
	assert.False(t, ext.BuiltIn())
	assert.NotEmpty(t, ext.PopupURL())

	got, err := f.x.Get("popup@test")
	require.NoError(t, err)
	assert.Same(t, ext, got)
	require.Len(t, f.x.List(), 1)

	_, err = await(t, f.x.Install(context.Background(), "popup@test", writeExtension(t)))
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
}

func TestInstall_FailureCarriesID(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := await(t, f.x.Install(context.Background(), "broken@test", "file:///does/not/exist"))
	require.Error(t, err)
	assert.True(t, errdefs.IsBackendFailure(err))
	assert.Contains(t, err.Error(), "broken@test")

	_, err = f.x.Get("broken@test")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Empty(t, f.x.List())
}

func TestLifecycle_Transitions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.install(t, "life@test")

	ext, err := await(t, f.x.Disable(ctx, "life@test"))
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, ext.State())
	assert.False(t, ext.Enabled())

	_, err = f.x.TogglePopup(ctx, "life@test")
	assert.ErrorIs(t, err, errdefs.ErrInvalidState, "a disabled extension has no popup")

	ext, err = await(t, f.x.Enable(ctx, "life@test"))
	require.NoError(t, err)
	assert.Equal(t, StateEnabled, ext.State())

	ext, err = await(t, f.x.SetAllowedInPrivateBrowsing(ctx, "life@test", true))
	require.NoError(t, err)
	assert.True(t, ext.AllowedInPrivateBrowsing())

	ext, err = await(t, f.x.Update(ctx, "life@test"))
	require.NoError(t, err)
	assert.Equal(t, "0.3.1", ext.Version())

	_, err = await(t, f.x.Uninstall(ctx, "life@test"))
	require.NoError(t, err)
	assert.Equal(t, StateUninstalled, ext.State())
	assert.False(t, ext.HasActionHandler())
	assert.Empty(t, f.x.List())

	t.Run("uninstalled extensions reject every transition", func(t *testing.T) {
		_, err := await(t, f.x.Enable(ctx, "life@test"))
		assert.ErrorIs(t, err, errdefs.ErrInvalidState)
		_, err = await(t, f.x.Uninstall(ctx, "life@test"))
		assert.ErrorIs(t, err, errdefs.ErrInvalidState)
		_, err = await(t, f.x.Update(ctx, "life@test"))
		assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	})

	t.Run("the id can be installed again", func(t *testing.T) {
		again := f.install(t, "life@test")
		assert.NotSame(t, ext, again)
		assert.Equal(t, StateEnabled, again.State())
	})

	t.Run("unknown ids", func(t *testing.T) {
		_, err := await(t, f.x.Disable(ctx, "nobody@test"))
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})
}

func TestUninstall_BuiltInIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	ext, err := await(t, f.x.InstallBuiltIn(ctx, "core@test", writeExtension(t)))
	require.NoError(t, err)
	assert.True(t, ext.BuiltIn())
	assert.True(t, ext.AllowedInPrivateBrowsing())

	_, err = await(t, f.x.Uninstall(ctx, "core@test"))
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	assert.Equal(t, StateEnabled, ext.State())
}

func TestPorts_ReconnectDisconnectsOldPortFirst(t *testing.T) {
	f := newFixture(t, Config{})
	f.install(t, "ports@test")
	s := f.openTab(t, false)

	var pp pagePorts
	var j journal
	f.x.Router().RegisterContentMessageHandler("ports@test", s.ID(), "chan", j.handler(pp.tag))

	f.emit(t, s, portwire.Envelope{Ext: "ports@test", Type: portwire.TypeConnect, Name: "chan", Port: "p1"})
	f.emit(t, s, portwire.Envelope{Ext: "ports@test", Type: portwire.TypeMessage, Port: "p1", Seq: 1, Data: []byte(`"hi"`)})
	f.emit(t, s, portwire.Envelope{Ext: "ports@test", Type: portwire.TypeConnect, Name: "chan", Port: "p2"})

	assert.Equal(t, []string{
		"connect #1",
		`message #1 "hi"`,
		"disconnect #1",
		"connect #2",
	}, j.snapshot())
	assert.Equal(t, 1, f.x.Router().Len())
	assert.Equal(t, 1, f.rt.ExtensionManager().PortCount(), "the replaced page port is closed too")

	live := f.x.Router().Port(PortKey{Extension: "ports@test", Name: "chan", SessionID: s.ID()})
	require.NotNil(t, live)
	assert.Equal(t, "#2", pp.tag(live))
}

func TestPorts_DisconnectFiresOnce(t *testing.T) {
	t.Run("engine side", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.install(t, "ports@test")
		s := f.openTab(t, false)
		var pp pagePorts
		var j journal
		f.x.Router().RegisterContentMessageHandler("ports@test", s.ID(), "chan", j.handler(pp.tag))

		f.emit(t, s, portwire.Envelope{Ext: "ports@test", Type: portwire.TypeConnect, Name: "chan", Port: "p1"})
		p := f.x.Router().Port(PortKey{Extension: "ports@test", Name: "chan", SessionID: s.ID()})
		require.NotNil(t, p)
		f.emit(t, s, portwire.Envelope{Ext: "ports@test", Type: portwire.TypeDisconnect, Port: "p1"})
		p.Disconnect()

		assert.Equal(t, []string{"connect #1", "disconnect #1"}, j.snapshot())
		assert.False(t, p.Connected())
		_, err := await(t, p.PostMessage([]byte(`1`)))
		assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	})

	t.Run("session teardown", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.install(t, "ports@test")
		first := f.openTab(t, false)
		tab, err := f.wm.AddTab(context.Background(), mustFront(t, f.wm), "https://example.org/")
		require.NoError(t, err)
		var pp pagePorts
		var j journal
		f.x.Router().RegisterContentMessageHandler("ports@test", tab.ID(), "chan", j.handler(pp.tag))

		f.emit(t, tab, portwire.Envelope{Ext: "ports@test", Type: portwire.TypeConnect, Name: "chan", Port: "p1"})
		require.NoError(t, f.wm.CloseTab(context.Background(), tab.ID()))

		assert.Equal(t, []string{"connect #1", "disconnect #1"}, j.snapshot())
		assert.Zero(t, f.x.Router().Len())
		assert.Zero(t, f.rt.ExtensionManager().PortCount())
		assert.Equal(t, session.StateDisplayed, first.State())
	})

	t.Run("extension disabled", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.install(t, "ports@test")
		s := f.openTab(t, false)
		var pp pagePorts
		var j journal
		f.x.Router().RegisterBackgroundMessageHandler("ports@test", "chan", j.handler(pp.tag))

		f.emit(t, s, portwire.Envelope{Ext: "ports@test", Type: portwire.TypeConnect, Name: "chan", Port: "p1"})
		_, err := await(t, f.x.Disable(context.Background(), "ports@test"))
		require.NoError(t, err)

		assert.Equal(t, []string{"connect #1", "disconnect #1"}, j.snapshot(), "content ports fall back to the extension-wide handler")
		assert.Zero(t, f.x.Router().Len())
	})
}

func TestPorts_UnknownSessionIsRefused(t *testing.T) {
	f := newFixture(t, Config{})
	f.install(t, "ports@test")
	f.openTab(t, false)
	var pp pagePorts
	var j journal
	f.x.Router().RegisterBackgroundMessageHandler("ports@test", "chan", j.handler(pp.tag))

	for _, engineSession := range []string{"gone-1", "gone-2"} {
		payload, err := portwire.Encode(portwire.Envelope{Ext: "ports@test", Type: portwire.TypeConnect, Name: "chan", Port: "p1"})
		require.NoError(t, err)
		f.rt.Emit(engineSession, payload)
	}

	assert.Empty(t, j.snapshot())
	assert.Zero(t, f.x.Router().Len())
	assert.Nil(t, f.x.Router().Port(PortKey{Extension: "ports@test", Name: "chan"}))
	assert.Zero(t, f.rt.ExtensionManager().PortCount(), "refused page ports are closed")
}

func TestPorts_PostMessageKeepsOrder(t *testing.T) {
	f := newFixture(t, Config{})
	f.install(t, "ports@test")
	s := f.openTab(t, false)

	f.emit(t, s, portwire.Envelope{Ext: "ports@test", Type: portwire.TypeConnect, Name: "chan", Port: "p1"})
	p := f.x.Router().Port(PortKey{Extension: "ports@test", Name: "chan", SessionID: s.ID()})
	require.NotNil(t, p)

	var last *result.Result[struct{}]
	for i := 1; i <= 5; i++ {
		last = p.PostMessage([]byte(fmt.Sprintf(`"m%d"`, i)))
	}
	_, err := await(t, last)
	require.NoError(t, err)

	var seen []string
	for _, ev := range f.rt.Host().Evaluations() {
		if ev.EngineSessionID != s.EngineSessionID() {
			continue
		}
		for i := 1; i <= 5; i++ {
			if strings.Contains(ev.Script, fmt.Sprintf(`"m%d"`, i)) {
				seen = append(seen, fmt.Sprintf("m%d", i))
			}
		}
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, seen)
}

func TestTogglePopup_FromPrivateFrontWindow(t *testing.T) {
	f := newFixture(t, Config{})
	ext := f.install(t, "popup@test")
	active := f.openTab(t, true)
	front := mustFront(t, f.wm)

	popup, err := f.x.TogglePopup(context.Background(), "popup@test")
	require.NoError(t, err)

	assert.True(t, popup.Private())
	assert.True(t, popup.IsWebExtension())
	assert.Equal(t, active.ID(), popup.ParentID())
	assert.Equal(t, engine.UADesktop, popup.UserAgentMode())
	assert.Equal(t, popup.ID(), f.reg.Active().ID())

	w, ok := f.wm.FrontWindow()
	require.True(t, ok)
	assert.Equal(t, front, w.ID, "the popup is shown in the window that was already in front")
	assert.Equal(t, popup.ID(), w.ActiveTab)

	es := f.rt.Session(popup.EngineSessionID())
	require.NotNil(t, es)
	assert.Equal(t, engine.UADesktop, es.UserAgentMode())
	assert.Eventually(t, func() bool { return es.URI() == ext.PopupURL() }, time.Second, 5*time.Millisecond)
}

func TestTogglePopup_AfterReturningToPrivateMode(t *testing.T) {
	f := newFixture(t, Config{})
	f.install(t, "popup@test")
	regular := f.openTab(t, false)
	private := f.openTab(t, true)
	privateWindow := mustFront(t, f.wm)

	require.NoError(t, f.wm.OnTabSelect(regular.ID()))
	require.NoError(t, f.wm.EnterPrivateMode(context.Background()))

	popup, err := f.x.TogglePopup(context.Background(), "popup@test")
	require.NoError(t, err)
	assert.True(t, popup.Private())
	assert.Equal(t, private.ID(), popup.ParentID())
	holder, ok := f.wm.WindowFor(popup.ID())
	require.True(t, ok)
	assert.Equal(t, privateWindow, holder.ID)
}

func TestTogglePopup_AfterExitPrivateMode(t *testing.T) {
	f := newFixture(t, Config{})
	f.install(t, "popup@test")
	regular := f.openTab(t, false)
	f.openTab(t, true)

	require.NoError(t, f.wm.ExitPrivateMode(context.Background()))

	popup, err := f.x.TogglePopup(context.Background(), "popup@test")
	require.NoError(t, err)
	assert.False(t, popup.Private())
	assert.Equal(t, regular.ID(), popup.ParentID())
}

func TestTogglePopup_FromFocusedSideWindow(t *testing.T) {
	f := newFixture(t, Config{})
	f.install(t, "popup@test")
	left := f.openTab(t, false)
	f.openTab(t, false)
	leftWindow, ok := f.wm.WindowFor(left.ID())
	require.True(t, ok)
	require.Equal(t, window.PlacementLeft, leftWindow.Placement)
	require.NoError(t, f.wm.FocusWindow(leftWindow.ID))

	popup, err := f.x.TogglePopup(context.Background(), "popup@test")
	require.NoError(t, err)
	assert.Equal(t, left.ID(), popup.ParentID())
	holder, ok := f.wm.WindowFor(popup.ID())
	require.True(t, ok)
	assert.Equal(t, leftWindow.ID, holder.ID)
	assert.Equal(t, leftWindow.ID, mustFront(t, f.wm), "the popup's window comes to the front")
}

func TestTogglePopup_FromActionEnvelope(t *testing.T) {
	f := newFixture(t, Config{})
	f.install(t, "popup@test")
	s := f.openTab(t, false)
	before := f.reg.Count()

	f.emit(t, s, portwire.Envelope{Ext: "popup@test", Type: portwire.TypeAction})

	assert.Equal(t, before+1, f.reg.Count())
	popup := f.reg.Active()
	require.NotNil(t, popup)
	assert.Equal(t, s.ID(), popup.ParentID())
	assert.False(t, popup.Private())
}

func TestTabs_CreateUpdateRemove(t *testing.T) {
	f := newFixture(t, Config{TabOpenRate: 0.001, TabOpenBurst: 2})
	f.install(t, "tabs@test")
	s := f.openTab(t, false)
	windowID := mustFront(t, f.wm)

	for i := 0; i < 3; i++ {
		f.emit(t, s, portwire.Envelope{Ext: "tabs@test", Type: portwire.TypeTabsCreate, Data: []byte(`{"url":"https://example.org/` + fmt.Sprint(i) + `"}`)})
	}
	w, err := f.wm.Window(windowID)
	require.NoError(t, err)
	require.Len(t, w.Tabs, 3, "the third request exceeds the burst")
	assert.Equal(t, s.ID(), w.ActiveTab, "background tabs do not steal selection")

	opened, err := f.reg.Get(w.Tabs[1])
	require.NoError(t, err)
	assert.Equal(t, s.ID(), opened.ParentID())
	assert.True(t, opened.IsWebExtension())
	es := f.rt.Session(opened.EngineSessionID())
	require.Eventually(t, func() bool { return len(es.Loads()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, es.Loads()[0].Flags.Has(engine.LoadReplaceHistory))

	f.emit(t, s, portwire.Envelope{Ext: "tabs@test", Type: portwire.TypeTabsUpdate,
		Data: []byte(`{"tabId":"` + opened.EngineSessionID() + `","active":true}`)})
	w, err = f.wm.Window(windowID)
	require.NoError(t, err)
	assert.Equal(t, opened.ID(), w.ActiveTab)

	f.emit(t, s, portwire.Envelope{Ext: "tabs@test", Type: portwire.TypeTabsRemove,
		Data: []byte(`{"tabId":"` + opened.EngineSessionID() + `"}`)})
	w, err = f.wm.Window(windowID)
	require.NoError(t, err)
	assert.Len(t, w.Tabs, 2)
	assert.NotContains(t, w.Tabs, opened.ID())
	assert.Nil(t, f.reg.Lookup(opened.ID()))
}

func mustFront(t *testing.T, wm *window.Manager) string {
	t.Helper()
	w, ok := wm.FrontWindow()
	require.True(t, ok)
	return w.ID
}
