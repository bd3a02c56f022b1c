package shell

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browsershell/internal/config"
	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/engine/enginetest"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/mainloop"
	"github.com/xkilldash9x/browsershell/internal/provider"
	"github.com/xkilldash9x/browsershell/internal/window"
)

func testFactory(rt **enginetest.Runtime) provider.Factory {
	return func(_ context.Context, logger *zap.Logger, cfg config.EngineConfig, _ engine.Loader) (engine.Runtime, error) {
		kind, err := engine.ParseKind(cfg.Backend)
		if err != nil {
			return nil, err
		}
		r := enginetest.New(logger, kind)
		if rt != nil {
			*rt = r
		}
		return r, nil
	}
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.TelemetryCfg.Enabled = false
	cfg.EngineCfg.OpTimeout = 5 * time.Second
	return cfg
}

func newTestShell(t *testing.T, cfg *config.Config, opts ...Option) (*Shell, *enginetest.Runtime) {
	t.Helper()
	var rt *enginetest.Runtime
	opts = append([]Option{WithProviderOptions(provider.WithFactory(testFactory(&rt)))}, opts...)
	s, err := New(context.Background(), zaptest.NewLogger(t), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	})
	return s, rt
}

func writeExtension(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	manifest := `{"name": "Reader", "version": "1.2.0", "action": {"default_popup": "popup.html"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o600))
	return "file://" + dir
}

func TestNew_OpensFirstWindow(t *testing.T) {
	s, rt := newTestShell(t, testConfig())

	assert.Equal(t, engine.KindGecko, s.Backend())
	require.Equal(t, 1, s.Windows().WindowCount())
	front, ok := s.Windows().FrontWindow()
	require.True(t, ok)
	assert.Equal(t, window.PlacementFront, front.Placement)
	require.Len(t, front.Tabs, 1)
	assert.Len(t, rt.Sessions(), 1)
	assert.Equal(t, "", s.MetricsAddr())
}

func TestNew_BackendFailure(t *testing.T) {
	boom := errors.New("no display")
	failing := func(context.Context, *zap.Logger, config.EngineConfig, engine.Loader) (engine.Runtime, error) {
		return nil, boom
	}
	s, err := New(context.Background(), zaptest.NewLogger(t), testConfig(),
		WithProviderOptions(provider.WithFactory(failing)))
	require.Error(t, err)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, boom)
	assert.True(t, errdefs.IsBackendFailure(err))
}

func TestOpenWindow_Capacity(t *testing.T) {
	s, _ := newTestShell(t, testConfig())
	ctx := context.Background()

	_, err := s.OpenWindow(ctx, window.PlacementAuto, false)
	require.NoError(t, err)
	third, err := s.OpenWindow(ctx, window.PlacementAuto, false)
	require.NoError(t, err)

	_, err = s.OpenWindow(ctx, window.PlacementAuto, false)
	assert.ErrorIs(t, err, errdefs.ErrCapacityExceeded)
	assert.Equal(t, 3, s.Windows().WindowCount())

	require.NoError(t, s.CloseWindow(ctx, third))
	_, err = s.OpenWindow(ctx, window.PlacementAuto, false)
	assert.NoError(t, err)
}

func TestTabs(t *testing.T) {
	s, rt := newTestShell(t, testConfig())
	ctx := context.Background()

	first, ok := s.Windows().FocusedWindow()
	require.True(t, ok)
	home := first.ActiveTab

	tab, err := s.AddTab(ctx, "", "https://example.test/a")
	require.NoError(t, err)
	w, ok := s.Windows().WindowFor(tab.ID())
	require.True(t, ok)
	assert.Equal(t, first.ID, w.ID)
	assert.Equal(t, tab.ID(), w.ActiveTab)

	require.NoError(t, s.Load(ctx, tab.ID(), "https://example.test/b"))
	loads := rt.Session(tab.EngineSessionID()).Loads()
	require.NotEmpty(t, loads)
	assert.Equal(t, "https://example.test/b", loads[len(loads)-1].URI)

	require.NoError(t, s.SelectTab(ctx, home))
	w, _ = s.Windows().Window(first.ID)
	assert.Equal(t, home, w.ActiveTab)

	require.NoError(t, s.CloseTab(ctx, tab.ID()))
	w, _ = s.Windows().Window(first.ID)
	assert.Equal(t, []string{home}, w.Tabs)

	assert.ErrorIs(t, s.Load(ctx, "missing", "about:blank"), errdefs.ErrNotFound)
}

func TestPrivateMode(t *testing.T) {
	s, _ := newTestShell(t, testConfig())
	ctx := context.Background()

	require.NoError(t, s.EnterPrivateMode(ctx))
	assert.True(t, s.Windows().Private())
	front, ok := s.Windows().FrontWindow()
	require.True(t, ok)
	assert.True(t, front.Private)

	require.NoError(t, s.ExitPrivateMode(ctx))
	assert.False(t, s.Windows().Private())
}

func TestBuiltinsAndPopup(t *testing.T) {
	cfg := testConfig()
	cfg.ExtensionsCfg.Builtins = []config.BuiltinExtension{
		{ID: "reader@browsershell", URL: writeExtension(t)},
		{ID: "broken@browsershell", URL: "file:///nonexistent/extension"},
	}
	s, _ := newTestShell(t, cfg)
	ctx := context.Background()

	ext, err := s.Extensions().Get("reader@browsershell")
	require.NoError(t, err)
	assert.True(t, ext.BuiltIn())
	assert.True(t, ext.HasActionHandler())
	assert.Equal(t, "1.2.0", ext.Version())

	_, err = s.Extensions().Get("broken@browsershell")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	front, _ := s.Windows().FrontWindow()
	popup, err := s.TogglePopup(ctx, "reader@browsershell")
	require.NoError(t, err)
	assert.True(t, popup.IsWebExtension())
	assert.Equal(t, front.ActiveTab, popup.ParentID())
	after, _ := s.Windows().FrontWindow()
	assert.Equal(t, front.ID, after.ID)
}

func TestInstallExtension(t *testing.T) {
	s, _ := newTestShell(t, testConfig())

	ext, err := s.InstallExtension(context.Background(), "user@example", writeExtension(t))
	require.NoError(t, err)
	assert.False(t, ext.BuiltIn())
	assert.True(t, ext.HasActionHandler())

	_, err = s.InstallExtension(context.Background(), "user@example", writeExtension(t))
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
}

func TestMetricsServer(t *testing.T) {
	cfg := testConfig()
	cfg.TelemetryCfg = config.TelemetryConfig{
		Enabled:       true,
		BufferSize:    64,
		BatchSize:     1,
		FlushInterval: 10 * time.Millisecond,
		MetricsAddr:   "127.0.0.1:0",
	}
	s, _ := newTestShell(t, cfg)
	addr := s.MetricsAddr()
	require.NotEmpty(t, addr)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	assert.Eventually(t, func() bool {
		resp, err := client.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(body), "browsershell_windows_open 1")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	var rt *enginetest.Runtime
	s, err := New(context.Background(), zaptest.NewLogger(t), testConfig(),
		WithProviderOptions(provider.WithFactory(testFactory(&rt))))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, rt.Sessions())

	_, err = s.OpenWindow(ctx, window.PlacementAuto, false)
	assert.ErrorIs(t, err, mainloop.ErrStopped)
}

func TestWithoutInitialWindow(t *testing.T) {
	s, _ := newTestShell(t, testConfig(), WithoutInitialWindow())
	assert.Equal(t, 0, s.Windows().WindowCount())

	_, err := s.AddTab(context.Background(), "", "about:blank")
	assert.ErrorIs(t, err, errNoWindow)
}
