// File: internal/engine/extmanager.go
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/engine/portwire"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
)

// ScriptHandle identifies a script registered with a ScriptHost.
type ScriptHandle string

// ScriptHost is the part of a backend the extension manager needs: adding
// document-start scripts to every current and future page, and evaluating
// a script in one engine session.
type ScriptHost interface {
	AddScript(ctx context.Context, script string) (ScriptHandle, error)
	RemoveScript(ctx context.Context, h ScriptHandle) error
	Evaluate(ctx context.Context, engineSessionID, script string) error
}

const deliverTimeout = 5 * time.Second

// ExtensionManager implements ExtensionController for any backend that can
// provide a ScriptHost. Backends feed it page payloads through
// HandleEnvelope and session teardown through SessionClosed.
type ExtensionManager struct {
	logger *zap.Logger
	host   ScriptHost
	loader Loader

	mu    sync.Mutex
	exts  map[string]*managedExt
	ports map[portKey]*bridgePort
	hooks ExtensionHooks
}

type managedExt struct {
	info       ExtensionInfo
	handles    []ScriptHandle
	installing bool
}

type portKey struct {
	ext, session, page string
}

// NewExtensionManager creates a manager that injects through host and reads
// manifests with loader.
func NewExtensionManager(logger *zap.Logger, host ScriptHost, loader Loader) *ExtensionManager {
	return &ExtensionManager{
		logger: logger.Named("extensions"),
		host:   host,
		loader: loader,
		exts:   make(map[string]*managedExt),
		ports:  make(map[portKey]*bridgePort),
	}
}

// SetHooks installs the receiver of extension events.
func (m *ExtensionManager) SetHooks(hooks ExtensionHooks) {
	m.mu.Lock()
	m.hooks = hooks
	m.mu.Unlock()
}

func (m *ExtensionManager) currentHooks() ExtensionHooks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hooks
}

// Install loads the manifest at url, injects its scripts and records the
// extension as enabled.
func (m *ExtensionManager) Install(ctx context.Context, id, url string, builtIn bool) *result.Result[ExtensionInfo] {
	return result.Go(result.Goroutine, func() (ExtensionInfo, error) {
		m.mu.Lock()
		if _, exists := m.exts[id]; exists {
			m.mu.Unlock()
			return ExtensionInfo{}, errdefs.InvalidState("extension %s is already installed", id)
		}
		m.exts[id] = &managedExt{installing: true}
		m.mu.Unlock()

		info, handles, err := m.load(ctx, id, url)
		if err != nil {
			m.mu.Lock()
			delete(m.exts, id)
			m.mu.Unlock()
			return ExtensionInfo{}, errdefs.BackendFailure("install", id, err)
		}
		info.BuiltIn = builtIn
		info.Enabled = true
		info.AllowedInPrivateBrowsing = builtIn

		m.mu.Lock()
		m.exts[id] = &managedExt{info: info, handles: handles}
		m.mu.Unlock()
		m.logger.Info("Extension installed.", zap.String("extension_id", id), zap.String("version", info.Version))
		return info, nil
	})
}

// load reads the extension and injects its scripts. On error nothing stays injected.
func (m *ExtensionManager) load(ctx context.Context, id, url string) (ExtensionInfo, []ScriptHandle, error) {
	loaded, err := loadExtension(ctx, m.loader, id, url)
	if err != nil {
		return ExtensionInfo{}, nil, err
	}
	handles, err := m.inject(ctx, id, loaded.scripts)
	if err != nil {
		return ExtensionInfo{}, nil, err
	}
	info := ExtensionInfo{
		ID:        id,
		URL:       url,
		Name:      loaded.manifest.Name,
		Version:   loaded.manifest.Version,
		HasAction: loaded.manifest.action() != nil,
		PopupURL:  loaded.popupURL,
	}
	return info, handles, nil
}

func (m *ExtensionManager) inject(ctx context.Context, id string, scripts []string) ([]ScriptHandle, error) {
	all := append([]string{portwire.ShimScript(id)}, scripts...)
	handles := make([]ScriptHandle, 0, len(all))
	for _, s := range all {
		h, err := m.host.AddScript(ctx, s)
		if err != nil {
			m.removeScripts(ctx, handles)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (m *ExtensionManager) removeScripts(ctx context.Context, handles []ScriptHandle) error {
	var errs []error
	for _, h := range handles {
		if err := m.host.RemoveScript(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *ExtensionManager) get(id string) (*managedExt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext, ok := m.exts[id]
	if !ok || ext.installing {
		return nil, errdefs.NotFound("extension", id)
	}
	return ext, nil
}

// Update reloads the manifest. The previous scripts stay in place if the
// reload fails.
func (m *ExtensionManager) Update(ctx context.Context, id string) *result.Result[ExtensionInfo] {
	return result.Go(result.Goroutine, func() (ExtensionInfo, error) {
		ext, err := m.get(id)
		if err != nil {
			return ExtensionInfo{}, err
		}
		m.mu.Lock()
		prev := ext.info
		oldHandles := ext.handles
		m.mu.Unlock()

		fresh, handles, err := m.load(ctx, id, prev.URL)
		if err != nil {
			return prev, errdefs.BackendFailure("update", id, err)
		}
		if !prev.Enabled {
			// Disabled extensions keep no scripts injected.
			m.removeScripts(ctx, handles)
			handles = nil
		}
		if err := m.removeScripts(ctx, oldHandles); err != nil {
			m.logger.Warn("Could not remove scripts of previous version.", zap.String("extension_id", id), zap.Error(err))
		}

		fresh.BuiltIn = prev.BuiltIn
		fresh.Enabled = prev.Enabled
		fresh.AllowedInPrivateBrowsing = prev.AllowedInPrivateBrowsing
		m.mu.Lock()
		ext.info = fresh
		ext.handles = handles
		m.mu.Unlock()
		return fresh, nil
	})
}

// Uninstall removes the extension's scripts and disconnects its ports.
func (m *ExtensionManager) Uninstall(ctx context.Context, id string) *result.Result[struct{}] {
	return result.Go(result.Goroutine, func() (struct{}, error) {
		ext, err := m.get(id)
		if err != nil {
			return struct{}{}, err
		}
		m.mu.Lock()
		handles := ext.handles
		m.mu.Unlock()
		if err := m.removeScripts(ctx, handles); err != nil {
			return struct{}{}, errdefs.BackendFailure("uninstall", id, err)
		}
		m.mu.Lock()
		delete(m.exts, id)
		m.mu.Unlock()
		m.dropPorts(func(p *bridgePort) bool { return p.ext == id })
		return struct{}{}, nil
	})
}

// SetEnabled injects or removes the extension's scripts.
func (m *ExtensionManager) SetEnabled(ctx context.Context, id string, enabled bool) *result.Result[ExtensionInfo] {
	return result.Go(result.Goroutine, func() (ExtensionInfo, error) {
		ext, err := m.get(id)
		if err != nil {
			return ExtensionInfo{}, err
		}
		m.mu.Lock()
		info := ext.info
		handles := ext.handles
		m.mu.Unlock()
		if info.Enabled == enabled {
			return info, nil
		}

		op := "disable"
		if enabled {
			op = "enable"
			loaded, err := loadExtension(ctx, m.loader, id, info.URL)
			if err != nil {
				return info, errdefs.BackendFailure(op, id, err)
			}
			handles, err = m.inject(ctx, id, loaded.scripts)
			if err != nil {
				return info, errdefs.BackendFailure(op, id, err)
			}
		} else {
			if err := m.removeScripts(ctx, handles); err != nil {
				return info, errdefs.BackendFailure(op, id, err)
			}
			handles = nil
		}

		m.mu.Lock()
		ext.info.Enabled = enabled
		ext.handles = handles
		info = ext.info
		m.mu.Unlock()
		if !enabled {
			m.dropPorts(func(p *bridgePort) bool { return p.ext == id })
		}
		return info, nil
	})
}

// SetAllowedInPrivateBrowsing toggles access to private sessions. Revoking
// it disconnects the extension's ports in private sessions.
func (m *ExtensionManager) SetAllowedInPrivateBrowsing(ctx context.Context, id string, allowed bool) *result.Result[ExtensionInfo] {
	return result.Go(result.Goroutine, func() (ExtensionInfo, error) {
		ext, err := m.get(id)
		if err != nil {
			return ExtensionInfo{}, err
		}
		m.mu.Lock()
		ext.info.AllowedInPrivateBrowsing = allowed
		info := ext.info
		m.mu.Unlock()
		if !allowed {
			m.dropPorts(func(p *bridgePort) bool { return p.ext == id && p.private })
		}
		return info, nil
	})
}

// List returns installed extensions ordered by id.
func (m *ExtensionManager) List(ctx context.Context) *result.Result[[]ExtensionInfo] {
	m.mu.Lock()
	out := make([]ExtensionInfo, 0, len(m.exts))
	for _, ext := range m.exts {
		if !ext.installing {
			out = append(out, ext.info)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return result.FromValue(out)
}

// HandleEnvelope routes one payload sent by a page of engineSessionID.
// Payloads from unknown or disabled extensions, and from private sessions
// the extension may not access, are dropped.
func (m *ExtensionManager) HandleEnvelope(engineSessionID string, private bool, payload string) {
	env, err := portwire.Decode(payload)
	if err != nil {
		m.logger.Warn("Dropping malformed port envelope.", zap.String("engine_session", engineSessionID), zap.Error(err))
		return
	}

	m.mu.Lock()
	ext, ok := m.exts[env.Ext]
	hooks := m.hooks
	allowed := ok && !ext.installing && ext.info.Enabled && (!private || ext.info.AllowedInPrivateBrowsing)
	m.mu.Unlock()
	if !allowed || hooks == nil {
		m.logger.Debug("Dropping envelope.", zap.String("extension_id", env.Ext), zap.String("type", string(env.Type)))
		return
	}

	key := portKey{ext: env.Ext, session: engineSessionID, page: env.Port}
	switch env.Type {
	case portwire.TypeConnect:
		m.connect(hooks, key, env.Name, private)
	case portwire.TypeMessage:
		p := m.port(key)
		if p == nil {
			if env.Name == "" {
				return
			}
			// The message overtook its connect.
			p = m.connect(hooks, key, env.Name, private)
		}
		p.receive(hooks, env.Seq, env.Data)
	case portwire.TypeDisconnect:
		m.mu.Lock()
		p, ok := m.ports[key]
		delete(m.ports, key)
		m.mu.Unlock()
		if ok {
			p.markClosed()
			hooks.OnPortDisconnect(p)
		}
	case portwire.TypeAction:
		hooks.OnToggleActionPopup(env.Ext)
	case portwire.TypeTabsCreate, portwire.TypeTabsRemove, portwire.TypeTabsUpdate:
		req, err := portwire.DecodeTabRequest(env)
		if err != nil {
			m.logger.Warn("Dropping tab request.", zap.String("extension_id", env.Ext), zap.Error(err))
			return
		}
		target := req.TabID
		if target == "" {
			target = engineSessionID
		}
		details := TabDetails{URL: req.URL, Active: req.Active}
		switch env.Type {
		case portwire.TypeTabsCreate:
			hooks.OnNewTab(env.Ext, engineSessionID, details)
		case portwire.TypeTabsRemove:
			hooks.OnCloseTab(env.Ext, target)
		default:
			hooks.OnUpdateTab(env.Ext, target, details)
		}
	}
}

func (m *ExtensionManager) connect(hooks ExtensionHooks, key portKey, name string, private bool) *bridgePort {
	m.mu.Lock()
	if p, ok := m.ports[key]; ok {
		m.mu.Unlock()
		return p
	}
	p := &bridgePort{m: m, ext: key.ext, session: key.session, page: key.page, name: name, private: private, next: 1}
	m.ports[key] = p
	m.mu.Unlock()
	hooks.OnPortConnect(p)
	return p
}

func (m *ExtensionManager) port(key portKey) *bridgePort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ports[key]
}

// SessionClosed disconnects every port bound to engineSessionID.
func (m *ExtensionManager) SessionClosed(engineSessionID string) {
	m.dropPorts(func(p *bridgePort) bool { return p.session == engineSessionID })
}

// PortCount reports the number of live page ports.
func (m *ExtensionManager) PortCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ports)
}

func (m *ExtensionManager) dropPorts(match func(*bridgePort) bool) {
	m.mu.Lock()
	var dropped []*bridgePort
	for k, p := range m.ports {
		if match(p) {
			dropped = append(dropped, p)
			delete(m.ports, k)
		}
	}
	hooks := m.hooks
	m.mu.Unlock()

	for _, p := range dropped {
		p.markClosed()
		if hooks != nil {
			hooks.OnPortDisconnect(p)
		}
	}
}

// bridgePort is the NativePort handed to the shell for one page connect.
type bridgePort struct {
	m       *ExtensionManager
	ext     string
	session string
	page    string
	name    string
	private bool

	recv   sync.Mutex
	mu     sync.Mutex
	next   uint64
	held   map[uint64][]byte
	closed bool
}

func (p *bridgePort) Extension() string       { return p.ext }
func (p *bridgePort) Name() string            { return p.name }
func (p *bridgePort) EngineSessionID() string { return p.session }

// receive hands data to hooks in sequence order. Out-of-order messages are
// held until the gap is filled. Hooks run without p.mu so a handler may
// disconnect the port; recv keeps concurrent deliveries in order.
func (p *bridgePort) receive(hooks ExtensionHooks, seq uint64, data []byte) {
	p.recv.Lock()
	defer p.recv.Unlock()
	for _, d := range p.ready(seq, data) {
		if p.isClosed() {
			return
		}
		hooks.OnPortMessage(p, d)
	}
}

// ready records data under seq and returns the messages now deliverable.
func (p *bridgePort) ready(seq uint64, data []byte) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if seq == 0 {
		return [][]byte{data}
	}
	if seq < p.next {
		return nil
	}
	if seq > p.next {
		if p.held == nil {
			p.held = make(map[uint64][]byte)
		}
		p.held[seq] = data
		return nil
	}
	out := [][]byte{data}
	p.next++
	for {
		d, ok := p.held[p.next]
		if !ok {
			return out
		}
		delete(p.held, p.next)
		out = append(out, d)
		p.next++
	}
}

func (p *bridgePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *bridgePort) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.held = nil
	p.mu.Unlock()
}

// PostMessage delivers data to the page side of the port.
func (p *bridgePort) PostMessage(data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errdefs.InvalidState("port %s is disconnected", p.name)
	}
	return p.deliver(portwire.Envelope{Ext: p.ext, Type: portwire.TypeMessage, Port: p.page, Data: data})
}

// Disconnect closes the port from the shell side. No disconnect hook fires.
func (p *bridgePort) Disconnect() error {
	p.m.mu.Lock()
	key := portKey{ext: p.ext, session: p.session, page: p.page}
	if cur, ok := p.m.ports[key]; ok && cur == p {
		delete(p.m.ports, key)
	}
	p.m.mu.Unlock()

	p.mu.Lock()
	wasClosed := p.closed
	p.closed = true
	p.mu.Unlock()
	if wasClosed {
		return nil
	}
	return p.deliver(portwire.Envelope{Ext: p.ext, Type: portwire.TypeDisconnect, Port: p.page})
}

func (p *bridgePort) deliver(env portwire.Envelope) error {
	script, err := portwire.DeliverScript(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := p.m.host.Evaluate(ctx, p.session, script); err != nil {
		return errdefs.BackendFailure("port delivery", p.ext, err)
	}
	return nil
}
