package webext

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browsershell/internal/engine"
	"github.com/xkilldash9x/browsershell/internal/errdefs"
	"github.com/xkilldash9x/browsershell/internal/result"
	"github.com/xkilldash9x/browsershell/internal/session"
	"github.com/xkilldash9x/browsershell/internal/telemetry"
)

// PortKey identifies a port. An empty SessionID is the extension's
// background port.
type PortKey struct {
	Extension string
	Name      string
	SessionID string
}

// MessageHandler receives the events of the ports bound to its key.
type MessageHandler interface {
	OnConnect(p *Port)
	OnMessage(p *Port, data []byte)
	OnDisconnect(p *Port)
}

// HandlerFuncs adapts plain funcs to MessageHandler. Nil funcs are skipped.
type HandlerFuncs struct {
	Connect    func(p *Port)
	Message    func(p *Port, data []byte)
	Disconnect func(p *Port)
}

func (h HandlerFuncs) OnConnect(p *Port) {
	if h.Connect != nil {
		h.Connect(p)
	}
}

func (h HandlerFuncs) OnMessage(p *Port, data []byte) {
	if h.Message != nil {
		h.Message(p, data)
	}
}

func (h HandlerFuncs) OnDisconnect(p *Port) {
	if h.Disconnect != nil {
		h.Disconnect(p)
	}
}

// Port is the shell side of one connect. Outgoing messages are delivered in
// PostMessage order.
type Port struct {
	key    PortKey
	native engine.NativePort
	router *PortRouter
	queue  *engine.OpQueue

	mu        sync.Mutex
	handler   MessageHandler
	connected bool
	unhook    func()
}

func (p *Port) Key() PortKey              { return p.key }
func (p *Port) Name() string              { return p.key.Name }
func (p *Port) Extension() string         { return p.key.Extension }
func (p *Port) SessionID() string         { return p.key.SessionID }
func (p *Port) Native() engine.NativePort { return p.native }

func (p *Port) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// PostMessage queues data for the page side.
func (p *Port) PostMessage(data []byte) *result.Result[struct{}] {
	if !p.Connected() {
		return result.FromError[struct{}](errdefs.InvalidState("port %s of %s is disconnected", p.key.Name, p.key.Extension))
	}
	return engine.Submit(p.queue, "port message", func(context.Context) (struct{}, error) {
		return struct{}{}, p.native.PostMessage(data)
	})
}

// Disconnect closes the port from the shell side. The handler's
// OnDisconnect still runs, once.
func (p *Port) Disconnect() {
	p.router.finish(p, true)
}

// PortRouter binds native ports to registered handlers.
type PortRouter struct {
	logger *zap.Logger
	reg    *session.Registry
	events telemetry.Publisher

	mu       sync.Mutex
	handlers map[PortKey]MessageHandler
	ports    map[PortKey]*Port
	byNative map[engine.NativePort]*Port
}

// NewPortRouter creates an empty router. Engine session ids of incoming
// ports are resolved through reg.
func NewPortRouter(logger *zap.Logger, reg *session.Registry, events telemetry.Publisher) *PortRouter {
	if events == nil {
		events = telemetry.Discard
	}
	return &PortRouter{
		logger:   logger.Named("ports"),
		reg:      reg,
		events:   events,
		handlers: make(map[PortKey]MessageHandler),
		ports:    make(map[PortKey]*Port),
		byNative: make(map[engine.NativePort]*Port),
	}
}

// RegisterContentMessageHandler binds h to the ports named name that ext's
// content scripts open in sessionID, replacing any previous handler. A port
// already connected on the key is handed to h from its next event on.
func (r *PortRouter) RegisterContentMessageHandler(ext, sessionID, name string, h MessageHandler) {
	key := PortKey{Extension: ext, Name: name, SessionID: sessionID}
	r.mu.Lock()
	r.handlers[key] = h
	p := r.ports[key]
	r.mu.Unlock()
	if p != nil {
		p.mu.Lock()
		p.handler = h
		p.mu.Unlock()
	}
}

// RegisterBackgroundMessageHandler binds h to ext's ports named name that
// have no shell session, and to content ports without a handler of their own.
func (r *PortRouter) RegisterBackgroundMessageHandler(ext, name string, h MessageHandler) {
	r.RegisterContentMessageHandler(ext, "", name, h)
}

// UnregisterMessageHandler removes the handler of key. Live ports keep the
// handler they were connected with.
func (r *PortRouter) UnregisterMessageHandler(key PortKey) {
	r.mu.Lock()
	delete(r.handlers, key)
	r.mu.Unlock()
}

// Port returns the live port of key, or nil.
func (r *PortRouter) Port(key PortKey) *Port {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ports[key]
}

// Len returns the number of live ports.
func (r *PortRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ports)
}

func (r *PortRouter) handlerFor(key PortKey) MessageHandler {
	if h, ok := r.handlers[key]; ok {
		return h
	}
	return r.handlers[PortKey{Extension: key.Extension, Name: key.Name}]
}

// connect binds native to its key. A port already live on the key is
// disconnected first, so its OnDisconnect precedes the new OnConnect. A page
// port from an engine session the registry does not know is refused.
func (r *PortRouter) connect(native engine.NativePort) *Port {
	var s *session.Session
	if r.reg != nil {
		s = r.reg.ByEngineID(native.EngineSessionID())
		if s == nil && native.EngineSessionID() != "" {
			r.logger.Debug("Refusing port from unknown session.",
				zap.String("extension_id", native.Extension()),
				zap.String("name", native.Name()),
				zap.String("engine_session", native.EngineSessionID()))
			if err := native.Disconnect(); err != nil {
				r.logger.Debug("Failed to close refused port.", zap.Error(err))
			}
			return nil
		}
	}
	key := PortKey{Extension: native.Extension(), Name: native.Name()}
	if s != nil {
		key.SessionID = s.ID()
	}

	r.mu.Lock()
	if _, dup := r.byNative[native]; dup {
		r.mu.Unlock()
		return nil
	}
	old := r.ports[key]
	r.mu.Unlock()
	if old != nil {
		r.logger.Debug("Replacing port.", zap.String("extension_id", key.Extension), zap.String("name", key.Name), zap.String("session_id", key.SessionID))
		r.finish(old, true)
	}

	p := &Port{
		key:       key,
		native:    native,
		router:    r,
		queue:     engine.NewOpQueue(r.logger),
		connected: true,
	}
	r.mu.Lock()
	p.handler = r.handlerFor(key)
	r.ports[key] = p
	r.byNative[native] = p
	count := len(r.ports)
	r.mu.Unlock()

	if s != nil {
		remove := s.OnUnlink(func() { r.finish(p, true) })
		p.mu.Lock()
		p.unhook = remove
		p.mu.Unlock()
	}

	r.events.Publish(telemetry.Event{Kind: telemetry.KindPortConnected, ExtensionID: key.Extension, SessionID: key.SessionID, Count: count})
	if h := p.currentHandler(); h != nil {
		h.OnConnect(p)
	} else {
		r.logger.Debug("Port connected without a handler.", zap.String("extension_id", key.Extension), zap.String("name", key.Name))
	}
	return p
}

func (r *PortRouter) message(native engine.NativePort, data []byte) {
	r.mu.Lock()
	p := r.byNative[native]
	r.mu.Unlock()
	if p == nil || !p.Connected() {
		return
	}
	if h := p.currentHandler(); h != nil {
		h.OnMessage(p, data)
	}
}

// nativeDisconnected handles a disconnect that originated in the engine.
func (r *PortRouter) nativeDisconnected(native engine.NativePort) {
	r.mu.Lock()
	p := r.byNative[native]
	r.mu.Unlock()
	if p != nil {
		r.finish(p, false)
	}
}

// finish retires p. Only the first call has any effect.
func (r *PortRouter) finish(p *Port, closeNative bool) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return
	}
	p.connected = false
	unhook := p.unhook
	p.unhook = nil
	h := p.handler
	p.mu.Unlock()

	r.mu.Lock()
	if r.ports[p.key] == p {
		delete(r.ports, p.key)
	}
	delete(r.byNative, p.native)
	count := len(r.ports)
	r.mu.Unlock()

	if unhook != nil {
		unhook()
	}
	p.queue.Close()
	if closeNative {
		if err := p.native.Disconnect(); err != nil {
			r.logger.Warn("Failed to disconnect page port.", zap.String("extension_id", p.key.Extension), zap.String("name", p.key.Name), zap.Error(err))
		}
	}
	r.events.Publish(telemetry.Event{Kind: telemetry.KindPortDisconnected, ExtensionID: p.key.Extension, SessionID: p.key.SessionID, Count: count})
	if h != nil {
		h.OnDisconnect(p)
	}
}

// DropExtension disconnects every port of ext and forgets its handlers.
func (r *PortRouter) DropExtension(ext string) {
	r.mu.Lock()
	var live []*Port
	for k, p := range r.ports {
		if k.Extension == ext {
			live = append(live, p)
		}
	}
	for k := range r.handlers {
		if k.Extension == ext {
			delete(r.handlers, k)
		}
	}
	r.mu.Unlock()
	for _, p := range live {
		r.finish(p, true)
	}
}

// Close disconnects every port.
func (r *PortRouter) Close() {
	r.mu.Lock()
	live := make([]*Port, 0, len(r.ports))
	for _, p := range r.ports {
		live = append(live, p)
	}
	r.mu.Unlock()
	for _, p := range live {
		r.finish(p, true)
	}
}

func (p *Port) currentHandler() MessageHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}
