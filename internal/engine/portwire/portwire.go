// Package portwire defines the JSON envelopes exchanged between extension
// content scripts and the shell, and the page-side shim that produces them.
package portwire

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BindingName is the page global the backends expose to content scripts.
const BindingName = "__browsershellPort"

// Type is the envelope kind.
type Type string

const (
	TypeConnect    Type = "connect"
	TypeMessage    Type = "message"
	TypeDisconnect Type = "disconnect"
	TypeAction     Type = "action"
	TypeTabsCreate Type = "tabs.create"
	TypeTabsRemove Type = "tabs.remove"
	TypeTabsUpdate Type = "tabs.update"
)

// Envelope is one message on the page/shell bridge. Port is a page-side
// identifier that distinguishes several connects made by one document.
// Seq numbers the messages of one port from 1; zero means unsequenced.
type Envelope struct {
	Ext  string              `json:"ext"`
	Type Type                `json:"type"`
	Name string              `json:"name,omitempty"`
	Port string              `json:"port,omitempty"`
	Seq  uint64              `json:"seq,omitempty"`
	Data jsoniter.RawMessage `json:"data,omitempty"`
}

// TabRequest is the payload of the tabs.* envelopes.
type TabRequest struct {
	URL    string `json:"url,omitempty"`
	Active bool   `json:"active,omitempty"`
	TabID  string `json:"tabId,omitempty"`
}

var (
	ErrMissingExtension = errors.New("envelope has no extension id")
	ErrMissingPort      = errors.New("port envelope has no port id")
)

// Decode parses and validates a payload received from a page.
func Decode(payload string) (Envelope, error) {
	var env Envelope
	if err := json.UnmarshalFromString(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("could not decode port envelope: %w", err)
	}
	if env.Ext == "" {
		return Envelope{}, ErrMissingExtension
	}
	switch env.Type {
	case TypeConnect:
		if env.Name == "" {
			return Envelope{}, errors.New("connect envelope has no port name")
		}
		fallthrough
	case TypeMessage, TypeDisconnect:
		if env.Port == "" {
			return Envelope{}, ErrMissingPort
		}
	case TypeAction, TypeTabsCreate, TypeTabsRemove, TypeTabsUpdate:
	default:
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return env, nil
}

// Encode serializes an envelope.
func Encode(env Envelope) (string, error) {
	s, err := json.MarshalToString(env)
	if err != nil {
		return "", fmt.Errorf("could not encode port envelope: %w", err)
	}
	return s, nil
}

// DecodeTabRequest reads the payload of a tabs.* envelope.
func DecodeTabRequest(env Envelope) (TabRequest, error) {
	var req TabRequest
	if len(env.Data) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return TabRequest{}, fmt.Errorf("could not decode %s payload: %w", env.Type, err)
	}
	return req, nil
}

// DeliverScript returns the expression that hands env to the page.
func DeliverScript(env Envelope) (string, error) {
	s, err := Encode(env)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("window.__browsershellDeliver && window.__browsershellDeliver(%s)", s), nil
}

// ShimScript returns the content-script prelude for extID. It provides a
// minimal browser.runtime.connect, browser.action.openPopup and
// browser.tabs API on top of the binding.
func ShimScript(extID string) string {
	return fmt.Sprintf(shimTemplate, extID, BindingName)
}

const shimTemplate = `(function () {
  const ext = %q;
  const send = (env) => {
    const fn = window[%q];
    if (typeof fn === "function") { fn(JSON.stringify(Object.assign({ ext }, env))); }
  };
  const registry = (window.__browsershellPorts = window.__browsershellPorts || {});
  const ports = (registry[ext] = registry[ext] || {});
  if (!window.__browsershellDeliver) {
    window.__browsershellDeliver = (env) => {
      const group = window.__browsershellPorts[env.ext] || {};
      const port = group[env.port];
      if (!port) { return; }
      if (env.type === "disconnect") { port._closed(); return; }
      port._listeners.forEach((l) => l(env.data));
    };
  }
  let seq = 0;
  const api = (window.browser = window.browser || {});
  const forExt = (api.__ext = api.__ext || {});
  forExt[ext] = {
    runtime: {
      connect(info) {
        const id = ext + ":" + (++seq);
        const name = (info && info.name) || "default";
        let mseq = 0;
        const port = {
          name,
          _listeners: [],
          _dc: [],
          onMessage: { addListener(l) { port._listeners.push(l); } },
          onDisconnect: { addListener(l) { port._dc.push(l); } },
          postMessage(data) { send({ type: "message", name, port: id, seq: ++mseq, data }); },
          disconnect() { send({ type: "disconnect", port: id }); port._closed(); },
          _closed() { delete ports[id]; port._dc.forEach((l) => l()); port._dc = []; },
        };
        ports[id] = port;
        send({ type: "connect", name, port: id });
        return port;
      },
    },
    action: { openPopup() { send({ type: "action" }); } },
    tabs: {
      create(props) { send({ type: "tabs.create", data: props || {} }); },
      remove(tabId) { send({ type: "tabs.remove", data: { tabId } }); },
      update(tabId, props) { send({ type: "tabs.update", data: Object.assign({ tabId }, props || {}) }); },
    },
  };
  api.runtime = forExt[ext].runtime;
  api.action = forExt[ext].action;
  api.tabs = forExt[ext].tabs;
})();`
