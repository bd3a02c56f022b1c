package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Manifest is the subset of an extension manifest the shell understands.
type Manifest struct {
	Name           string          `json:"name"`
	Version        string          `json:"version"`
	Action         *ManifestAction `json:"action,omitempty"`
	BrowserAction  *ManifestAction `json:"browser_action,omitempty"`
	ContentScripts []ContentScript `json:"content_scripts,omitempty"`
}

type ManifestAction struct {
	DefaultPopup string `json:"default_popup,omitempty"`
	DefaultTitle string `json:"default_title,omitempty"`
}

type ContentScript struct {
	Matches []string `json:"matches"`
	JS      []string `json:"js"`
}

// action returns the MV3 action, falling back to the MV2 browser_action.
func (m *Manifest) action() *ManifestAction {
	if m.Action != nil {
		return m.Action
	}
	return m.BrowserAction
}

// Loader reads extension resources. file:// URLs and bare paths are read
// from disk, everything else goes through the HTTP client.
type Loader struct {
	Client *http.Client
}

func (l Loader) Load(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid resource url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)
	case "http", "https":
		client := l.Client
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching %s: unexpected status %d", rawURL, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported resource scheme %q", u.Scheme)
	}
}

// manifestURL accepts either a manifest.json url or the directory holding it.
func manifestURL(base string) string {
	if strings.HasSuffix(base, ".json") {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/manifest.json"
}

// resolve returns ref relative to the manifest location.
func resolve(manifest, ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	u, err := url.Parse(manifest)
	if err != nil {
		return ref
	}
	u.Path = path.Join(path.Dir(u.Path), ref)
	return u.String()
}

// loadedExtension holds a parsed manifest and the script sources it needs.
type loadedExtension struct {
	manifest Manifest
	popupURL string
	scripts  []string
}

func loadExtension(ctx context.Context, l Loader, extID, base string) (*loadedExtension, error) {
	murl := manifestURL(base)
	raw, err := l.Load(ctx, murl)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest for %s: %w", extID, err)
	}
	out := &loadedExtension{manifest: m}
	if a := m.action(); a != nil && a.DefaultPopup != "" {
		out.popupURL = resolve(murl, a.DefaultPopup)
	}
	for _, cs := range m.ContentScripts {
		guard := matchGuard(cs.Matches)
		for _, js := range cs.JS {
			src, err := l.Load(ctx, resolve(murl, js))
			if err != nil {
				return nil, fmt.Errorf("loading content script %s: %w", js, err)
			}
			out.scripts = append(out.scripts, wrapContentScript(extID, guard, string(src)))
		}
	}
	return out, nil
}

// matchGuard turns match patterns into a JS regular expression source.
func matchGuard(patterns []string) string {
	if len(patterns) == 0 {
		return ".*"
	}
	parts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "<all_urls>" {
			return ".*"
		}
		parts = append(parts, strings.ReplaceAll(regexp.QuoteMeta(p), `\*`, ".*"))
	}
	return "^(?:" + strings.Join(parts, "|") + ")$"
}

func wrapContentScript(extID, guard, src string) string {
	re, _ := json.MarshalToString(guard)
	id, _ := json.MarshalToString(extID)
	return fmt.Sprintf(`(function () {
  if (!new RegExp(%s).test(location.href)) { return; }
  const browser = (window.browser && window.browser.__ext && window.browser.__ext[%s]) || {};
  const chrome = browser;
%s
})();`, re, id, src)
}
