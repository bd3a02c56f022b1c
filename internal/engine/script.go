package engine

import (
	"fmt"
)

// StopScript halts loading in the current document.
const StopScript = "window.stop()"

// ReplaceLocationScript navigates the page to uri without adding a history
// entry.
func ReplaceLocationScript(uri string) (string, error) {
	quoted, err := json.MarshalToString(uri)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("window.location.replace(%s)", quoted), nil
}

// FindScript returns an expression that highlights the first match of
// query in the page and evaluates to a JSON string FindResult can parse.
func FindScript(query string, flags FindFlags) (string, error) {
	quoted, err := json.MarshalToString(query)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(findTemplate, quoted, flags.Has(FindMatchCase), flags.Has(FindBackwards)), nil
}

// ParseFindResult reads the value produced by FindScript.
func ParseFindResult(raw string) (FindResult, error) {
	var out struct {
		Total   int `json:"total"`
		Current int `json:"current"`
	}
	if err := json.UnmarshalFromString(raw, &out); err != nil {
		return FindResult{}, fmt.Errorf("could not read find result: %w", err)
	}
	if out.Total <= 0 {
		return FindResult{}, nil
	}
	return FindResult{Found: true, Total: out.Total, Current: out.Current}, nil
}

const findTemplate = `(function (query, matchCase, backwards) {
  if (!query) { return JSON.stringify({ total: 0, current: 0 }); }
  let text = (document.body && document.body.innerText) || "";
  let needle = query;
  if (!matchCase) { text = text.toLowerCase(); needle = needle.toLowerCase(); }
  let total = 0;
  for (let i = text.indexOf(needle); i !== -1; i = text.indexOf(needle, i + needle.length)) { total++; }
  if (total > 0 && typeof window.find === "function") {
    const sel = window.getSelection && window.getSelection();
    if (sel) { sel.removeAllRanges(); }
    window.find(query, matchCase, backwards, true);
  }
  return JSON.stringify({ total, current: total === 0 ? 0 : (backwards ? total : 1) });
})(%s, %t, %t)`
