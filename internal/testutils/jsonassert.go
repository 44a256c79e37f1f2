package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence in an expected document matches any actual value for that key.
const Presence = "<<PRESENCE>>"

type JSONAssertOptions struct {
	// IgnoreExtraKeys drops object keys the expected document does not name.
	IgnoreExtraKeys          bool     `default:"true"`
	AllowPresencePlaceholder bool     `default:"true"`
	IgnoredFields            []string `default:"[]"`
}

// JSONOption configures a JSONAsserter.
type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT, opts ...JSONOption) *JSONAsserter {
	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONAsserter{t: t, options: o}
}

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// Assert fails the test when actual does not match expected.
func (ja *JSONAsserter) Assert(actual, expected string) bool {
	if d := ja.Diff(actual, expected); d != "" {
		ja.t.Errorf("JSON mismatch:\n%s", d)
		return false
	}
	return true
}

// Diff returns a readable delta, or "" on a match.
func (ja *JSONAsserter) Diff(actual, expected string) string {
	var exp, act any
	if err := json.Unmarshal([]byte(expected), &exp); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actual), &act); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if _, ok := exp.([]any); ok {
		exp = map[string]any{"array": exp}
		act = map[string]any{"array": act}
	}

	walkPairs(exp, act, func(e, a map[string]any) {
		for _, f := range ja.options.IgnoredFields {
			delete(e, f)
			delete(a, f)
		}
		for k, v := range e {
			if s, ok := v.(string); ok && s == Presence && ja.options.AllowPresencePlaceholder {
				if av, found := a[k]; found {
					e[k] = av
				}
			}
		}
		if ja.options.IgnoreExtraKeys {
			for k := range a {
				if _, ok := e[k]; !ok {
					delete(a, k)
				}
			}
		}
	})

	eb, _ := json.Marshal(exp)
	ab, _ := json.Marshal(act)
	d, err := gojsondiff.New().Compare(eb, ab)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}
	out, _ := formatter.NewAsciiFormatter(exp, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(d)
	return out
}

// walkPairs visits every pair of objects found at the same path in both
// documents.
func walkPairs(exp, act any, fn func(e, a map[string]any)) {
	switch e := exp.(type) {
	case map[string]any:
		a, ok := act.(map[string]any)
		if !ok {
			return
		}
		fn(e, a)
		for k := range e {
			walkPairs(e[k], a[k], fn)
		}
	case []any:
		a, ok := act.([]any)
		if !ok {
			return
		}
		for i := range min(len(e), len(a)) {
			walkPairs(e[i], a[i], fn)
		}
	}
}

func WithIgnoreExtraKeys(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = v }
}

func WithAllowPresencePlaceholder(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.AllowPresencePlaceholder = v }
}

func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}
