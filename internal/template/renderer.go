// Package template renders message templates containing {{ path | formatter:arg }}
// tokens against a nested context.
package template

import (
	"regexp"
	"strings"
	"time"

	"chatflow/internal/apperr"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Renderer is safe for concurrent use; it holds no mutable state.
type Renderer struct {
	printer  *message.Printer
	currency string
	loc      *time.Location
}

// Option configures a Renderer
type Option func(*Renderer)

// WithCurrency sets the currency used by a bare `currency` formatter.
func WithCurrency(code string) Option {
	return func(r *Renderer) {
		if code != "" {
			r.currency = strings.ToLower(code)
		}
	}
}

// WithLocation sets the zone date formatters render in.
func WithLocation(loc *time.Location) Option {
	return func(r *Renderer) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithLanguage sets the locale used for digit grouping.
func WithLanguage(tag language.Tag) Option {
	return func(r *Renderer) {
		r.printer = message.NewPrinter(tag)
	}
}

// New creates a renderer. Defaults: MYR currency, UTC, English grouping.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		printer:  message.NewPrinter(language.English),
		currency: "myr",
		loc:      time.UTC,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render renders tpl strictly: any token whose path does not resolve yields a
// TEMPLATE_MISSING_FIELD error carrying the missing paths.
func (r *Renderer) Render(tpl string, data map[string]interface{}) (string, error) {
	out, missing := r.render(tpl, data)
	if len(missing) > 0 {
		return "", apperr.Newf(apperr.CodeTemplateMissingField, "template references missing field %q", missing[0]).
			WithMetadata("path", strings.Join(missing, ",")).
			WithMetadata("template", tpl)
	}
	return out, nil
}

// Fill renders tpl permissively; missing paths become empty strings.
func (r *Renderer) Fill(tpl string, data map[string]interface{}) string {
	out, _ := r.render(tpl, data)
	return out
}

// Tokens returns the paths referenced by tpl in order of appearance.
func Tokens(tpl string) []string {
	matches := tokenPattern.FindAllStringSubmatch(tpl, -1)
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		path, _, _ := strings.Cut(m[1], "|")
		paths = append(paths, strings.TrimSpace(path))
	}
	return paths
}

func (r *Renderer) render(tpl string, data map[string]interface{}) (string, []string) {
	if !strings.Contains(tpl, "{{") {
		return tpl, nil
	}

	var missing []string
	out := tokenPattern.ReplaceAllStringFunc(tpl, func(token string) string {
		m := tokenPattern.FindStringSubmatch(token)
		parts := strings.Split(m[1], "|")
		path := strings.TrimSpace(parts[0])

		val, ok := Lookup(data, path)
		if !ok || val == nil {
			missing = append(missing, path)
			return ""
		}
		for _, f := range parts[1:] {
			val = r.apply(strings.TrimSpace(f), val)
		}
		return Stringify(val)
	})
	return out, missing
}

// Lookup resolves a dot-separated path through nested maps and slices.
func Lookup(data map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var cur interface{} = data
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSpace(seg)
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, ok := index(seg, len(node))
			if !ok {
				return nil, false
			}
			cur = node[idx]
		case []string:
			idx, ok := index(seg, len(node))
			if !ok {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func index(seg string, n int) (int, bool) {
	idx := 0
	if seg == "" {
		return 0, false
	}
	for _, c := range seg {
		if c < '0' || c > '9' {
			return 0, false
		}
		idx = idx*10 + int(c-'0')
		if idx >= n {
			return 0, false
		}
	}
	return idx, true
}
