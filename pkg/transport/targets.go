package transport

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Kind is the transport used for a backend path prefix.
type Kind string

const (
	KindHTTP     Kind = "http"
	KindStream   Kind = "stream"
	KindRedirect Kind = "redirect"
	// KindNone is used for intents that establish no transport.
	KindNone Kind = "none"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindHTTP, KindStream, KindRedirect:
		return k, nil
	}
	return "", fmt.Errorf("unknown transport kind %q", s)
}

// TargetSpec is the static configuration of one backend prefix.
type TargetSpec struct {
	Prefix string
	Kind   Kind
	// ChangeOrigin substitutes the backend origin for the caller's.
	ChangeOrigin bool
	// Upgrade marks prefixes served over an upgraded stream.
	Upgrade bool
	// Insecure skips TLS verification towards the backend and origin
	// checks for accepted streams. Development only.
	Insecure bool
}

// Target is a TargetSpec bound to the backend base URL.
type Target struct {
	TargetSpec
	Base *url.URL
}

// URL returns the backend URL for path. path may carry escaped segments.
func (t Target) URL(path, rawQuery string) *url.URL {
	u := *t.Base
	escaped := strings.TrimRight(t.Base.EscapedPath(), "/") + path
	if unescaped, err := url.PathUnescape(escaped); err == nil {
		u.Path, u.RawPath = unescaped, escaped
	} else {
		u.Path, u.RawPath = escaped, ""
	}
	u.RawQuery = rawQuery
	return &u
}

// StreamURL returns the websocket URL for path (http→ws, https→wss).
func (t Target) StreamURL(path, rawQuery string) *url.URL {
	u := t.URL(path, rawQuery)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u
}

// Targets maps path prefixes to exactly one transport kind each.
type Targets struct {
	base *url.URL
	list []Target // longest prefix first
}

// NewTargets validates specs against base. Every prefix must be unique,
// stream prefixes must declare Upgrade and no other kind may.
func NewTargets(base string, specs []TargetSpec) (*Targets, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid backend target %q: %w", base, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("backend target %q must be an absolute http(s) URL", base)
	}

	t := &Targets{base: u}
	seen := make(map[string]Kind)
	for _, spec := range specs {
		prefix := "/" + strings.Trim(spec.Prefix, "/")
		if strings.TrimSpace(spec.Prefix) == "" {
			return nil, fmt.Errorf("backend prefix must not be empty")
		}
		if _, err := ParseKind(string(spec.Kind)); err != nil {
			return nil, fmt.Errorf("prefix %q: %w", prefix, err)
		}
		if prev, dup := seen[prefix]; dup {
			return nil, fmt.Errorf("prefix %q declared twice (%s and %s)", prefix, prev, spec.Kind)
		}
		if spec.Kind == KindStream && !spec.Upgrade {
			return nil, fmt.Errorf("stream prefix %q must declare the upgrade flag", prefix)
		}
		if spec.Kind != KindStream && spec.Upgrade {
			return nil, fmt.Errorf("prefix %q declares upgrade but is %s", prefix, spec.Kind)
		}
		seen[prefix] = spec.Kind
		spec.Prefix = prefix
		t.list = append(t.list, Target{TargetSpec: spec, Base: u})
	}
	sort.SliceStable(t.list, func(i, j int) bool {
		return len(t.list[i].Prefix) > len(t.list[j].Prefix)
	})
	return t, nil
}

// Lookup returns the target with the longest prefix covering path on a
// segment boundary.
func (t *Targets) Lookup(path string) (Target, bool) {
	for _, tg := range t.list {
		if tg.Prefix == "/" || path == tg.Prefix || strings.HasPrefix(path, tg.Prefix+"/") {
			return tg, true
		}
	}
	return Target{}, false
}

// All returns the targets, longest prefix first.
func (t *Targets) All() []Target {
	out := make([]Target, len(t.list))
	copy(out, t.list)
	return out
}

// Base returns the backend base URL.
func (t *Targets) Base() *url.URL {
	u := *t.base
	return &u
}
