package route

import (
	"fmt"
	"net/url"
	"strings"
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segCatchAll
)

type segment struct {
	kind  segmentKind
	value string // literal text, or parameter name
}

// Pattern is a compiled path template such as "/chatrooms/:roomId" or the
// catch-all "/:catchAll(.*)".
type Pattern struct {
	raw  string
	segs []segment
}

// Compile parses a path template. Malformed templates are rejected here so
// that matching never has to deal with them.
func Compile(path string) (*Pattern, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("pattern %q must start with '/'", path)
	}
	p := &Pattern{raw: path}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return p, nil
	}

	seen := make(map[string]bool)
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("pattern %q has an empty segment", path)
		}
		if !strings.HasPrefix(part, ":") {
			if strings.ContainsAny(part, ":()*{}") {
				return nil, fmt.Errorf("pattern %q: literal segment %q contains reserved characters", path, part)
			}
			p.segs = append(p.segs, segment{kind: segLiteral, value: part})
			continue
		}

		name := part[1:]
		kind := segParam
		if open := strings.IndexByte(name, '('); open >= 0 {
			if !strings.HasSuffix(name, ")") {
				return nil, fmt.Errorf("pattern %q: unbalanced parenthesis in %q", path, part)
			}
			if expr := name[open+1 : len(name)-1]; expr != ".*" {
				return nil, fmt.Errorf("pattern %q: unsupported parameter expression %q", path, expr)
			}
			if i != len(parts)-1 {
				return nil, fmt.Errorf("pattern %q: catch-all %q must be the last segment", path, part)
			}
			name = name[:open]
			kind = segCatchAll
		}
		if !validName(name) {
			return nil, fmt.Errorf("pattern %q: invalid parameter name %q", path, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("pattern %q: duplicate parameter %q", path, name)
		}
		seen[name] = true
		p.segs = append(p.segs, segment{kind: kind, value: name})
	}
	return p, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// String returns the template the pattern was compiled from.
func (p *Pattern) String() string { return p.raw }

// CatchAll reports whether the pattern ends in a catch-all segment.
func (p *Pattern) CatchAll() bool {
	return len(p.segs) > 0 && p.segs[len(p.segs)-1].kind == segCatchAll
}

// Params returns the parameter names in positional order.
func (p *Pattern) Params() []string {
	var names []string
	for _, s := range p.segs {
		if s.kind != segLiteral {
			names = append(names, s.value)
		}
	}
	return names
}

// match binds path segments by position.
func (p *Pattern) match(segs []string) ([]Param, bool) {
	var params []Param
	for i, s := range p.segs {
		if s.kind == segCatchAll {
			return append(params, Param{Name: s.value, Value: strings.Join(segs[i:], "/")}), true
		}
		if i >= len(segs) {
			return nil, false
		}
		switch s.kind {
		case segLiteral:
			if segs[i] != s.value {
				return nil, false
			}
		case segParam:
			params = append(params, Param{Name: s.value, Value: segs[i]})
		}
	}
	if len(segs) != len(p.segs) {
		return nil, false
	}
	return params, true
}

// covers reports whether every path matched by other is also matched by p,
// i.e. whether p declared first would shadow other.
func (p *Pattern) covers(other *Pattern) bool {
	a, b := p.segs, other.segs
	for i := 0; ; i++ {
		if i == len(a) {
			return len(b) == len(a)
		}
		if a[i].kind == segCatchAll {
			return true
		}
		if i >= len(b) || b[i].kind == segCatchAll {
			return false
		}
		if a[i].kind == segLiteral && (b[i].kind != segLiteral || b[i].value != a[i].value) {
			return false
		}
	}
}

// build renders the pattern with the given bindings.
func (p *Pattern) build(params []Param) (string, error) {
	if len(p.segs) == 0 {
		return "/", nil
	}
	var sb strings.Builder
	for _, s := range p.segs {
		switch s.kind {
		case segLiteral:
			sb.WriteString("/" + s.value)
		case segParam:
			v, ok := lookup(params, s.value)
			if !ok || v == "" {
				return "", fmt.Errorf("missing parameter %q for pattern %q", s.value, p.raw)
			}
			sb.WriteString("/" + url.PathEscape(v))
		case segCatchAll:
			v, _ := lookup(params, s.value)
			for _, piece := range strings.Split(v, "/") {
				if piece != "" {
					sb.WriteString("/" + url.PathEscape(piece))
				}
			}
		}
	}
	if sb.Len() == 0 {
		return "/", nil
	}
	return sb.String(), nil
}

func lookup(params []Param, name string) (string, bool) {
	for _, p := range params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// splitPath normalizes a request path into unescaped segments.
func splitPath(path string) ([]string, error) {
	var segs []string
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		v, err := url.PathUnescape(part)
		if err != nil {
			return nil, err
		}
		segs = append(segs, v)
	}
	return segs, nil
}
