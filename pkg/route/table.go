package route

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/a-essam23/roomgate/pkg/errs"
)

// Table is an ordered set of routes. Matching is first-match-wins in
// declaration order. A Table is immutable once built.
type Table struct {
	routes []*Route
	byName map[string]*Route
}

// New validates and compiles the routes. Duplicate names, duplicate or
// shadowed patterns, dangling guest variants and unknown endpoint
// placeholders are all reported as one ErrInvalidConfig error.
func New(routes ...Route) (*Table, error) {
	t := &Table{byName: make(map[string]*Route, len(routes))}
	var problems []string

	for _, r := range routes {
		r := r
		if r.Name == "" {
			problems = append(problems, fmt.Sprintf("route with path %q has no name", r.Path))
			continue
		}
		if _, dup := t.byName[r.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate route name %q", r.Name))
			continue
		}
		p, err := Compile(r.Path)
		if err != nil {
			problems = append(problems, fmt.Sprintf("route %q: %v", r.Name, err))
			continue
		}
		r.pattern = p
		if r.Auth == "" {
			r.Auth = AuthAny
		}
		switch r.Auth {
		case AuthNone, AuthAuthenticated, AuthAny:
		default:
			problems = append(problems, fmt.Sprintf("route %q: unknown auth requirement %q", r.Name, r.Auth))
		}
		r.Method = strings.ToUpper(r.Method)
		if r.Method == "" {
			r.Method = http.MethodGet
		}
		for _, name := range placeholders(r.Endpoint) {
			if _, ok := indexOf(p.Params(), name); !ok {
				problems = append(problems, fmt.Sprintf("route %q: endpoint placeholder {%s} is not a path parameter", r.Name, name))
			}
		}
		t.routes = append(t.routes, &r)
		t.byName[r.Name] = &r
	}

	problems = append(problems, t.checkShadowing()...)
	problems = append(problems, t.checkGuests()...)

	if len(problems) > 0 {
		return nil, errs.New("route", "New", errs.ErrInvalidConfig, fmt.Errorf("%s", strings.Join(problems, "; "))).
			WithContext("problems", problems)
	}
	return t, nil
}

func (t *Table) checkShadowing() []string {
	var problems []string
	var shadowed []string
	for j, later := range t.routes {
		for _, earlier := range t.routes[:j] {
			if earlier.pattern.String() == later.pattern.String() {
				problems = append(problems, fmt.Sprintf("duplicate pattern %q on routes %q and %q", later.Path, earlier.Name, later.Name))
				break
			}
			if earlier.pattern.covers(later.pattern) {
				shadowed = append(shadowed, fmt.Sprintf("%s (by %s)", later.Name, earlier.Name))
				break
			}
		}
	}
	if len(shadowed) > 0 {
		problems = append(problems, "shadowed routes: "+strings.Join(shadowed, ", "))
	}
	return problems
}

func (t *Table) checkGuests() []string {
	var problems []string
	for _, r := range t.routes {
		if r.Guest == "" {
			continue
		}
		g, ok := t.byName[r.Guest]
		if !ok {
			problems = append(problems, fmt.Sprintf("route %q: unknown guest variant %q", r.Name, r.Guest))
			continue
		}
		if g.Auth == AuthAuthenticated {
			problems = append(problems, fmt.Sprintf("route %q: guest variant %q requires authentication", r.Name, g.Name))
		}
		if strings.Join(r.pattern.Params(), ",") != strings.Join(g.pattern.Params(), ",") {
			problems = append(problems, fmt.Sprintf("route %q: guest variant %q binds different parameters", r.Name, g.Name))
		}
	}
	return problems
}

func indexOf(list []string, s string) (int, bool) {
	for i, v := range list {
		if v == s {
			return i, true
		}
	}
	return -1, false
}

// Match resolves target (a path with optional query) to an intent. It
// returns ErrRouteNotFound when nothing matches or when the match is the
// not-found catch-all; in the latter case the catch-all intent is returned
// too so it can be rendered.
func (t *Table) Match(target string) (Intent, error) {
	path, query := target, ""
	if i := strings.IndexByte(path, '#'); i >= 0 {
		path = path[:i]
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, query = path[:i], path[i+1:]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	notFound := errs.New("route", "Match", errs.ErrRouteNotFound, nil).WithContext("path", path)
	segs, err := splitPath(path)
	if err != nil {
		notFound.Err = err
		return Intent{path: path, query: query}, notFound
	}
	for _, r := range t.routes {
		params, ok := r.pattern.match(segs)
		if !ok {
			continue
		}
		in := Intent{route: r, path: path, params: params, query: query}
		if r.NotFound {
			return in, notFound
		}
		return in, nil
	}
	return Intent{path: path, query: query}, notFound
}

// Lookup returns the route declared under name.
func (t *Table) Lookup(name string) (*Route, bool) {
	r, ok := t.byName[name]
	return r, ok
}

// Routes returns the routes in declaration order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Build creates the intent for the named route from bindings (reverse
// routing). It is used to derive guest variants and login redirects.
func (t *Table) Build(name string, params []Param, query string) (Intent, error) {
	r, ok := t.byName[name]
	if !ok {
		return Intent{}, errs.New("route", "Build", errs.ErrRouteNotFound, fmt.Errorf("unknown route %q", name))
	}
	path, err := r.pattern.build(params)
	if err != nil {
		return Intent{}, errs.New("route", "Build", errs.ErrInvalidConfig, err)
	}
	var bound []Param
	for _, name := range r.pattern.Params() {
		v, _ := lookup(params, name)
		bound = append(bound, Param{Name: name, Value: v})
	}
	return Intent{route: r, path: path, params: bound, query: query}, nil
}
