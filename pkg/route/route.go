// Package route holds the ordered, data-driven route table that turns a
// navigation target into an Intent.
package route

import (
	"net/url"
	"strings"
)

// Auth is the authentication requirement of a route.
type Auth string

const (
	// AuthNone routes never receive an authenticated identity.
	AuthNone Auth = "none"
	// AuthAuthenticated routes need an active session.
	AuthAuthenticated Auth = "authenticated"
	// AuthAny routes pass through regardless of the session.
	AuthAny Auth = "any"
)

// RoomParam is the parameter that carries a chat room identifier.
const RoomParam = "roomId"

// Route is one declared pattern and what it means.
type Route struct {
	Name string
	Path string
	Auth Auth

	// Guest names the route used when an unauthenticated user enters this one.
	Guest string

	// Endpoint is the backend path template ("{roomId}" placeholders).
	// Routes without an endpoint establish no transport.
	Endpoint string
	Method   string

	// Purpose ties redirect-out routes to their callback routes.
	Purpose  string
	Callback bool
	// Landing callbacks are terminal and idempotent.
	Landing bool
	// NotFound marks the catch-all not-found route.
	NotFound bool

	pattern *Pattern
}

// Pattern returns the compiled path template.
func (r *Route) Pattern() *Pattern { return r.pattern }

// Param is one positional binding.
type Param struct {
	Name  string
	Value string
}

// Intent is the resolved meaning of one navigation request. It is immutable.
type Intent struct {
	route  *Route
	path   string
	params []Param
	query  string
}

// Route returns the matched route; nil for an unmatched path.
func (i Intent) Route() *Route { return i.route }

// Name returns the route name, or "" when nothing matched.
func (i Intent) Name() string {
	if i.route == nil {
		return ""
	}
	return i.route.Name
}

// Path returns the normalized navigation path without the query.
func (i Intent) Path() string { return i.path }

// Query returns the raw query string.
func (i Intent) Query() string { return i.query }

// Values parses the raw query. Malformed pairs are skipped.
func (i Intent) Values() url.Values {
	v, _ := url.ParseQuery(i.query)
	return v
}

// URL returns the path with its query, suitable for a replay.
func (i Intent) URL() string {
	if i.query == "" {
		return i.path
	}
	return i.path + "?" + i.query
}

// Params returns a copy of the ordered bindings.
func (i Intent) Params() []Param {
	out := make([]Param, len(i.params))
	copy(out, i.params)
	return out
}

// Param returns the value bound to name.
func (i Intent) Param(name string) (string, bool) {
	return lookup(i.params, name)
}

// RoomID returns the bound room identifier, empty for the room listing.
func (i Intent) RoomID() string {
	v, _ := i.Param(RoomParam)
	return v
}

// Endpoint expands the route's backend path template with the bindings.
func (i Intent) Endpoint() string {
	if i.route == nil || i.route.Endpoint == "" {
		return ""
	}
	return expand(i.route.Endpoint, i.params)
}

// IsZero reports whether the intent is empty.
func (i Intent) IsZero() bool { return i.route == nil && i.path == "" }

func expand(tpl string, params []Param) string {
	var sb strings.Builder
	for {
		open := strings.IndexByte(tpl, '{')
		if open < 0 {
			sb.WriteString(tpl)
			return sb.String()
		}
		end := strings.IndexByte(tpl[open:], '}')
		if end < 0 {
			sb.WriteString(tpl)
			return sb.String()
		}
		sb.WriteString(tpl[:open])
		v, _ := lookup(params, tpl[open+1:open+end])
		sb.WriteString(url.PathEscape(v))
		tpl = tpl[open+end+1:]
	}
}

// placeholders lists the "{name}" references of an endpoint template.
func placeholders(tpl string) []string {
	var names []string
	for {
		open := strings.IndexByte(tpl, '{')
		if open < 0 {
			return names
		}
		end := strings.IndexByte(tpl[open:], '}')
		if end < 0 {
			return append(names, "")
		}
		names = append(names, tpl[open+1:open+end])
		tpl = tpl[open+end+1:]
	}
}
