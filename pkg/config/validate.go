package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/a-essam23/roomgate/pkg/errs"
	"github.com/a-essam23/roomgate/pkg/route"
	"github.com/a-essam23/roomgate/pkg/transport"
)

// Validate fails fast on configuration the proxy and the broker cannot run
// with. Every problem found is reported in one ErrInvalidConfig error.
func Validate(cfg *Config) error {
	var problems []string

	switch cfg.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		problems = append(problems, fmt.Sprintf("unknown environment %q", cfg.Environment))
	}

	switch cfg.Server.ConnectionLimit.Mode {
	case LimitReject, LimitCycle:
	default:
		problems = append(problems, fmt.Sprintf("connection limit mode must be reject or cycle, got %q", cfg.Server.ConnectionLimit.Mode))
	}
	if cfg.Server.ConnectionLimit.MaxPerUser < 0 {
		problems = append(problems, "connection limit maxPerUser must not be negative")
	}

	if strings.TrimSpace(cfg.Session.CorrelationSecret) == "" {
		problems = append(problems, "session.correlationSecret is required")
	}
	if cfg.Session.CorrelationTTL <= 0 {
		problems = append(problems, "session.correlationTTL must be positive")
	}

	retry := cfg.Transport.Retry
	if retry.MaxAttempts < 1 {
		problems = append(problems, "transport.retry.maxAttempts must be at least 1")
	}
	if retry.InitialBackoff < 0 || retry.MaxBackoff < retry.InitialBackoff {
		problems = append(problems, "transport.retry backoff bounds are inconsistent")
	}

	for _, p := range cfg.Backend.Prefixes {
		if p.Insecure && cfg.Environment != EnvDevelopment {
			problems = append(problems, fmt.Sprintf("prefix %q: insecure is only allowed in development", p.Prefix))
		}
	}
	if _, err := cfg.Targets(); err != nil {
		problems = append(problems, err.Error())
	}

	table, err := cfg.RouteTable()
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		if name := cfg.Session.LoginRoute; name != "" {
			if _, ok := table.Lookup(name); !ok {
				problems = append(problems, fmt.Sprintf("login route %q is not declared", name))
			}
		}
		if name := cfg.Session.LogoutRoute; name != "" {
			if rt, ok := table.Lookup(name); !ok {
				problems = append(problems, fmt.Sprintf("logout route %q is not declared", name))
			} else if rt.Endpoint == "" {
				problems = append(problems, fmt.Sprintf("logout route %q has no backend endpoint", name))
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errs.New("config", "Validate", errs.ErrInvalidConfig, errors.New(strings.Join(problems, "; ")))
}

// Targets builds the backend prefix table.
func (c *Config) Targets() (*transport.Targets, error) {
	specs := make([]transport.TargetSpec, 0, len(c.Backend.Prefixes))
	for _, p := range c.Backend.Prefixes {
		kind, err := transport.ParseKind(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("prefix %q: %w", p.Prefix, err)
		}
		specs = append(specs, transport.TargetSpec{
			Prefix:       p.Prefix,
			Kind:         kind,
			ChangeOrigin: p.ChangeOrigin,
			Upgrade:      p.WS,
			Insecure:     p.Insecure,
		})
	}
	return transport.NewTargets(c.Backend.Target, specs)
}

// RouteTable builds the validated route table.
func (c *Config) RouteTable() (*route.Table, error) {
	routes := make([]route.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		routes = append(routes, route.Route{
			Name:     rc.Name,
			Path:     rc.Path,
			Auth:     route.Auth(strings.ToLower(rc.Auth)),
			Guest:    rc.Guest,
			Endpoint: rc.Endpoint,
			Method:   rc.Method,
			Purpose:  rc.Purpose,
			Callback: rc.Callback,
			Landing:  rc.Landing,
			NotFound: rc.NotFound,
		})
	}
	return route.New(routes...)
}

// DefaultRoutes is the application route table: account pages, the room
// listing, authenticated and guest room entry, the OAuth2 and payment
// redirect flows and the not-found catch-all.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Name: "home", Path: "/", Auth: "any"},
		{Name: "signup", Path: "/users/signup", Auth: "any"},
		{Name: "login", Path: "/users/login", Auth: "any"},
		{Name: "profile", Path: "/users/me", Auth: "authenticated", Endpoint: "/users/me"},
		{Name: "logout", Path: "/logout", Auth: "authenticated", Endpoint: "/logout", Method: "POST"},
		{Name: "chatrooms", Path: "/chatrooms", Auth: "any", Endpoint: "/chatrooms"},
		{Name: "chatroom", Path: "/chatrooms/:roomId", Auth: "authenticated", Guest: "guestChatroom", Endpoint: "/chat/{roomId}"},
		{Name: "guestChatroom", Path: "/guestChatrooms/:roomId", Auth: "none", Endpoint: "/chat/{roomId}"},
		{Name: "oauthLogin", Path: "/oauth2/authorization/:provider", Auth: "any", Purpose: "oauth", Endpoint: "/oauth2/authorization/{provider}"},
		{Name: "oauthCallback", Path: "/oauth2/callback", Auth: "any", Purpose: "oauth", Callback: true},
		{Name: "payment", Path: "/payment/checkout/:orderId", Auth: "authenticated", Purpose: "payment", Endpoint: "/payment/checkout/{orderId}"},
		{Name: "paymentSuccess", Path: "/payment/success", Auth: "any", Purpose: "payment", Callback: true, Landing: true},
		{Name: "paymentFail", Path: "/payment/fail", Auth: "any", Purpose: "payment", Callback: true, Landing: true},
		{Name: "notFound", Path: "/:catchAll(.*)", NotFound: true},
	}
}

// DefaultPrefixes is the backend prefix table served by the development proxy.
func DefaultPrefixes() []PrefixConfig {
	return []PrefixConfig{
		{Prefix: "/users", Kind: "http", ChangeOrigin: true},
		{Prefix: "/chat", Kind: "stream", ChangeOrigin: true, WS: true},
		{Prefix: "/chatrooms", Kind: "http", ChangeOrigin: true},
		{Prefix: "/api", Kind: "http", ChangeOrigin: true},
		{Prefix: "/oauth2", Kind: "redirect", ChangeOrigin: true},
		{Prefix: "/logout", Kind: "http", ChangeOrigin: true},
		{Prefix: "/payment", Kind: "redirect", ChangeOrigin: true},
	}
}
