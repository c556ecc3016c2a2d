package route_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/a-essam23/roomgate/pkg/errs"
	"github.com/a-essam23/roomgate/pkg/route"
)

func appRoutes() []route.Route {
	return []route.Route{
		{Name: "home", Path: "/", Auth: route.AuthAny},
		{Name: "signup", Path: "/users/signup", Auth: route.AuthAny},
		{Name: "login", Path: "/users/login", Auth: route.AuthAny},
		{Name: "profile", Path: "/users/me", Auth: route.AuthAuthenticated, Endpoint: "/users/me"},
		{Name: "chatrooms", Path: "/chatrooms", Auth: route.AuthAuthenticated, Endpoint: "/chatrooms"},
		{Name: "chatroom", Path: "/chatrooms/:roomId", Auth: route.AuthAuthenticated, Guest: "guestChatroom", Endpoint: "/chat/{roomId}"},
		{Name: "guestChatroom", Path: "/guestChatrooms/:roomId", Auth: route.AuthNone, Endpoint: "/chat/{roomId}"},
		{Name: "paymentSuccess", Path: "/payment/success", Callback: true, Landing: true, Purpose: "payment", Endpoint: "/payment/success"},
		{Name: "notFound", Path: "/:catchAll(.*)", NotFound: true},
	}
}

func newTable(t *testing.T) *route.Table {
	t.Helper()
	table, err := route.New(appRoutes()...)
	if err != nil {
		t.Fatalf("route.New failed: %v", err)
	}
	return table
}

func TestMatch(t *testing.T) {
	table := newTable(t)
	tests := []struct {
		target string
		name   string
		roomID string
		query  string
	}{
		{"/", "home", "", ""},
		{"/users/me", "profile", "", ""},
		{"/users/me/", "profile", "", ""},
		{"/chatrooms", "chatrooms", "", ""},
		{"/chatrooms/42", "chatroom", "42", ""},
		{"/chatrooms/a%20b", "chatroom", "a b", ""},
		{"/guestChatrooms/7?nick=bob", "guestChatroom", "7", "nick=bob"},
		{"/payment/success?state=abc#frag", "paymentSuccess", "", "state=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			in, err := table.Match(tt.target)
			if err != nil {
				t.Fatalf("Match(%q) failed: %v", tt.target, err)
			}
			if in.Name() != tt.name {
				t.Errorf("Expected route %q, got %q", tt.name, in.Name())
			}
			if in.RoomID() != tt.roomID {
				t.Errorf("Expected room id %q, got %q", tt.roomID, in.RoomID())
			}
			if in.Query() != tt.query {
				t.Errorf("Expected query %q, got %q", tt.query, in.Query())
			}
		})
	}
}

func TestMatchNotFound(t *testing.T) {
	table := newTable(t)
	in, err := table.Match("/does/not/exist")
	if !errors.Is(err, errs.ErrRouteNotFound) {
		t.Fatalf("Expected ErrRouteNotFound, got %v", err)
	}
	if in.Name() != "notFound" {
		t.Errorf("Expected the catch-all intent, got %q", in.Name())
	}
	if v, _ := in.Param("catchAll"); v != "does/not/exist" {
		t.Errorf("Expected catch-all binding 'does/not/exist', got %q", v)
	}

	// without a catch-all the table still reports not found
	bare, err := route.New(route.Route{Name: "home", Path: "/"})
	if err != nil {
		t.Fatalf("route.New failed: %v", err)
	}
	in, err = bare.Match("/nope")
	if !errors.Is(err, errs.ErrRouteNotFound) {
		t.Fatalf("Expected ErrRouteNotFound, got %v", err)
	}
	if in.Route() != nil {
		t.Errorf("Expected no route for an unmatched path")
	}
}

// The catch-all must match a path exactly when no earlier pattern does.
func TestCatchAllMatchesIffNothingEarlierDoes(t *testing.T) {
	table := newTable(t)
	routes := table.Routes()
	earlier := routes[:len(routes)-1]

	paths := []string{
		"/", "/users", "/users/me", "/users/me/extra", "/users/login",
		"/chatrooms", "/chatrooms/1", "/chatrooms/1/2", "/guestChatrooms",
		"/guestChatrooms/x", "/payment", "/payment/success", "/payment/fail",
		"/a/b/c/d",
	}
	for _, p := range paths {
		earlierMatch := false
		for _, r := range earlier {
			single, err := route.New(route.Route{Name: r.Name, Path: r.Path})
			if err != nil {
				t.Fatalf("route.New(%q) failed: %v", r.Path, err)
			}
			if _, err := single.Match(p); err == nil {
				earlierMatch = true
				break
			}
		}
		in, _ := table.Match(p)
		gotCatchAll := in.Name() == "notFound"
		if gotCatchAll == earlierMatch {
			t.Errorf("path %q: catch-all matched=%v but earlier match=%v", p, gotCatchAll, earlierMatch)
		}
	}
}

func TestCompileRejectsMalformedPatterns(t *testing.T) {
	bad := []string{
		"users",
		"/users//me",
		"/chat/:",
		"/chat/:id/:id",
		"/chat/:1id",
		"/:rest(.*)/tail",
		"/:rest(.+)",
		"/:rest(.*",
		"/lit(eral)",
	}
	for _, p := range bad {
		if _, err := route.Compile(p); err == nil {
			t.Errorf("Compile(%q) should fail", p)
		}
	}
	if _, err := route.Compile("/chatrooms/:roomId/"); err != nil {
		t.Errorf("trailing slash should be accepted: %v", err)
	}
}

func TestNewRejectsShadowedRoutes(t *testing.T) {
	_, err := route.New(
		route.Route{Name: "home", Path: "/"},
		route.Route{Name: "notFound", Path: "/:catchAll(.*)", NotFound: true},
		route.Route{Name: "profile", Path: "/users/me"},
		route.Route{Name: "chatroom", Path: "/chatrooms/:roomId"},
	)
	if !errors.Is(err, errs.ErrInvalidConfig) {
		t.Fatalf("Expected ErrInvalidConfig, got %v", err)
	}
	for _, name := range []string{"profile", "chatroom"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Expected shadowed route %q to be listed in %q", name, err.Error())
		}
	}
	if strings.Contains(err.Error(), "home (by") {
		t.Errorf("home is declared before the catch-all and is not shadowed: %v", err)
	}

	_, err = route.New(
		route.Route{Name: "room", Path: "/chatrooms/:roomId"},
		route.Route{Name: "special", Path: "/chatrooms/special"},
	)
	if err == nil || !strings.Contains(err.Error(), "special (by room)") {
		t.Errorf("Expected a parameter segment to shadow a literal, got %v", err)
	}

	// a literal declared first does not shadow the parameter route
	if _, err := route.New(
		route.Route{Name: "special", Path: "/chatrooms/special"},
		route.Route{Name: "room", Path: "/chatrooms/:roomId"},
	); err != nil {
		t.Errorf("specific-before-general should be valid: %v", err)
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := route.New(
		route.Route{Name: "guestChatroomRoomId", Path: "/guestChatrooms/:roomId"},
		route.Route{Name: "guestChatroomId", Path: "/guestChatrooms/:roomId"},
	)
	if err == nil || !strings.Contains(err.Error(), "duplicate pattern") {
		t.Errorf("Expected duplicate pattern error, got %v", err)
	}

	_, err = route.New(
		route.Route{Name: "home", Path: "/"},
		route.Route{Name: "home", Path: "/home"},
	)
	if err == nil || !strings.Contains(err.Error(), "duplicate route name") {
		t.Errorf("Expected duplicate name error, got %v", err)
	}
}

func TestNewValidatesGuestVariantsAndEndpoints(t *testing.T) {
	_, err := route.New(route.Route{Name: "chatroom", Path: "/chatrooms/:roomId", Guest: "missing"})
	if err == nil || !strings.Contains(err.Error(), "unknown guest variant") {
		t.Errorf("Expected unknown guest variant error, got %v", err)
	}

	_, err = route.New(
		route.Route{Name: "chatroom", Path: "/chatrooms/:roomId", Guest: "guest"},
		route.Route{Name: "guest", Path: "/guest/:other"},
	)
	if err == nil || !strings.Contains(err.Error(), "different parameters") {
		t.Errorf("Expected parameter mismatch error, got %v", err)
	}

	_, err = route.New(route.Route{Name: "chatroom", Path: "/chatrooms/:roomId", Endpoint: "/chat/{room}"})
	if err == nil || !strings.Contains(err.Error(), "{room}") {
		t.Errorf("Expected endpoint placeholder error, got %v", err)
	}

	_, err = route.New(route.Route{Name: "x", Path: "/x", Auth: "admin"})
	if err == nil || !strings.Contains(err.Error(), "unknown auth") {
		t.Errorf("Expected unknown auth error, got %v", err)
	}
}

func TestBuildAndEndpoint(t *testing.T) {
	table := newTable(t)
	in, err := table.Match("/chatrooms/42")
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if got := in.Endpoint(); got != "/chat/42" {
		t.Errorf("Expected endpoint /chat/42, got %q", got)
	}

	guest, err := table.Build("guestChatroom", in.Params(), in.Query())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if guest.Path() != "/guestChatrooms/42" {
		t.Errorf("Expected /guestChatrooms/42, got %q", guest.Path())
	}
	if guest.RoomID() != "42" {
		t.Errorf("Expected room id 42, got %q", guest.RoomID())
	}

	if _, err := table.Build("guestChatroom", nil, ""); err == nil {
		t.Error("Build without the room id should fail")
	}
	if _, err := table.Build("nope", nil, ""); !errors.Is(err, errs.ErrRouteNotFound) {
		t.Errorf("Expected ErrRouteNotFound for an unknown route, got %v", err)
	}
}
