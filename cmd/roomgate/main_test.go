package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/a-essam23/roomgate/pkg/config"
	"gopkg.in/yaml.v3"
)

func TestPrintRoutes(t *testing.T) {
	cfg := &config.Config{
		Backend: config.BackendConfig{Target: "http://localhost:8080", Prefixes: config.DefaultPrefixes()},
		Routes:  config.DefaultRoutes(),
	}
	var out bytes.Buffer
	if err := printRoutes(&out, cfg); err != nil {
		t.Fatalf("printRoutes failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != len(cfg.Routes)+1 {
		t.Fatalf("expected a header and %d routes, got %d lines", len(cfg.Routes), len(lines))
	}
	var chatroom string
	for _, l := range lines {
		if strings.HasPrefix(l, "chatroom ") {
			chatroom = l
		}
	}
	for _, want := range []string{"/chatrooms/:roomId", "authenticated", "/chat/{roomId}", "stream", "guest=guestChatroom"} {
		if !strings.Contains(chatroom, want) {
			t.Errorf("chatroom line %q lacks %q", chatroom, want)
		}
	}
}

func TestDumpRoutesRoundTrips(t *testing.T) {
	cfg := &config.Config{
		Backend: config.BackendConfig{Target: "http://localhost:8080", Prefixes: config.DefaultPrefixes()},
		Routes:  config.DefaultRoutes(),
	}
	var out bytes.Buffer
	if err := dumpRoutes(&out, cfg); err != nil {
		t.Fatalf("dumpRoutes failed: %v", err)
	}

	var doc struct {
		Backend struct {
			Prefixes []config.PrefixConfig `yaml:"prefixes"`
		} `yaml:"backend"`
		Routes []config.RouteConfig `yaml:"routes"`
	}
	if err := yaml.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if len(doc.Routes) != len(cfg.Routes) || len(doc.Backend.Prefixes) != len(cfg.Backend.Prefixes) {
		t.Fatalf("expected %d routes and %d prefixes, got %d and %d",
			len(cfg.Routes), len(cfg.Backend.Prefixes), len(doc.Routes), len(doc.Backend.Prefixes))
	}
	reloaded := &config.Config{
		Backend: config.BackendConfig{Target: "http://localhost:8080", Prefixes: doc.Backend.Prefixes},
		Routes:  doc.Routes,
	}
	if _, err := reloaded.RouteTable(); err != nil {
		t.Errorf("dumped routes do not compile: %v", err)
	}
	if _, err := reloaded.Targets(); err != nil {
		t.Errorf("dumped prefixes do not validate: %v", err)
	}
}

func TestPublicOrigin(t *testing.T) {
	if got := publicOrigin(":5173"); got != "localhost:5173" {
		t.Errorf("expected localhost:5173, got %q", got)
	}
	if got := publicOrigin("app.local:80"); got != "app.local:80" {
		t.Errorf("expected the address unchanged, got %q", got)
	}
}
