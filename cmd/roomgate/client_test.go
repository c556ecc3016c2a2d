package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/roomgate/internal/broker"
	"github.com/a-essam23/roomgate/internal/navigation"
	"github.com/a-essam23/roomgate/internal/router"
	"github.com/a-essam23/roomgate/pkg/config"
	"github.com/a-essam23/roomgate/pkg/logging"
	"github.com/coder/websocket"
)

// chatBackend greets every room stream with one frame and then keeps it
// open until the client leaves.
func chatBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		roomID := strings.TrimPrefix(r.URL.Path, "/chat/")
		frame := `{"event":"message","target":"` + roomID + `","payload":{"text":"welcome"}}`
		if err := c.Write(r.Context(), websocket.MessageText, []byte(frame)); err != nil {
			return
		}
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func clientConfig(target, dir string) *config.Config {
	return &config.Config{
		Backend: config.BackendConfig{Target: target, Prefixes: config.DefaultPrefixes()},
		Routes:  config.DefaultRoutes(),
		Transport: config.TransportConfig{
			DialTimeout: 2 * time.Second,
			Retry:       config.RetryConfig{MaxAttempts: 1},
		},
		Session: config.SessionConfig{
			StorePath:         filepath.Join(dir, "session.json"),
			CorrelationSecret: "test-secret",
			CorrelationTTL:    time.Minute,
			LoginRoute:        "login",
			LogoutRoute:       "logout",
		},
	}
}

type frameSeen struct {
	roomID string
	msg    router.ClientMessage
}

// activeWatcher records transitions and returns the first Active one for seq.
type activeWatcher chan navigation.Transition

func (w activeWatcher) observer() navigation.Observer {
	return navigation.ObserverFuncs{OnTransition: func(t navigation.Transition) { w <- t }}
}

func (w activeWatcher) wait(t *testing.T, seq uint64) navigation.Transition {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case tr := <-w:
			if tr.Seq != seq {
				continue
			}
			switch tr.To {
			case navigation.Active:
				return tr
			case navigation.Failed, navigation.Idle:
				t.Fatalf("navigation %d ended in %s: %v", seq, tr.To, tr.Cause)
			}
		case <-deadline:
			t.Fatalf("navigation %d never became active", seq)
		}
	}
}

func TestClientSurfacesRoomFrames(t *testing.T) {
	srv := chatBackend(t)
	frames := make(chan frameSeen, 4)
	watcher := make(activeWatcher, 32)

	c, err := newClient(logging.Discard(), clientConfig(srv.URL, t.TempDir()), watcher.observer(),
		func(_ context.Context, roomID string, msg router.ClientMessage) {
			frames <- frameSeen{roomID: roomID, msg: msg}
		})
	if err != nil {
		t.Fatalf("newClient failed: %v", err)
	}
	defer c.Close()

	watcher.wait(t, c.ctrl.Navigate("/guestChatrooms/3"))
	select {
	case f := <-frames:
		if f.roomID != "3" || f.msg.Event != "message" || string(f.msg.Payload) != `{"text":"welcome"}` {
			t.Errorf("unexpected frame %+v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("the backend frame never reached the client")
	}
}

func TestCallbackLandsInLaterRun(t *testing.T) {
	dir := t.TempDir()
	cfg := clientConfig("http://backend.invalid", dir)

	first := make(activeWatcher, 32)
	issuing, err := newClient(logging.Discard(), cfg, first.observer(), nil)
	if err != nil {
		t.Fatalf("newClient failed: %v", err)
	}
	if err := issuing.store.Login("alice", "good"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	out := first.wait(t, issuing.ctrl.Navigate("/payment/checkout/77"))
	redirect, ok := out.Channel.(*broker.Redirect)
	if !ok || redirect.Token == "" {
		t.Fatalf("expected a correlated redirect, got %#v", out.Channel)
	}
	issuing.Close()

	second := make(activeWatcher, 32)
	landing, err := newClient(logging.Discard(), cfg, second.observer(), nil)
	if err != nil {
		t.Fatalf("newClient failed: %v", err)
	}
	defer landing.Close()
	back := second.wait(t, landing.ctrl.Navigate("/payment/success?orderId=77&state="+redirect.Token))
	cb, ok := back.Channel.(*broker.Callback)
	if !ok || cb.Replayed || cb.Values.Get("orderId") != "77" {
		t.Errorf("expected the first landing in the later run, got %#v", back.Channel)
	}
}

func TestPrintFrames(t *testing.T) {
	var out bytes.Buffer
	printFrames(&out)(context.Background(), "42", router.ClientMessage{Event: "message", Payload: []byte(`{"text":"hi"}`)})
	printFrames(&out)(context.Background(), "42", router.ClientMessage{Event: "typing"})

	want := "frame    room=42 event=message payload={\"text\":\"hi\"}\nframe    room=42 event=typing payload=-\n"
	if out.String() != want {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestCorrelationPath(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SessionConfig
		want string
	}{
		{"memory only", config.SessionConfig{}, ""},
		{"next to the session", config.SessionConfig{StorePath: ".roomgate-session.json"}, ".roomgate-session.correlation.json"},
		{"configured", config.SessionConfig{StorePath: "s.json", CorrelationPath: "/tmp/c.json"}, "/tmp/c.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := correlationPath(tt.cfg); got != tt.want {
				t.Errorf("correlationPath = %q, want %q", got, tt.want)
			}
		})
	}
}
