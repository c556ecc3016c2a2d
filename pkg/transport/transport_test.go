package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/roomgate/pkg/logging"
	"github.com/a-essam23/roomgate/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

func specs() []transport.TargetSpec {
	return []transport.TargetSpec{
		{Prefix: "/users", Kind: transport.KindHTTP, ChangeOrigin: true},
		{Prefix: "/chat", Kind: transport.KindStream, ChangeOrigin: true, Upgrade: true},
		{Prefix: "/chatrooms", Kind: transport.KindHTTP, ChangeOrigin: true},
		{Prefix: "/oauth2", Kind: transport.KindRedirect, ChangeOrigin: true},
		{Prefix: "/oauth2/callback", Kind: transport.KindRedirect},
	}
}

func TestTargetsLookup(t *testing.T) {
	targets, err := transport.NewTargets("http://localhost:8080", specs())
	if err != nil {
		t.Fatalf("NewTargets failed: %v", err)
	}
	tests := []struct {
		path   string
		prefix string
		kind   transport.Kind
		found  bool
	}{
		{"/users/me", "/users", transport.KindHTTP, true},
		{"/chat/42", "/chat", transport.KindStream, true},
		{"/chatrooms", "/chatrooms", transport.KindHTTP, true},
		{"/chatrooms/42/meta", "/chatrooms", transport.KindHTTP, true},
		{"/oauth2/callback", "/oauth2/callback", transport.KindRedirect, true},
		{"/oauth2/authorization/google", "/oauth2", transport.KindRedirect, true},
		{"/chatty", "", "", false},
		{"/payment", "", "", false},
	}
	for _, tt := range tests {
		tg, ok := targets.Lookup(tt.path)
		if ok != tt.found {
			t.Errorf("Lookup(%q) found=%v, want %v", tt.path, ok, tt.found)
			continue
		}
		if ok && (tg.Prefix != tt.prefix || tg.Kind != tt.kind) {
			t.Errorf("Lookup(%q) = %s %s, want %s %s", tt.path, tg.Prefix, tg.Kind, tt.prefix, tt.kind)
		}
	}

	tg, _ := targets.Lookup("/chat/42")
	if got := tg.StreamURL("/chat/42", "mode=guest").String(); got != "ws://localhost:8080/chat/42?mode=guest" {
		t.Errorf("StreamURL = %q", got)
	}
}

func TestNewTargetsValidation(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		specs []transport.TargetSpec
		want  string
	}{
		{"relative base", "localhost:8080", nil, "absolute"},
		{"stream without upgrade", "http://b", []transport.TargetSpec{{Prefix: "/chat", Kind: transport.KindStream}}, "upgrade flag"},
		{"upgrade on http", "http://b", []transport.TargetSpec{{Prefix: "/users", Kind: transport.KindHTTP, Upgrade: true}}, "declares upgrade"},
		{"duplicate prefix", "http://b", []transport.TargetSpec{
			{Prefix: "/users", Kind: transport.KindHTTP},
			{Prefix: "/users/", Kind: transport.KindRedirect},
		}, "declared twice"},
		{"unknown kind", "http://b", []transport.TargetSpec{{Prefix: "/x", Kind: "grpc"}}, "unknown transport kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transport.NewTargets(tt.base, tt.specs)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func echoServer(t *testing.T, closeAfterFirst bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			typ, msg, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if err := c.Write(r.Context(), typ, msg); err != nil {
				return
			}
			if closeAfterFirst {
				c.Close(websocket.StatusGoingAway, "bye")
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return c
}

func TestConnectionEchoAndLocalClose(t *testing.T) {
	srv := echoServer(t, false)
	var wg sync.WaitGroup
	received := make(chan []byte, 1)
	closed := make(chan bool, 1)

	conn := transport.NewConnection(context.Background(), &wg, dial(t, srv), transport.ConnectionConfig{},
		func(_ context.Context, _ uuid.UUID, msg []byte) { received <- msg },
		func(_ uuid.UUID, _ error, remote bool) { closed <- remote },
		logging.Discard(),
	)
	conn.Run()

	if !conn.Send([]byte(`{"event":"ping"}`)) {
		t.Fatal("Send failed on an open connection")
	}
	select {
	case msg := <-received:
		if string(msg) != `{"event":"ping"}` {
			t.Errorf("unexpected echo %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	reason := errors.New("navigated away")
	conn.Close(reason)
	select {
	case remote := <-closed:
		if remote {
			t.Error("a local close must not be reported as remote")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close")
	}
	wg.Wait()
	if !errors.Is(conn.Err(), reason) {
		t.Errorf("Err() = %v, want %v", conn.Err(), reason)
	}
	if conn.Send([]byte("late")) {
		t.Error("Send after Close must fail")
	}
}

func TestConnectionRemoteClose(t *testing.T) {
	srv := echoServer(t, true)
	var wg sync.WaitGroup
	closed := make(chan bool, 1)

	conn := transport.NewConnection(context.Background(), &wg, dial(t, srv), transport.ConnectionConfig{},
		nil,
		func(_ uuid.UUID, _ error, remote bool) { closed <- remote },
		logging.Discard(),
	)
	conn.Run()
	conn.Send([]byte("hello"))

	select {
	case remote := <-closed:
		if !remote {
			t.Error("a server-side close must be reported as remote")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remote close")
	}
	<-conn.Done()
	if !conn.ClosedByPeer() {
		t.Error("ClosedByPeer should be true")
	}
}

func TestConnectionCancelledParentIsLocal(t *testing.T) {
	srv := echoServer(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	closed := make(chan bool, 1)

	conn := transport.NewConnection(ctx, nil, dial(t, srv), transport.ConnectionConfig{}, nil,
		func(_ uuid.UUID, _ error, remote bool) { closed <- remote },
		logging.Discard(),
	)
	conn.Run()
	cancel()

	select {
	case remote := <-closed:
		if remote {
			t.Error("cancelling the parent context is a local close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for close after cancellation")
	}
}

func TestConnectionCloseRacingRun(t *testing.T) {
	srv := echoServer(t, false)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		conn := transport.NewConnection(context.Background(), &wg, dial(t, srv), transport.ConnectionConfig{}, nil, nil, logging.Discard())
		start := make(chan struct{})
		var racers sync.WaitGroup
		racers.Add(2)
		go func() {
			defer racers.Done()
			<-start
			conn.Run()
		}()
		go func() {
			defer racers.Done()
			<-start
			conn.Close(errors.New("gone"))
		}()
		close(start)
		racers.Wait()
		<-conn.Done()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("wait group still held after every connection closed")
	}
}

func TestConnectionRunAfterCloseIsNoop(t *testing.T) {
	srv := echoServer(t, false)
	var wg sync.WaitGroup
	conn := transport.NewConnection(context.Background(), &wg, dial(t, srv), transport.ConnectionConfig{}, nil, nil, logging.Discard())
	conn.Close(errors.New("never used"))
	conn.Run()
	wg.Wait()
	if conn.Send([]byte("late")) {
		t.Error("Send on a connection closed before Run must fail")
	}
}
