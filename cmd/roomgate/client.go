package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/a-essam23/roomgate/internal/broker"
	"github.com/a-essam23/roomgate/internal/navigation"
	"github.com/a-essam23/roomgate/internal/router"
	"github.com/a-essam23/roomgate/pkg/config"
	"github.com/a-essam23/roomgate/pkg/session"
	"github.com/a-essam23/roomgate/pkg/state/statemanager"
	"gopkg.in/yaml.v3"
)

type navigateFlags struct {
	user  string
	token string
	hold  bool
}

// client is the navigation stack wired from configuration.
type client struct {
	store  *session.Store
	broker *broker.Broker
	ctrl   *navigation.Controller
}

// newClient wires the navigation stack. Frames received on an entered
// room go to frames; nil drops them.
func newClient(logger *slog.Logger, cfg *config.Config, observer navigation.Observer, frames router.HandlerFunc) (*client, error) {
	table, err := cfg.RouteTable()
	if err != nil {
		return nil, err
	}
	targets, err := cfg.Targets()
	if err != nil {
		return nil, err
	}

	var persister session.Persister
	if cfg.Session.StorePath != "" {
		persister = &session.FilePersister{Path: cfg.Session.StorePath}
	}
	store := session.Open(logger, persister)

	checkers := []session.TokenChecker{session.ExpiryChecker{}}
	if cfg.Session.CheckEndpoint != "" {
		endpoint, err := url.Parse(cfg.Session.CheckEndpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid session check endpoint: %w", err)
		}
		if !endpoint.IsAbs() {
			endpoint = targets.Base().ResolveReference(endpoint)
		}
		checkers = append(checkers, &broker.SessionChecker{
			Client:   &http.Client{Timeout: cfg.Transport.RequestTimeout},
			Endpoint: endpoint,
		})
	}
	resolver := session.NewResolver(logger, table, store, session.Checkers(checkers...), cfg.Session.LoginRoute)

	var correlations broker.CorrelationStore
	if path := correlationPath(cfg.Session); path != "" {
		correlations = &broker.FileCorrelationStore{Path: path}
	}
	events := router.NewEventRouter(logger)
	if frames != nil {
		events.HandleDefault(frames)
	}

	b := broker.New(logger, broker.Options{
		Targets:    targets,
		State:      statemanager.NewInMemoryManager(logger),
		Events:     events,
		Correlator: broker.NewCorrelator(cfg.Session.CorrelationSecret, cfg.Session.CorrelationTTL, correlations),
		Origin:     publicOrigin(cfg.Server.Address),
		Retry: broker.RetryPolicy{
			MaxAttempts:    cfg.Transport.Retry.MaxAttempts,
			InitialBackoff: cfg.Transport.Retry.InitialBackoff,
			MaxBackoff:     cfg.Transport.Retry.MaxBackoff,
		},
		DialTimeout:    cfg.Transport.DialTimeout,
		RequestTimeout: cfg.Transport.RequestTimeout,
		ReadTimeout:    cfg.Transport.ReadTimeout,
		OnDrop: func(roomID string, seq uint64, err error) {
			logger.Warn("Room stream lost", slog.String("roomID", roomID), slog.Uint64("seq", seq), slog.Any("error", err))
		},
	})

	ctrl := navigation.New(logger, navigation.Options{
		Table:    table,
		Resolver: resolver,
		Broker:   b,
		Store:    store,
		Observer: observer,

		LogoutRoute: cfg.Session.LogoutRoute,
	})
	return &client{store: store, broker: b, ctrl: ctrl}, nil
}

// correlationPath keeps correlation tokens next to a persisted session
// unless a path is configured.
func correlationPath(cfg config.SessionConfig) string {
	if cfg.CorrelationPath != "" {
		return cfg.CorrelationPath
	}
	if cfg.StorePath == "" {
		return ""
	}
	return strings.TrimSuffix(cfg.StorePath, ".json") + ".correlation.json"
}

// printFrames returns a frame handler writing one line per frame to w.
func printFrames(w io.Writer) router.HandlerFunc {
	return func(_ context.Context, roomID string, msg router.ClientMessage) {
		payload := "-"
		if len(msg.Payload) > 0 {
			payload = string(msg.Payload)
		}
		fmt.Fprintf(w, "frame    room=%s event=%s payload=%s\n", roomID, msg.Event, payload)
	}
}

func (c *client) Close() {
	c.ctrl.Close()
	c.broker.Close()
}

// publicOrigin turns a listen address into the host the browser uses.
func publicOrigin(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func runNavigate(ctx context.Context, logger *slog.Logger, cfg *config.Config, paths []string, flags navigateFlags) error {
	transitions := make(chan navigation.Transition, 64)
	observer := navigation.ObserverFuncs{
		OnTransition: func(t navigation.Transition) {
			printTransition(t)
			select {
			case transitions <- t:
			default:
			}
		},
		OnSignal: func(s navigation.Signal) {
			fmt.Printf("signal   seq=%d route=%s purpose=%s values=%s\n", s.Seq, s.Route, s.Purpose, s.Values.Encode())
		},
	}
	c, err := newClient(logger, cfg, observer, printFrames(os.Stdout))
	if err != nil {
		return err
	}
	defer c.Close()

	if flags.user != "" {
		if err := c.store.Login(flags.user, flags.token); err != nil {
			return err
		}
	}

	for _, p := range paths {
		c.ctrl.Navigate(p)
		if err := settle(ctx, c.ctrl, transitions); err != nil {
			return err
		}
	}

	if flags.hold {
		if st := c.ctrl.Status(); st.Room != nil {
			logger.Info("Holding room open until interrupted", slog.String("roomID", st.Room.RoomID))
			<-ctx.Done()
		}
	}
	return nil
}

// settle waits until the newest navigation reaches a resting phase.
func settle(ctx context.Context, ctrl *navigation.Controller, transitions <-chan navigation.Transition) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-transitions:
			switch t.To {
			case navigation.Active, navigation.Idle, navigation.Failed:
			default:
				continue
			}
			if st := ctrl.Status(); st.Seq == t.Seq && st.Phase == t.To {
				return nil
			}
		}
	}
}

func printTransition(t navigation.Transition) {
	var b strings.Builder
	fmt.Fprintf(&b, "seq=%-3d %s → %s", t.Seq, t.From, t.To)
	if t.Route != "" {
		fmt.Fprintf(&b, " route=%s", t.Route)
	}
	fmt.Fprintf(&b, " path=%s", t.Path)
	if t.Room != nil {
		fmt.Fprintf(&b, " room=%s mode=%s", t.Room.RoomID, t.Room.Mode)
	}
	switch ch := t.Channel.(type) {
	case *broker.Response:
		fmt.Fprintf(&b, " status=%d bytes=%d", ch.Status, len(ch.Body))
	case *broker.Callback:
		fmt.Fprintf(&b, " callback=%s replayed=%t", ch.Purpose, ch.Replayed)
	}
	if t.Redirect != "" {
		fmt.Fprintf(&b, " redirect=%s", t.Redirect)
	}
	if t.Pending != "" {
		fmt.Fprintf(&b, " pending=%s", t.Pending)
	}
	if t.NotFound {
		b.WriteString(" not-found")
	}
	if t.Cause != nil {
		fmt.Fprintf(&b, " error=%q", t.Cause.Error())
	}
	fmt.Println(b.String())
}

func runLogout(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	c, err := newClient(logger, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	if !c.store.Snapshot().Authenticated {
		logger.Info("No active session")
		return nil
	}
	return c.ctrl.Logout(ctx)
}

func printRoutes(w io.Writer, cfg *config.Config) error {
	table, err := cfg.RouteTable()
	if err != nil {
		return err
	}
	targets, err := cfg.Targets()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPATH\tAUTH\tENDPOINT\tKIND\tFLAGS")
	for _, rt := range table.Routes() {
		kind := "-"
		if rt.Endpoint != "" {
			if tg, ok := targets.Lookup(strings.SplitN(rt.Endpoint, "{", 2)[0]); ok {
				kind = string(tg.Kind)
			}
		}
		var flags []string
		if rt.Guest != "" {
			flags = append(flags, "guest="+rt.Guest)
		}
		if rt.Purpose != "" {
			flags = append(flags, "purpose="+rt.Purpose)
		}
		if rt.Callback {
			flags = append(flags, "callback")
		}
		if rt.Landing {
			flags = append(flags, "landing")
		}
		if rt.NotFound {
			flags = append(flags, "not-found")
		}
		endpoint := rt.Endpoint
		if endpoint == "" {
			endpoint = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", rt.Name, rt.Path, rt.Auth, endpoint, kind, strings.Join(flags, ","))
	}
	return tw.Flush()
}

// dumpRoutes writes the effective routes and backend prefixes in the
// config file layout, ready to be edited into config.yaml.
func dumpRoutes(w io.Writer, cfg *config.Config) error {
	if _, err := cfg.RouteTable(); err != nil {
		return err
	}
	doc := struct {
		Backend struct {
			Target   string                `yaml:"target"`
			Prefixes []config.PrefixConfig `yaml:"prefixes"`
		} `yaml:"backend"`
		Routes []config.RouteConfig `yaml:"routes"`
	}{Routes: cfg.Routes}
	doc.Backend.Target = cfg.Backend.Target
	doc.Backend.Prefixes = cfg.Backend.Prefixes

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
