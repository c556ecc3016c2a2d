// Package navigation drives one navigation at a time through route
// matching, session resolution and transport establishment, and owns the
// room context that results from it.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/roomgate/internal/broker"
	"github.com/a-essam23/roomgate/pkg/errs"
	"github.com/a-essam23/roomgate/pkg/route"
	"github.com/a-essam23/roomgate/pkg/session"
)

// Phase is the lifecycle phase of the current navigation.
type Phase int

const (
	Idle Phase = iota
	Resolving
	Connecting
	Active
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// RoomContext is the chat room the current navigation entered.
type RoomContext struct {
	RoomID  string
	Mode    session.Mode
	Route   string
	Channel broker.Channel
}

// Establisher opens the channel for a resolved intent.
type Establisher interface {
	Establish(ctx context.Context, req broker.Request) (broker.Channel, error)
}

type Options struct {
	Table    *route.Table
	Resolver *session.Resolver
	Broker   Establisher
	Store    *session.Store
	Observer Observer

	// LoginPurpose is the correlation purpose of callbacks that complete a
	// login. Their "token" value is committed to the store.
	LoginPurpose string
	// LogoutRoute names the backend route Logout calls before dropping the
	// local session.
	LogoutRoute string
}

// Status is a snapshot of the controller.
type Status struct {
	Seq     uint64
	Phase   Phase
	Path    string
	Route   string
	Room    *RoomContext
	Channel broker.Channel
	Err     error
	Pending string
}

// Controller runs navigations. Navigate never blocks: resolution and
// establishment run on their own goroutine and any completion that belongs
// to a superseded navigation is discarded.
type Controller struct {
	opts Options

	mu      sync.Mutex
	seq     uint64
	phase   Phase
	target  string
	intent  route.Intent
	room    *RoomContext
	channel broker.Channel
	cancel  context.CancelFunc
	lastErr error
	pending route.Intent
	closed  bool

	root        context.Context
	rootCancel  context.CancelFunc
	unsubscribe func()
	notify      *notifier
	wg          sync.WaitGroup

	logger *slog.Logger
}

func New(logger *slog.Logger, opts Options) *Controller {
	if opts.LoginPurpose == "" {
		opts.LoginPurpose = "oauth"
	}
	if opts.LogoutRoute == "" {
		opts.LogoutRoute = "logout"
	}
	root, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:       opts,
		root:       root,
		rootCancel: cancel,
		notify:     newNotifier(opts.Observer),
		logger:     logger.With(slog.String("component", "navigation_controller")),
	}
	c.unsubscribe = opts.Store.Subscribe(c.sessionChanged)
	return c
}

// Navigate starts a navigation to target (path with optional query) and
// returns its sequence number.
func (c *Controller) Navigate(target string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.navigateLocked(target)
}

func (c *Controller) navigateLocked(target string) uint64 {
	if c.closed {
		return c.seq
	}
	from := c.phase
	switch c.phase {
	case Active:
		c.emitLocked(Transition{Seq: c.seq, From: Active, To: Idle, Path: c.intent.Path(), Route: c.intent.Name()})
		from = Idle
	case Resolving, Connecting:
		// the superseded navigation is abandoned without further events
		from = Idle
	}
	c.teardownLocked()

	c.seq++
	ctx, cancel := context.WithCancel(c.root)
	c.cancel = cancel
	c.phase = Resolving
	c.target = target
	c.intent = route.Intent{}
	c.lastErr = nil

	seq := c.seq
	c.emitLocked(Transition{Seq: seq, From: from, To: Resolving, Path: target})
	c.logger.Debug("Navigation started", slog.Uint64("seq", seq), slog.String("target", target))

	c.wg.Add(1)
	go c.run(ctx, seq, target)
	return seq
}

func (c *Controller) run(ctx context.Context, seq uint64, target string) {
	defer c.wg.Done()
	logger := c.logger.With(slog.Uint64("seq", seq))

	in, err := c.opts.Table.Match(target)
	if err != nil {
		c.toIdle(seq, in, err, func(t *Transition) { t.NotFound = true })
		return
	}
	c.setIntent(seq, in)

	res, err := c.opts.Resolver.Resolve(ctx, in)
	if err != nil {
		if errors.Is(err, errs.ErrCancelled) {
			return
		}
		c.toIdle(seq, in, err, func(t *Transition) { t.NotFound = errors.Is(err, errs.ErrRouteNotFound) })
		return
	}

	switch res.Outcome {
	case session.Redirect:
		c.mu.Lock()
		if seq == c.seq {
			c.pending = res.Replay
		}
		c.mu.Unlock()
		c.toIdle(seq, in, res.Err, func(t *Transition) {
			t.Redirect = res.Intent.URL()
			t.Pending = res.Replay.URL()
		})
		return

	case session.Downgrade:
		c.mu.Lock()
		if seq == c.seq && c.phase == Resolving && !c.closed {
			c.phase = Idle
			c.emitLocked(Transition{Seq: seq, From: Resolving, To: Idle, Path: in.Path(), Route: in.Name(), Redirect: res.Intent.URL()})
			logger.Info("Entering guest variant", slog.String("route", in.Name()), slog.String("guest", res.Intent.Name()))
			c.navigateLocked(res.Intent.URL())
		}
		c.mu.Unlock()
		return
	}

	if !c.advance(seq, Resolving, Connecting) {
		return
	}
	req := broker.Request{Intent: res.Intent, Mode: res.Mode, UserID: res.UserID, Token: res.Token, Seq: seq}
	ch, err := c.opts.Broker.Establish(ctx, req)
	if err != nil && errors.Is(err, errs.ErrStaleToken) && res.Token != "" {
		// the backend rejected the session: drop it and retry without it.
		// The retry cannot hit this branch again since it carries no token.
		c.mu.Lock()
		current := seq == c.seq && c.phase == Connecting && !c.closed
		c.mu.Unlock()
		if !current {
			// a superseded navigation must not end the session a newer one uses
			logger.Debug("Discarding stale token rejection")
			return
		}
		logger.Info("Backend rejected the session token, retrying without session")
		if _, ierr := c.opts.Store.Invalidate(res.Token); ierr != nil {
			logger.Error("Failed to invalidate stale session", slog.Any("error", ierr))
		}
		c.mu.Lock()
		if c.failLocked(seq, Connecting, err) {
			c.navigateLocked(c.target)
		}
		c.mu.Unlock()
		return
	}
	c.complete(seq, res, ch, err)
}

// complete applies the result of Establish to the navigation.
func (c *Controller) complete(seq uint64, res session.Resolution, ch broker.Channel, err error) {
	logger := c.logger.With(slog.Uint64("seq", seq))

	c.mu.Lock()
	if seq != c.seq || c.closed || c.phase != Connecting {
		c.mu.Unlock()
		if ch != nil {
			c.closeAsync(ch)
		}
		logger.Debug("Discarding stale completion")
		return
	}
	if err != nil {
		logger.Warn("Navigation failed", slog.String("route", res.Intent.Name()), slog.Any("error", err))
		c.failLocked(seq, Connecting, err)
		c.mu.Unlock()
		return
	}

	c.phase = Active
	c.channel = ch
	t := Transition{Seq: seq, From: Connecting, To: Active, Path: res.Intent.Path(), Route: res.Intent.Name(), Channel: ch}

	var login *broker.Callback
	var signal *Signal
	switch v := ch.(type) {
	case *broker.Stream:
		c.room = &RoomContext{RoomID: v.RoomID(), Mode: v.Mode(), Route: res.Intent.Name(), Channel: v}
		room := *c.room
		t.Room = &room
		c.wg.Add(1)
		go c.watch(seq, v)
	case *broker.Redirect:
		t.Redirect = v.Location
	case *broker.Callback:
		if rt := res.Intent.Route(); rt != nil && rt.Landing && !v.Replayed {
			signal = &Signal{Seq: seq, Route: v.Route, Purpose: v.Purpose, Values: v.Values}
		}
		if !v.Replayed && v.Purpose == c.opts.LoginPurpose {
			login = v
		}
	}
	c.emitLocked(t)
	if signal != nil {
		sig := *signal
		c.notify.push(func(o Observer) { o.Signal(sig) })
	}
	c.mu.Unlock()
	logger.Info("Navigation active", slog.String("route", res.Intent.Name()), slog.String("kind", string(ch.Kind())))

	// Login notifies sessionChanged, which takes c.mu
	if login != nil {
		if err := c.completeLogin(login); err != nil {
			c.mu.Lock()
			c.failLocked(seq, Active, err)
			c.mu.Unlock()
		}
	}
}

func (c *Controller) completeLogin(cb *broker.Callback) error {
	token := cb.Values.Get("token")
	userID := cb.Values.Get("userId")
	if token == "" {
		return errs.New("navigation", "Login", errs.ErrRejected, errors.New("login callback carries no token")).AsFatal()
	}
	if userID == "" {
		sub, err := session.SubjectOf(token)
		if err != nil {
			return errs.New("navigation", "Login", errs.ErrRejected, err).AsFatal()
		}
		userID = sub
	}
	if err := c.opts.Store.Login(userID, token); err != nil {
		return errs.New("navigation", "Login", errs.ErrRejected, err).AsFatal()
	}
	c.logger.Info("Login completed", slog.String("userID", userID))
	return nil
}

// watch moves an Active room navigation to Failed when its stream is lost.
func (c *Controller) watch(seq uint64, s *broker.Stream) {
	defer c.wg.Done()
	<-s.Done()
	err := s.Err()
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != broker.Channel(s) {
		return
	}
	if c.failLocked(seq, Active, err) {
		c.logger.Warn("Room stream lost", slog.Uint64("seq", seq), slog.String("roomID", s.RoomID()), slog.Any("error", err))
	}
}

// failLocked moves navigation seq from phase from to Failed and releases
// its channel. It reports false when seq is no longer current.
func (c *Controller) failLocked(seq uint64, from Phase, err error) bool {
	if seq != c.seq || c.phase != from || c.closed {
		return false
	}
	if c.channel != nil {
		c.closeAsync(c.channel)
		c.channel = nil
	}
	c.room = nil
	c.phase = Failed
	c.lastErr = err
	c.emitLocked(Transition{
		Seq: seq, From: from, To: Failed,
		Path: c.intent.Path(), Route: c.intent.Name(),
		Err: errs.Classify(err), Cause: err,
	})
	return true
}

// Retry re-runs the failed navigation under a new sequence number.
func (c *Controller) Retry() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Failed {
		return 0, fmt.Errorf("cannot retry from %s", c.phase)
	}
	return c.navigateLocked(c.target), nil
}

// Abandon gives up on a failed navigation.
func (c *Controller) Abandon() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Failed {
		return fmt.Errorf("cannot abandon from %s", c.phase)
	}
	c.teardownLocked()
	c.phase = Idle
	c.emitLocked(Transition{Seq: c.seq, From: Failed, To: Idle, Path: c.intent.Path(), Route: c.intent.Name(), Err: errs.Classify(c.lastErr)})
	return nil
}

// Leave closes the active channel and destroys the room context.
func (c *Controller) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Active {
		return fmt.Errorf("cannot leave from %s", c.phase)
	}
	c.leaveLocked()
	return nil
}

func (c *Controller) leaveLocked() {
	c.teardownLocked()
	c.phase = Idle
	c.emitLocked(Transition{Seq: c.seq, From: Active, To: Idle, Path: c.intent.Path(), Route: c.intent.Name()})
}

// Logout ends the session. The backend logout route is called first when
// one is declared; its failure does not keep the local session alive.
func (c *Controller) Logout(ctx context.Context) error {
	st := c.opts.Store.Snapshot()
	if st.Authenticated {
		if in, err := c.opts.Table.Build(c.opts.LogoutRoute, nil, ""); err == nil && in.Endpoint() != "" {
			ch, err := c.opts.Broker.Establish(ctx, broker.Request{
				Intent: in, Mode: session.ModeAuthenticated, UserID: st.UserID, Token: st.Token,
			})
			if err != nil {
				c.logger.Warn("Backend logout failed", slog.Any("error", err))
			} else {
				ch.Close()
			}
		}
	}
	c.mu.Lock()
	c.pending = route.Intent{}
	c.mu.Unlock()
	return c.opts.Store.Logout()
}

// sessionChanged replays the pending intent after login and leaves
// authenticated rooms after logout.
func (c *Controller) sessionChanged(prev, next session.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch {
	case !prev.Authenticated && next.Authenticated:
		if c.pending.IsZero() {
			return
		}
		target := c.pending.URL()
		c.pending = route.Intent{}
		c.logger.Info("Session established, replaying navigation", slog.String("target", target))
		c.navigateLocked(target)
	case prev.Authenticated && !next.Authenticated:
		if c.phase == Active && c.room != nil && c.room.Mode == session.ModeAuthenticated {
			c.logger.Info("Session ended, leaving authenticated room", slog.String("roomID", c.room.RoomID))
			c.leaveLocked()
		}
	}
}

// Status returns a snapshot of the current navigation.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Seq:     c.seq,
		Phase:   c.phase,
		Path:    c.intent.Path(),
		Route:   c.intent.Name(),
		Channel: c.channel,
		Err:     errs.Classify(c.lastErr),
	}
	if st.Path == "" {
		st.Path = c.target
	}
	if c.room != nil {
		room := *c.room
		st.Room = &room
	}
	if !c.pending.IsZero() {
		st.Pending = c.pending.URL()
	}
	return st
}

// Close cancels in-flight work, tears down the room and waits until every
// notification has been delivered.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	c.mu.Unlock()

	c.unsubscribe()
	c.rootCancel()
	c.wg.Wait()
	c.notify.close()
}

func (c *Controller) setIntent(seq uint64, in route.Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq == c.seq {
		c.intent = in
	}
}

func (c *Controller) advance(seq uint64, from, to Phase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq || c.phase != from || c.closed {
		return false
	}
	c.phase = to
	c.emitLocked(Transition{Seq: seq, From: from, To: to, Path: c.intent.Path(), Route: c.intent.Name()})
	return true
}

// toIdle ends a resolving navigation without establishing a channel.
func (c *Controller) toIdle(seq uint64, in route.Intent, err error, decorate func(*Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq || c.phase != Resolving || c.closed {
		return
	}
	c.phase = Idle
	c.lastErr = err
	c.intent = in
	t := Transition{Seq: seq, From: Resolving, To: Idle, Path: in.Path(), Route: in.Name(), Err: errs.Classify(err), Cause: err}
	if decorate != nil {
		decorate(&t)
	}
	c.emitLocked(t)
}

// teardownLocked cancels the current navigation's work and releases its
// channel. Streams close in the background.
func (c *Controller) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.channel != nil {
		c.closeAsync(c.channel)
		c.channel = nil
	}
	c.room = nil
}

func (c *Controller) closeAsync(ch broker.Channel) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := ch.Close(); err != nil {
			c.logger.Warn("Failed to close channel", slog.Any("error", err))
		}
	}()
}

func (c *Controller) emitLocked(t Transition) {
	c.notify.push(func(o Observer) { o.Transition(t) })
}
