// Package broker establishes the transport channel a resolved navigation
// needs: an HTTP exchange, a chat stream or an external redirect.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/roomgate/internal/router"
	"github.com/a-essam23/roomgate/pkg/errs"
	"github.com/a-essam23/roomgate/pkg/route"
	"github.com/a-essam23/roomgate/pkg/session"
	"github.com/a-essam23/roomgate/pkg/state"
	"github.com/a-essam23/roomgate/pkg/transport"
)

const maxResponseBody = 1 << 20

// Request is one resolved navigation handed to the broker.
type Request struct {
	Intent route.Intent
	Mode   session.Mode
	UserID string
	Token  string
	// Seq is the navigation sequence number, for logs and drop reports.
	Seq uint64
}

// DropHandler is told when a stream could not be re-established after it
// dropped. err matches errs.ErrChannelDropped.
type DropHandler func(roomID string, seq uint64, err error)

type Options struct {
	Targets    *transport.Targets
	State      state.Manager
	Events     *router.EventRouter
	Correlator *Correlator

	// Origin is the public origin (host[:port]) forwarded as Host when a
	// target keeps the caller's origin.
	Origin string

	Retry          RetryPolicy
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	ReadTimeout    time.Duration

	OnDrop DropHandler
}

// Broker maps intents to channels. It holds no navigation state of its
// own: HTTP exchanges are stateless and streams are tracked by room id
// only so a newer stream for the same room can replace the older one.
type Broker struct {
	opts           Options
	client         *http.Client
	insecureClient *http.Client

	mu        sync.Mutex
	streams   map[string]*Stream
	roomLocks map[string]*sync.Mutex

	wg     sync.WaitGroup
	logger *slog.Logger
}

func New(logger *slog.Logger, opts Options) *Broker {
	if opts.Events == nil {
		opts.Events = router.NewEventRouter(logger)
	}
	return &Broker{
		opts:   opts,
		client: &http.Client{},
		insecureClient: &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // development only
		}},
		streams:   make(map[string]*Stream),
		roomLocks: make(map[string]*sync.Mutex),
		logger:    logger.With(slog.String("component", "transport_broker")),
	}
}

// Establish selects the transport for the request by the longest backend
// prefix of the intent's endpoint and establishes it.
func (b *Broker) Establish(ctx context.Context, req Request) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("broker", "Establish", errs.ErrCancelled, err)
	}
	rt := req.Intent.Route()
	if rt == nil || rt.NotFound {
		return nil, errs.New("broker", "Establish", errs.ErrRouteNotFound, nil).WithContext("path", req.Intent.Path())
	}

	if rt.Callback {
		values := req.Intent.Values()
		cb, err := b.opts.Correlator.Consume(values.Get(StateParam), rt.Purpose, rt.Name, rt.Landing, values)
		if err != nil {
			b.logger.Warn("Rejected callback", slog.String("route", rt.Name), slog.Any("error", err))
			return nil, err
		}
		return cb, nil
	}

	endpoint := req.Intent.Endpoint()
	if endpoint == "" {
		return None{}, nil
	}
	target, ok := b.opts.Targets.Lookup(endpoint)
	if !ok {
		return nil, errs.New("broker", "Establish", errs.ErrInvalidConfig,
			fmt.Errorf("no backend prefix serves %q", endpoint)).AsFatal()
	}

	logger := b.logger.With(
		slog.Uint64("seq", req.Seq),
		slog.String("route", rt.Name),
		slog.String("kind", string(target.Kind)),
	)
	logger.Debug("Establishing channel", slog.String("endpoint", endpoint))

	var (
		ch  Channel
		err error
	)
	switch target.Kind {
	case transport.KindHTTP:
		var resp *Response
		if resp, err = b.exchange(ctx, req, target, endpoint); err == nil {
			ch = resp
		}
	case transport.KindStream:
		var s *Stream
		if s, err = b.openStream(ctx, req, target, endpoint, logger); err == nil {
			ch = s
		}
	case transport.KindRedirect:
		var r *Redirect
		if r, err = b.redirect(req, target, endpoint); err == nil {
			ch = r
		}
	default:
		err = errs.New("broker", "Establish", errs.ErrInvalidConfig, fmt.Errorf("unsupported kind %q", target.Kind)).AsFatal()
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (b *Broker) exchange(ctx context.Context, req Request, target transport.Target, endpoint string) (*Response, error) {
	rt := req.Intent.Route()
	u := target.URL(endpoint, req.Intent.Query())
	client := b.client
	if target.Insecure {
		client = b.insecureClient
	}

	var out *Response
	err := b.retry(ctx, "Exchange", func(attempt int) error {
		reqCtx := ctx
		if b.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, b.opts.RequestTimeout)
			defer cancel()
		}
		httpReq, err := http.NewRequestWithContext(reqCtx, rt.Method, u.String(), nil)
		if err != nil {
			return errs.New("broker", "Exchange", errs.ErrInvalidConfig, err).AsFatal()
		}
		if !target.ChangeOrigin && b.opts.Origin != "" {
			httpReq.Host = b.opts.Origin
		}
		if req.Mode == session.ModeAuthenticated && req.Token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.Token)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return errs.New("broker", "Exchange", errs.ErrCancelled, err)
			}
			return errs.New("broker", "Exchange", errs.ErrUnreachable, err).WithContext("attempt", attempt)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return errs.New("broker", "Exchange", errs.ErrUnreachable, err).WithContext("attempt", attempt)
		}
		if err := classifyStatus("Exchange", resp.StatusCode, req.Token != ""); err != nil {
			return err
		}
		out = &Response{URL: u.String(), Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// classifyStatus maps a backend status code to an error kind. 5xx is
// retryable, 401/403 with a token means the session went stale and any
// other 4xx is a rejection.
func classifyStatus(op string, status int, withToken bool) error {
	switch {
	case status >= 500:
		return errs.New("broker", op, errs.ErrUnreachable, fmt.Errorf("backend answered %d", status))
	case (status == http.StatusUnauthorized || status == http.StatusForbidden) && withToken:
		return errs.New("broker", op, errs.ErrStaleToken, fmt.Errorf("backend answered %d", status))
	case status >= 400:
		return errs.New("broker", op, errs.ErrRejected, fmt.Errorf("backend answered %d", status)).
			WithContext("status", status)
	}
	return nil
}

func (b *Broker) redirect(req Request, target transport.Target, endpoint string) (*Redirect, error) {
	rt := req.Intent.Route()
	values := req.Intent.Values()
	out := &Redirect{Purpose: rt.Purpose}
	if rt.Purpose != "" {
		token, err := b.opts.Correlator.Issue(rt.Purpose)
		if err != nil {
			return nil, errs.New("broker", "Redirect", errs.ErrRejected, err).AsFatal()
		}
		values.Set(StateParam, token)
		out.Token = token
	}
	out.Location = target.URL(endpoint, values.Encode()).String()
	b.logger.Info("Redirecting out", slog.String("route", rt.Name), slog.String("purpose", rt.Purpose))
	return out, nil
}

// Stream returns the live stream for roomID, if any. With a state
// registry the stream must also be the room's registered owner, which it
// is not while reconnecting or after another connection claimed the room.
func (b *Broker) Stream(roomID string) (*Stream, bool) {
	s, ok := b.tracked(roomID)
	if !ok {
		return nil, false
	}
	if m := b.opts.State; m != nil {
		room, found := m.FindRoom(roomID)
		conn := s.current()
		if !found || room.Owner == nil || conn == nil || room.Owner.ID != conn.ID() {
			return nil, false
		}
	}
	return s, true
}

// tracked returns the stream this broker opened for roomID.
func (b *Broker) tracked(roomID string) (*Stream, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[roomID]
	return s, ok
}

// Close closes every live stream and waits for their goroutines.
func (b *Broker) Close() {
	b.mu.Lock()
	streams := make([]*Stream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	b.wg.Wait()
	b.logger.Info("Broker closed", slog.Int("streams", len(streams)))
}

func (b *Broker) roomLock(roomID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		b.roomLocks[roomID] = l
	}
	return l
}

// forget drops s from the live set unless a newer stream replaced it.
func (b *Broker) forget(s *Stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams[s.roomID] == s {
		delete(b.streams, s.roomID)
	}
}

var errSuperseded = errors.New("superseded by a newer stream for the same room")
