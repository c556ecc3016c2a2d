package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/a-essam23/roomgate/pkg/errs"
	"github.com/a-essam23/roomgate/pkg/route"
)

// Mode is how a participant enters a room.
type Mode string

const (
	ModeAuthenticated Mode = "authenticated"
	ModeGuest         Mode = "guest"
	ModeAnonymous     Mode = "anonymous"
)

// Outcome is the resolver decision.
type Outcome int

const (
	// Proceed means the intent may be established as is.
	Proceed Outcome = iota
	// Redirect means login is required; Replay holds the original intent.
	Redirect
	// Downgrade means the guest variant must be entered instead.
	Downgrade
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case Redirect:
		return "redirect"
	case Downgrade:
		return "downgrade"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Resolution is the result of resolving one intent.
type Resolution struct {
	Outcome Outcome

	// Intent is what to establish (Proceed), the guest variant (Downgrade)
	// or the login route (Redirect).
	Intent route.Intent
	// Replay is the original intent of a Redirect.
	Replay route.Intent

	Mode   Mode
	UserID string
	Token  string

	// Err is ErrAuthRequired for a Redirect.
	Err error
}

// Resolver applies the session policy to intents.
type Resolver struct {
	table      *route.Table
	store      *Store
	checker    TokenChecker
	loginRoute string
	logger     *slog.Logger
}

// NewResolver builds a resolver. loginRoute names the route used for
// login redirects; checker may be nil.
func NewResolver(logger *slog.Logger, table *route.Table, store *Store, checker TokenChecker, loginRoute string) *Resolver {
	return &Resolver{
		table:      table,
		store:      store,
		checker:    checker,
		loginRoute: loginRoute,
		logger:     logger.With(slog.String("component", "session_resolver")),
	}
}

// Resolve decides how the intent proceeds given the current session. It
// never performs transport work other than the token check.
func (r *Resolver) Resolve(ctx context.Context, in route.Intent) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, errs.New("session", "Resolve", errs.ErrCancelled, err)
	}
	rt := in.Route()
	if rt == nil || rt.NotFound {
		return Resolution{}, errs.New("session", "Resolve", errs.ErrRouteNotFound, nil).
			WithContext("path", in.Path())
	}
	return r.resolve(ctx, in, r.store.Snapshot(), true)
}

func (r *Resolver) resolve(ctx context.Context, in route.Intent, st State, mayRetry bool) (Resolution, error) {
	rt := in.Route()
	switch rt.Auth {
	case route.AuthNone:
		return Resolution{Outcome: Proceed, Intent: in, Mode: ModeGuest}, nil

	case route.AuthAny:
		if st.Authenticated {
			return Resolution{Outcome: Proceed, Intent: in, Mode: ModeAuthenticated, UserID: st.UserID, Token: st.Token}, nil
		}
		return Resolution{Outcome: Proceed, Intent: in, Mode: ModeAnonymous}, nil
	}

	if !st.Authenticated {
		return r.unauthenticated(in)
	}

	if r.checker != nil {
		err := r.checker.Check(ctx, st.Token)
		switch {
		case err == nil:
		case errors.Is(err, errs.ErrStaleToken) && mayRetry:
			r.logger.Info("Session token rejected, re-resolving without session",
				slog.String("route", rt.Name),
				slog.String("userID", st.UserID),
			)
			if _, ierr := r.store.Invalidate(st.Token); ierr != nil {
				r.logger.Error("Failed to invalidate stale session", slog.Any("error", ierr))
			}
			return r.resolve(ctx, in, State{}, false)
		case ctx.Err() != nil:
			return Resolution{}, errs.New("session", "Resolve", errs.ErrCancelled, ctx.Err())
		default:
			// the transport will surface a real outage when it connects
			r.logger.Warn("Session check failed, proceeding with current session",
				slog.String("route", rt.Name),
				slog.Any("error", err),
			)
		}
	}
	return Resolution{Outcome: Proceed, Intent: in, Mode: ModeAuthenticated, UserID: st.UserID, Token: st.Token}, nil
}

func (r *Resolver) unauthenticated(in route.Intent) (Resolution, error) {
	rt := in.Route()
	if rt.Guest != "" {
		guest, err := r.table.Build(rt.Guest, in.Params(), in.Query())
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to build guest variant of %q: %w", rt.Name, err)
		}
		r.logger.Debug("Downgrading to guest variant", slog.String("route", rt.Name), slog.String("guest", rt.Guest))
		return Resolution{Outcome: Downgrade, Intent: guest, Replay: in, Mode: ModeGuest}, nil
	}

	res := Resolution{
		Outcome: Redirect,
		Replay:  in,
		Mode:    ModeAnonymous,
		Err: errs.New("session", "Resolve", errs.ErrAuthRequired, nil).
			WithContext("route", rt.Name),
	}
	if r.loginRoute != "" {
		login, err := r.table.Build(r.loginRoute, nil, "redirect="+url.QueryEscape(in.URL()))
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to build login redirect: %w", err)
		}
		res.Intent = login
	}
	return res, nil
}
