package broker

import (
	"net/http"
	"net/url"

	"github.com/a-essam23/roomgate/pkg/transport"
)

// Channel is an established transport for one navigation.
type Channel interface {
	Kind() transport.Kind
	// Close releases the channel. It is idempotent.
	Close() error
}

// Response is the outcome of an HTTP request/response exchange. Nothing is
// retained by the broker once it is returned.
type Response struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) Kind() transport.Kind { return transport.KindHTTP }
func (r *Response) Close() error         { return nil }

// Redirect hands control to an external target. Token is the correlation
// token the callback must carry back.
type Redirect struct {
	Location string
	Purpose  string
	Token    string
}

func (r *Redirect) Kind() transport.Kind { return transport.KindRedirect }
func (r *Redirect) Close() error         { return nil }

// Callback is an accepted re-entry from an external redirect.
type Callback struct {
	Route   string
	Purpose string
	Values  url.Values
	// Replayed is set when a landing callback was revisited with the token
	// it already consumed. No side effect should follow.
	Replayed bool
}

func (c *Callback) Kind() transport.Kind { return transport.KindRedirect }
func (c *Callback) Close() error         { return nil }

// None is returned for intents that need no transport.
type None struct{}

func (None) Kind() transport.Kind { return transport.KindNone }
func (None) Close() error         { return nil }
