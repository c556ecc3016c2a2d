package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

type DialOptions struct {
	Header  http.Header
	Timeout time.Duration
	// Origin is sent as the Origin header, so the backend sees its own
	// origin when the target changes origin.
	Origin string
	// Insecure skips TLS verification. Development only.
	Insecure     bool
	Subprotocols []string
}

// Dial opens a websocket to u. The response is returned even on failure so
// callers can classify handshake rejections by status code.
func Dial(ctx context.Context, u *url.URL, opts DialOptions) (*websocket.Conn, *http.Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	header := opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}
	dialOpts := &websocket.DialOptions{HTTPHeader: header, Subprotocols: opts.Subprotocols}
	if opts.Insecure {
		dialOpts.HTTPClient = &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // development only
		}}
	}
	return websocket.Dial(ctx, u.String(), dialOpts)
}

// Accept upgrades an incoming request. insecure disables the origin check.
// subprotocols lists the protocols the server agrees to, in preference order.
func Accept(w http.ResponseWriter, r *http.Request, insecure bool, subprotocols ...string) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: insecure,
		Subprotocols:       subprotocols,
	})
}

// Subprotocols returns the protocols a client offered during the handshake.
func Subprotocols(r *http.Request) []string {
	var out []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Origin returns the scheme://host origin of u.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
