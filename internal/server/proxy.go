package server

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/http/httputil"

	"github.com/a-essam23/roomgate/pkg/transport"
)

// reverseProxy forwards an http or redirect prefix. With ChangeOrigin the
// backend sees its own host, otherwise the caller's.
func (a *App) reverseProxy(target transport.Target) http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target.Base)
			pr.SetXForwarded()
			if !target.ChangeOrigin {
				pr.Out.Host = pr.In.Host
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			a.logger.Warn("Backend unreachable",
				slog.String("prefix", target.Prefix),
				slog.String("uri", r.RequestURI),
				slog.Any("error", err),
			)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
	if target.Insecure {
		rp.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // development only
		}
	}
	return rp
}
