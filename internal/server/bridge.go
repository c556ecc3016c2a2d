package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/a-essam23/roomgate/internal/server/middleware"
	"github.com/a-essam23/roomgate/pkg/session"
	"github.com/a-essam23/roomgate/pkg/transport"
	"github.com/google/uuid"
)

var errPeerClosed = errors.New("other side of the bridge closed")

// bridge accepts a browser stream and pumps it to and from a backend
// stream. The backend is dialed first so a refusal reaches the browser as
// a plain HTTP status instead of an upgraded socket closing at once.
func (a *App) bridge(target transport.Target) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
		connLogger := a.logger.With(
			slog.String("remoteAddr", reqMeta.IP),
			slog.String("userID", reqMeta.UserID),
			slog.String("path", r.URL.Path),
		)

		header := http.Header{}
		if auth := r.Header.Get("Authorization"); auth != "" {
			header.Set("Authorization", auth)
		} else if reqMeta.Token != "" {
			header.Set("Authorization", "Bearer "+reqMeta.Token)
		}
		if cookie := r.Header.Get("Cookie"); cookie != "" {
			header.Set("Cookie", cookie)
		}
		origin := r.Header.Get("Origin")
		if target.ChangeOrigin {
			origin = transport.Origin(target.Base)
		}

		upstreamURL := target.StreamURL(r.URL.EscapedPath(), r.URL.RawQuery)
		backendWS, resp, err := transport.Dial(r.Context(), upstreamURL, transport.DialOptions{
			Header:       header,
			Timeout:      a.config.Transport.DialTimeout,
			Origin:       origin,
			Insecure:     target.Insecure,
			Subprotocols: transport.Subprotocols(r),
		})
		if err != nil {
			status := http.StatusBadGateway
			if resp != nil && resp.StatusCode >= 400 {
				status = resp.StatusCode
			}
			connLogger.Warn("Backend refused stream", slog.Int("status", status), slog.Any("error", err))
			http.Error(w, http.StatusText(status), status)
			return
		}

		var offered []string
		if p := backendWS.Subprotocol(); p != "" {
			offered = append(offered, p)
		}
		clientWS, err := transport.Accept(w, r, target.Insecure, offered...)
		if err != nil {
			connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
			backendWS.CloseNow()
			return
		}

		cfg := transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout}
		upstream := transport.NewConnection(r.Context(), &a.wg, backendWS, cfg, nil, nil, connLogger)
		downstream := transport.NewConnection(r.Context(), &a.wg, clientWS, cfg, nil, nil, connLogger)

		// register the browser side; the backend side follows its lifetime.
		stateConn, err := a.stateManager.RegisterConnection(downstream, reqMeta.IP)
		if err != nil {
			connLogger.Error("Failed to register connection state", slog.Any("error", err))
			clientWS.CloseNow()
			backendWS.CloseNow()
			return
		}
		if _, err := a.stateManager.AssociateUser(stateConn.ID, reqMeta.UserID); err != nil {
			connLogger.Error("Failed to associate user with connection", slog.Any("error", err))
			a.stateManager.DeregisterConnection(stateConn.ID)
			clientWS.CloseNow()
			backendWS.CloseNow()
			return
		}

		downstream.SetOnMessageHandler(func(_ context.Context, _ uuid.UUID, msg []byte) { upstream.Send(msg) })
		upstream.SetOnMessageHandler(func(_ context.Context, _ uuid.UUID, msg []byte) { downstream.Send(msg) })
		downstream.SetOnCloseHandler(func(id uuid.UUID, err error, remote bool) {
			connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()), slog.Bool("remote", remote))
			if dErr := a.stateManager.DeregisterConnection(id); dErr != nil {
				connLogger.Error("Failed to deregister connection from state", slog.Any("error", dErr))
			}
		})

		if roomID := roomOf(target.Prefix, r.URL.Path); roomID != "" {
			mode := session.ModeAuthenticated
			if reqMeta.Guest || r.URL.Query().Get("mode") == string(session.ModeGuest) {
				mode = session.ModeGuest
			}
			// rooms are owned per participant: a newer stream from the same
			// participant replaces the older one.
			previous, err := a.stateManager.ClaimRoom(reqMeta.UserID+"/"+roomID, stateConn.ID, mode)
			if err != nil {
				connLogger.Error("Failed to claim room", slog.Any("error", err))
			} else if previous != nil {
				connLogger.Info("Replacing older stream for room", slog.String("roomID", roomID), slog.String("connID", previous.ID.String()))
				previous.Transport.Close(errors.New("superseded by a newer stream for the same room"))
			}
		}

		connLogger.Info("Stream bridged", slog.String("backend", upstreamURL.String()))
		upstream.Run()
		downstream.Run()

		// whichever side ends first takes the other with it. Close hooks run
		// inside their own side's close and must not close back into the peer.
		select {
		case <-downstream.Done():
		case <-upstream.Done():
		}
		upstream.Close(errPeerClosed)
		downstream.Close(errPeerClosed)
		<-downstream.Done()
		<-upstream.Done()
		connLogger.Info("Stream unbridged", slog.Any("reason", firstErr(downstream.Err(), upstream.Err())))
	}
}

// firstErr returns the first close reason that did not come from the bridge
// itself.
func firstErr(reasons ...error) error {
	for _, err := range reasons {
		if err != nil && !errors.Is(err, errPeerClosed) {
			return err
		}
	}
	return errPeerClosed
}

// roomOf returns the single path segment following prefix, if any.
func roomOf(prefix, path string) string {
	rest, ok := strings.CutPrefix(path, strings.TrimRight(prefix, "/")+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}
