// Package server is the development transport proxy: it fronts the backend
// on one origin, proxying HTTP prefixes and bridging stream prefixes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/roomgate/internal/server/middleware"
	"github.com/a-essam23/roomgate/pkg/config"
	"github.com/a-essam23/roomgate/pkg/state"
	"github.com/a-essam23/roomgate/pkg/state/statemanager"
	"github.com/a-essam23/roomgate/pkg/transport"
)

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	targets      *transport.Targets
	wg           sync.WaitGroup
	http         *http.Server
	handler      http.Handler
	config       *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootContx context.Context, cfg *config.Config) (*App, error) {
	logger = logger.With(slog.String("component", "dev_proxy"))
	targets, err := cfg.Targets()
	if err != nil {
		return nil, err
	}
	stateManager := statemanager.NewInMemoryManager(logger)

	app := &App{
		logger:       logger,
		stateManager: stateManager,
		targets:      targets,
		config:       cfg,
		ctx:          rootContx,
	}

	connCounter := middleware.UserConnectionCounter(stateManager.GetUserConnectionCount)
	// Create a cycler function that closes over the stateManager and logger.
	connCycler := func(userID string) {
		oldest, found := stateManager.FindOldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest", "userID", userID, "connID", oldest.ID)
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	common := []middleware.Middleware{
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
	}
	mux := http.NewServeMux()
	for _, target := range targets.All() {
		var h http.Handler
		switch target.Kind {
		case transport.KindStream:
			h = middleware.Chain(app.bridge(target), append(common,
				middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret, cfg.Server.Auth.CookieName),
				middleware.NewConnectionLimiter(logger, connCounter, connCycler, cfg.Server.ConnectionLimit),
			)...)
		default:
			h = middleware.Chain(app.reverseProxy(target), common...)
		}
		mux.Handle(target.Prefix, h)
		if target.Prefix != "/" {
			mux.Handle(target.Prefix+"/", h)
		}
		logger.Debug("Proxying prefix",
			slog.String("prefix", target.Prefix),
			slog.String("kind", string(target.Kind)),
			slog.Bool("changeOrigin", target.ChangeOrigin),
		)
	}
	app.handler = mux

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

// Handler returns the proxy's root handler.
func (a *App) Handler() http.Handler { return a.handler }

// State exposes the registry of bridged connections.
func (a *App) State() state.Manager { return a.stateManager }

func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr), slog.String("backend", a.targets.Base().String()))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			errCh <- err
		}
	}()

	select {
	case <-a.ctx.Done():
		return a.Shutdown()
	case err := <-errCh:
		a.closeConnections()
		return err
	}
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.closeConnections()
	a.logger.Info("Server shut down gracefully.")
	return nil
}

// closeConnections closes every bridged stream and waits for the pumps.
// Hijacked connections are not tracked by http.Server.Shutdown.
func (a *App) closeConnections() {
	conns := a.stateManager.GetAllConnections()
	a.logger.Info("Closing all active connections...", slog.Int("count", len(conns)))
	for _, conn := range conns {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}
	a.wg.Wait()
}
