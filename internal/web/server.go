package web

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/config"
	"github.com/towns-protocol/towns-sub009/internal/logger"
)

// Server is the notification service's HTTP API server.
type Server struct {
	cfg     config.WebConfig
	handler *Handler
	httpSrv *http.Server
	log     *zap.Logger
}

// NewServer wires the routes and middleware chain for the API.
func NewServer(cfg config.WebConfig, handler *Handler) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		log:     logger.New("web-server"),
	}

	common := []Middleware{
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.log),
		RateLimitMiddleware(cfg.RateLimit),
	}
	authed := append(append([]Middleware{}, common...), AuthMiddleware(cfg.JWTSecret, s.log))

	mux := http.NewServeMux()
	mux.Handle("GET /health", Chain(http.HandlerFunc(handler.HandleHealth), common...))

	api := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, Chain(fn, authed...))
	}
	api("POST /notify-users", handler.HandleNotifyUsers)
	api("PUT /notification-settings", handler.HandleUpsertSettings)
	api("DELETE /notification-settings", handler.HandleDeleteSettings)
	api("PATCH /notification-settings/channel", handler.HandleChannelMute)
	api("PATCH /notification-settings/space", handler.HandleSpaceMute)
	api("POST /add-subscription", handler.HandleAddSubscription)
	api("POST /remove-subscription", handler.HandleRemoveSubscription)
	api("POST /tag", handler.HandleAddTags)

	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves the API until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http api listening", zap.String("addr", s.cfg.ListenAddr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http api")
	return s.httpSrv.Shutdown(ctx)
}
