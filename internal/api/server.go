package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	pkgconfig "github.com/lewisedginton/telefeed/pkg/config"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// Server runs the admin API listener.
type Server struct {
	log    logger.Logger
	server *http.Server
}

// NewServer wraps handler in an http.Server configured from cfg.
func NewServer(cfg pkgconfig.HTTPServerConfig, handler http.Handler, log logger.Logger) *Server {
	return &Server{
		log: log,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

// Listen starts serving in the background. The returned channel receives a
// listener failure and is closed once the server stops.
func (s *Server) Listen() <-chan error {
	errChan := make(chan error, 1)

	go func() {
		defer close(errChan)
		s.log.Info("Starting admin API server", logger.StringField("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("admin API server: %w", err)
		}
	}()

	return errChan
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Gracefully closing admin API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin API shutdown: %w", err)
	}
	return nil
}
