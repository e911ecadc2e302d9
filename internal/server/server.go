// Package server owns the HTTP listener lifecycle and URL dispatch for the
// gateway API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/querygate/internal/config"
)

const shutdownGrace = 5 * time.Second

// Server runs one HTTP listener and drains it on context cancellation.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	once       sync.Once
}

// New binds the handler to the configured listener address.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: nil handler")
	}
	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	return &Server{
		logger: logger.With(slog.String("component", "server")),
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

// Run serves until the context is cancelled, then drains in-flight requests
// before returning. After a clean drain the context error is returned, so
// callers can tell an ordered stop from a listener failure.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", slog.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.shutdown(drainCtx); err != nil {
			return err
		}
		return gctx.Err()
	})
	return g.Wait()
}

// shutdown collapses the listener once so cascading cancellations do not
// race duplicate drains.
func (s *Server) shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.logger.Info("http server draining")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}
