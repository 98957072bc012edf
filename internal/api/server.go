package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dturbay/secmgr/internal/logger"
	"github.com/dturbay/secmgr/pkg/config"
	"github.com/dturbay/secmgr/pkg/session"
)

// Server provides the HTTP control API for the session manager.
//
// The server supports graceful shutdown with configurable timeout.
type Server struct {
	server       *http.Server
	addr         string
	shutdownOnce sync.Once
}

// NewServer creates a new API HTTP server.
//
// The server is created in a stopped state. Call Start() to begin serving
// requests.
func NewServer(cfg config.APIConfig, manager *session.Manager) *Server {
	router := NewRouter(manager, cfg.RequestTimeout)

	return &Server{
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: cfg.RequestTimeout + 5*time.Second,
			IdleTimeout:  60 * time.Second,
		},
		addr: cfg.ListenAddr,
	}
}

// Start starts the API HTTP server and blocks until the context is
// cancelled or an error occurs. Cancellation triggers graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
				// Context was cancelled, error is not needed
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// Don't use the cancelled ctx for shutdown, it would abort immediately
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown of the API server.
//
// Safe to call multiple times and concurrently with Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", logger.KeyError, err)
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}
