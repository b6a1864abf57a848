// Package server runs the HTTP API and shuts the pipeline down in order:
// stop accepting requests, drain in-flight executions, close the database.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/execution"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default HTTP server configuration. WriteTimeout is
// long because synchronous executions hold the response until the tool exits.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8787",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// Server wraps the HTTP server, the execution provider and the database.
type Server struct {
	config  Config
	db      *sql.DB
	drainer execution.Drainer
	http    *http.Server
	logger  zerolog.Logger
}

// NewServer serves handler. drainer and db may be nil.
func NewServer(handler http.Handler, config Config, drainer execution.Drainer, db *sql.DB, logger zerolog.Logger) *Server {
	return &Server{
		config:  config,
		db:      db,
		drainer: drainer,
		logger:  logger,
		http: &http.Server{
			Addr:         config.Addr,
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

// Run serves until ctx is done, then shuts down within grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln, grace)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, drains the execution provider and closes
// the database, returning the first error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server")

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}
	if s.drainer != nil {
		active := s.drainer.ActiveSessions()
		if err := s.drainer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("provider shutdown error: %w", err))
		}
		s.logger.Info().Int("drained_sessions", active).Msg("execution provider stopped")
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	s.logger.Info().Msg("server shutdown complete")
	return nil
}
