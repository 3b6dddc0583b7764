// Package api serves a read-only HTTP view of recorded sweeps.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/ethpandaops/sweepoor/pkg/ledger"
	"github.com/ethpandaops/sweepoor/pkg/storage"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	ledger     ledger.Store
	store      storage.Store
	httpServer *http.Server
	limiters   []*budget
	wg         sync.WaitGroup
}

// NewServer creates the API server. store may be nil, in which case report
// artifacts are not served.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	ldg ledger.Store,
	store storage.Store,
) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		ledger: ldg,
		store:  store,
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	for _, l := range s.limiters {
		l.stop()
	}

	s.log.Info("API server stopped")

	return nil
}
