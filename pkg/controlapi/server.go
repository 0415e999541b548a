// Package controlapi exposes the HTTP surface of the ingestion service:
// broker connection control, tag registry CRUD, read statistics, the live
// WebSocket stream, and health probes.
package controlapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/rfid-ingestion/pkg/connection"
	"github.com/illmade-knight/rfid-ingestion/pkg/registry"
	"github.com/illmade-knight/rfid-ingestion/pkg/stats"
)

// CacheInvalidator evicts a tag's cached registry entry after a write. The
// cached read-through registry satisfies this; deployments without a cache
// leave it nil.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, tagID string) error
}

// Server hosts the control API over a plain net/http server.
type Server struct {
	logger      zerolog.Logger
	httpPort    string
	manager     *connection.Manager
	tags        registry.TagStore
	stats       stats.StatStore
	invalidator CacheInvalidator

	mux        *http.ServeMux
	httpServer *http.Server
	actualAddr string
	mu         sync.RWMutex
}

// NewServer wires the handlers onto a fresh mux. The stream handler serves
// the /ws endpoint; pass nil to disable live streaming.
func NewServer(
	httpPort string,
	manager *connection.Manager,
	tags registry.TagStore,
	statStore stats.StatStore,
	stream http.Handler,
	invalidator CacheInvalidator,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		logger:   logger.With().Str("component", "ControlAPI").Logger(),
		httpPort: httpPort,
		manager:  manager,
		tags:     tags,
		stats:    statStore,

		invalidator: invalidator,
		mux:         http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("POST /api/mqtt/save", s.handleSaveConfig)
	s.mux.HandleFunc("POST /api/mqtt/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/mqtt/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("GET /api/mqtt/status", s.handleStatus)

	s.mux.HandleFunc("GET /api/tags", s.handleListTags)
	s.mux.HandleFunc("POST /api/tags", s.handleUpsertTag)
	s.mux.HandleFunc("GET /api/tags/{epc}", s.handleGetTag)
	s.mux.HandleFunc("PUT /api/tags/{epc}", s.handleUpsertTag)
	s.mux.HandleFunc("DELETE /api/tags/{epc}", s.handleDeleteTag)

	s.mux.HandleFunc("GET /api/stats", s.handleListStats)
	s.mux.HandleFunc("GET /api/stats/{epc}", s.handleGetStat)

	if stream != nil {
		s.mux.Handle("GET /ws", stream)
	}

	s.httpServer = &http.Server{Addr: httpPort, Handler: s.mux}
	return s
}

// Start begins listening in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.httpPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.logger.Info().Msg("HTTP server stopped.")
	return nil
}

// Addr returns the address the server is actually listening on, which is
// useful when the configured port is ":0".
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actualAddr
}

// Mux exposes the underlying mux so embedding services can add routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
