package admin

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/core"
	"github.com/maxpert/txcore/pgerr"
)

// Server is the HTTP listener for /metrics, pprof and /admin.
type Server struct {
	http     *http.Server
	listener net.Listener
}

// NewServer builds a server bound to addr serving state.
func NewServer(addr string, state *core.SharedState, nodeID uint64, secret string) *Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(state, nodeID), secret)
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins listening in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return pgerr.Wrapf(err, "failed to listen on %s", s.http.Addr)
	}
	s.listener = lis

	go func() {
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server stopped")
		}
	}()
	log.Info().Str("address", lis.Addr().String()).Msg("Admin server started")
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.http.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to five seconds for open requests.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown")
	}
}
