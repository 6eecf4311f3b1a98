// Package server exposes the agent over HTTP: a small JSON API plus an SSE
// endpoint that streams assist events to the client as they happen.
package server

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DefaultAPIKey guards /assist when no key is configured. The value is part
// of the deployment contract with existing clients, hence the reminder to
// change it.
const DefaultAPIKey = "rival_agent_default_key_change_me"

// DefaultPort is the listen port when none is configured.
const DefaultPort = 8000

// Options configures the HTTP server.
type Options struct {
	Port   int
	APIKey string
}

// Server provides the HTTP endpoints.
type Server struct {
	log    zerolog.Logger
	agent  Assistant
	apiKey string
	server *http.Server
}

// New creates a new Server instance.
func New(agent Assistant, opts Options, log zerolog.Logger) *Server {
	s := &Server{
		log:   log.With().Str("component", "server").Logger(),
		agent: agent,
	}

	s.apiKey = opts.APIKey
	if s.apiKey == "" {
		s.apiKey = DefaultAPIKey
		s.log.Warn().Msg("using default API key, set RIVAL_API_KEY to change it")
	}

	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.setupRoutes(),
	}

	return s
}

// Start starts the HTTP server and returns once the listen address is known
// to be bindable.
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("server is nil")
	}

	startupChan := make(chan error, 1)

	go func() {
		// Probe the port before committing, so misconfiguration surfaces
		// as a startup error instead of a background log line.
		ln, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			startupChan <- fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
			return
		}
		ln.Close()

		startupChan <- nil

		err = s.server.ListenAndServe()
		switch err {
		case nil:
			s.log.Info().Msg("server stopped normally")
		case http.ErrServerClosed:
			s.log.Info().Msg("server closed gracefully")
		default:
			s.log.Error().Err(err).Msg("server error")
		}
	}()

	select {
	case err := <-startupChan:
		if err != nil {
			return err
		}
		s.log.Info().Str("addr", s.server.Addr).Msg("server listening")
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server startup timeout")
	}
}

// Stop shuts down the HTTP server. Close rather than Shutdown: open SSE
// streams never drain on their own, so a graceful drain would hang.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
