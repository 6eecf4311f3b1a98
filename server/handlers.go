package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// withAuth requires a Bearer token matching the configured API key. The
// comparison is constant time so the key cannot be guessed byte by byte.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid API key"})
			return
		}
		next(w, r)
	}
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Rival Agent API",
		"status":  "running",
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Status())
}

// handleAssist handles POST /assist: it runs the agent on the submitted
// prompt and streams the resulting events back as SSE frames.
func (s *Server) handleAssist(w http.ResponseWriter, r *http.Request) {
	var req AssistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Query.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "query.prompt is required"})
		return
	}

	requestID := req.Query.ID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := s.log.With().Str("request_id", requestID).Logger()

	em, err := newSSEEmitter(w)
	if err != nil {
		log.Error().Err(err).Msg("streaming unsupported by connection")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})
		return
	}

	log.Info().Int("prompt_len", len(req.Query.Prompt)).Msg("assist request")
	if err := s.agent.Assist(r.Context(), req.Query.Prompt, em); err != nil {
		// The stream is already broken; all that is left is the log line.
		log.Warn().Err(err).Msg("assist stream aborted")
	}
}
