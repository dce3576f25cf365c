// ABOUTME: HTTP surface of the booking service: chat endpoint, snapshots, health
// ABOUTME: Routes are mounted with chi; the WebSocket feed lives in ws.go

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/infinitum-ia/taxi322/internal/capability"
	"github.com/infinitum-ia/taxi322/internal/checkpoint"
	"github.com/infinitum-ia/taxi322/internal/pipeline"
	"github.com/infinitum-ia/taxi322/internal/router"
)

// ChatRequest is the JSON body for POST /api/chat.
type ChatRequest struct {
	ConversationText string `json:"conversation_text"`
	ConversationID   string `json:"conversation_id,omitempty"`
	CustomerID       string `json:"customer_id,omitempty"`
}

// HealthResponse is the JSON response for GET /api/health.
type HealthResponse struct {
	Status            string `json:"status"`
	ActiveConnections int64  `json:"active_connections"`
}

// Server exposes the pipeline over HTTP and WebSocket.
type Server struct {
	pipeline *pipeline.Pipeline
	store    checkpoint.Store
	logger   *slog.Logger

	activeWS atomic.Int64
}

// NewServer creates the gateway server.
func NewServer(p *pipeline.Pipeline, store checkpoint.Store) *Server {
	return &Server{
		pipeline: p,
		store:    store,
		logger:   slog.Default().With("component", "gateway"),
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/api/chat", s.handleChat)
	r.Get("/api/conversations/{id}", s.handleConversation)
	r.Get("/api/health", s.handleHealth)
	r.Get("/ws/chat", s.handleWebSocket)

	return r
}

// handleChat runs one turn and answers with the committed reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ConversationText) == "" {
		s.sendJSONError(w, http.StatusBadRequest, "conversation_text is required")
		return
	}

	reply, err := s.pipeline.Process(r.Context(), router.TurnRequest{
		ConversationID: req.ConversationID,
		CustomerID:     req.CustomerID,
		Text:           req.ConversationText,
	})
	if err != nil {
		s.sendTurnError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

// handleConversation returns the persisted state snapshot for support handoff.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := s.store.Load(r.Context(), id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load conversation", "conversation", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{
		Status:            "ok",
		ActiveConnections: s.activeWS.Load(),
	})
}

// sendTurnError maps turn failures onto HTTP statuses. The conversation kept
// its previous state in every case.
func (s *Server) sendTurnError(w http.ResponseWriter, err error) {
	var cerr *capability.Error
	if errors.As(err, &cerr) {
		if cerr.Code == capability.CodeTimeout {
			s.sendJSONError(w, http.StatusGatewayTimeout, cerr.Message)
			return
		}
		s.sendJSONError(w, http.StatusBadGateway, cerr.Message)
		return
	}
	var terr *router.TransitionError
	if errors.As(err, &terr) {
		s.sendJSONError(w, http.StatusBadGateway, terr.Error())
		return
	}
	s.logger.Error("turn failed", "error", err)
	s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
