// ABOUTME: WebSocket chat endpoint streaming turn events frame by frame
// ABOUTME: Protocol errors answer with a turn_error frame; the socket stays open

package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/infinitum-ia/taxi322/internal/pipeline"
	"github.com/infinitum-ia/taxi322/internal/router"
)

// wsFrame is one client-to-server message.
type wsFrame struct {
	Kind           string `json:"kind"`
	Text           string `json:"text,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway sits behind channel adapters, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket serves GET /ws/chat. Each user_input frame runs one turn
// and streams its events back. Turns on one socket run sequentially, which
// matches the per-conversation serialization the router enforces anyway.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.activeWS.Add(1)
	defer s.activeWS.Add(-1)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.writeEvent(conn, pipeline.NewTurnError("BAD_FRAME", "invalid JSON frame"))
			continue
		}

		switch frame.Kind {
		case "ping":
			if !s.writeJSON(conn, map[string]string{"type": "pong"}) {
				return
			}
		case "user_input":
			if strings.TrimSpace(frame.Text) == "" {
				s.writeEvent(conn, pipeline.NewTurnError("BAD_FRAME", "text is required"))
				continue
			}
			s.streamTurn(conn, r, frame)
		default:
			s.writeEvent(conn, pipeline.NewTurnError("BAD_FRAME", "unknown kind "+frame.Kind))
		}
	}
}

// streamTurn forwards every event of one turn to the socket. A write failure
// stops delivery only; the turn finishes and persists regardless.
func (s *Server) streamTurn(conn *websocket.Conn, r *http.Request, frame wsFrame) {
	events := s.pipeline.Stream(r.Context(), router.TurnRequest{
		ConversationID: frame.ConversationID,
		CustomerID:     frame.CustomerID,
		Text:           frame.Text,
	})

	delivering := true
	for e := range events {
		if !delivering {
			continue
		}
		if !s.writeEvent(conn, e) {
			delivering = false
		}
	}
}

// writeJSON reports whether the write reached the socket. A failed write
// means a dead peer, so callers stop the session.
func (s *Server) writeJSON(conn *websocket.Conn, v any) bool {
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Warn("websocket write failed", "error", err)
		return false
	}
	return true
}

func (s *Server) writeEvent(conn *websocket.Conn, e pipeline.Event) bool {
	data, err := pipeline.Marshal(e)
	if err != nil {
		s.logger.Error("failed to marshal event", "kind", e.Kind(), "error", err)
		return true
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("websocket write failed", "error", err)
		return false
	}
	return true
}
