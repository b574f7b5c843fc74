package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Inbound transport events from the presentation layer.
const (
	wsEventJoin   = "join-session"
	wsEventLeave  = "leave-session"
	wsEventUpdate = "update-session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the CORS layer in front of us.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	UserName  string          `json:"userName,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type outboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// handleSessionSocket speaks the session protocol: the first message must
// be join-session; afterwards the connection carries update-session and
// leave-session inbound, and roster/member/update broadcasts outbound.
func (h *httpHandler) handleSessionSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var join inboundMessage
	if err := conn.ReadJSON(&join); err != nil || join.Type != wsEventJoin {
		_ = conn.WriteJSON(outboundMessage{Type: "error", Data: json.RawMessage(`"join_required"`)})
		return
	}
	member := session.Member{ID: join.UserID, Name: join.UserName}
	sessionID := join.SessionID

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	result, err := h.sessions.Join(ctx, sessionID, member)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage{Type: "error", Data: json.RawMessage(`"join_failed"`)})
		return
	}
	defer result.Cancel()
	defer func() {
		if err := h.sessions.Leave(context.Background(), sessionID, member); err != nil {
			h.logger.Warn("session leave failed", zap.Error(err))
		}
	}()

	if err := h.writeJoinState(conn, result); err != nil {
		return
	}

	// The broadcast channel is drained by a dedicated writer; gorilla
	// connections allow one concurrent writer only, and after this point
	// the read loop never writes.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-result.Events:
				if event.Type == "" {
					continue
				}
				if err := conn.WriteJSON(outboundMessage{Type: event.Type, Data: event.Data}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var message inboundMessage
		if err := conn.ReadJSON(&message); err != nil {
			return
		}
		switch message.Type {
		case wsEventUpdate:
			var payload map[string]any
			if err := json.Unmarshal(message.Payload, &payload); err != nil || payload == nil {
				h.logger.Warn("discarding malformed session payload",
					zap.String("session_id", sessionID))
				continue
			}
			if err := h.sessions.PublishUpdate(ctx, sessionID, payload, member.ID); err != nil {
				h.logger.Error("session update failed", zap.Error(err))
			}
		case wsEventLeave:
			return
		default:
			h.logger.Warn("unknown session event", zap.String("type", message.Type))
		}
	}
}

func (h *httpHandler) writeJoinState(conn *websocket.Conn, result session.JoinResult) error {
	roster, err := json.Marshal(result.Roster)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(outboundMessage{Type: session.EventMemberRoster, Data: roster}); err != nil {
		return err
	}
	if result.Payload != nil {
		payload, err := json.Marshal(result.Payload)
		if err != nil {
			return err
		}
		if err := conn.WriteJSON(outboundMessage{Type: session.EventSessionUpdate, Data: payload}); err != nil {
			return err
		}
	}
	return nil
}
