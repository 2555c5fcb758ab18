package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/gateway"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are already wide open through the CORS policy above.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebsocket authenticates the presented bearer token, upgrades the
// connection, and bridges it onto a gateway session. Authentication failure
// refuses the connection before any event is processed.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	session := h.gateway.Connect()
	if err := h.gateway.Authenticate(c.Request.Context(), session, bearerToken(c.Request)); err != nil {
		h.gateway.Disconnect(session)
		h.logger.Warn("websocket authentication failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.gateway.Disconnect(session)
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	go writePump(conn, session)
	h.readLoop(conn, session)
}

func (h *httpHandler) readLoop(conn *websocket.Conn, session *gateway.Session) {
	defer func() {
		h.gateway.Disconnect(session)
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope gateway.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			session.Enqueue(gateway.OutboundMessage{
				Event: gateway.EventError,
				Data:  map[string]string{"message": "malformed event frame"},
			})
			continue
		}

		if err := h.gateway.HandleEvent(context.Background(), session, envelope); err != nil {
			h.logger.Warn("closing connection after protocol error",
				zap.String("connection_id", session.ID()),
				zap.Error(err))
			return
		}
	}
}

func writePump(conn *websocket.Conn, session *gateway.Session) {
	for message := range session.Outbound() {
		if err := conn.WriteJSON(message); err != nil {
			break
		}
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
}

func bearerToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}
