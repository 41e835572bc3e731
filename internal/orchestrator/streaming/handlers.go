package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hivecore/hivecore/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are left to the deployment's reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventStream returns the gin handler behind GET /ws. It upgrades the
// request, registers the socket with the hub, and starts the pumps. A
// session_id query parameter pre-subscribes the client; later
// subscriptions arrive as control frames on the socket.
func EventStream(hub *Hub, log *logger.Logger) gin.HandlerFunc {
	log = log.WithFields(zap.String("component", "ws_handler"))

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("Failed to upgrade connection", zap.Error(err))
			return
		}

		clientID := uuid.New().String()
		log.Info("WebSocket connection established",
			zap.String("client_id", clientID))

		client := NewClient(clientID, conn, hub, log)
		hub.Register(client)

		if sessionID := c.Query("session_id"); sessionID != "" {
			client.Subscribe(sessionID)
		}

		go client.WritePump()
		go client.ReadPump()
	}
}
