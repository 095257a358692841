package ws

import (
	"net/http"
	"strings"

	"cashflow/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// HandleWS upgrades GET /ws/merchants/:merchantId/consolidations into a
// subscription. Authentication, when enabled, runs as middleware before it.
func HandleWS(hub *Hub, allowedOrigin string) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == allowedOrigin
		},
	}

	return func(c *gin.Context) {
		merchantID := strings.TrimSpace(c.Param("merchantId"))
		if merchantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "merchantId is required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("ws upgrade error", "error", err)
			return
		}

		client := NewClient(merchantID, conn, hub)
		go client.Run()
	}
}
