package ws

import (
	"time"

	"cashflow/internal/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 25 * time.Second
	sendBuffer = 64
)

// Client is one subscriber connection. The stream is server to client only;
// inbound frames other than control frames are discarded.
type Client struct {
	MerchantID string
	Conn       *websocket.Conn
	Send       chan []byte
	Hub        *Hub
	Done       chan struct{}
}

func NewClient(merchantID string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		MerchantID: merchantID,
		Conn:       conn,
		Send:       make(chan []byte, sendBuffer),
		Hub:        hub,
		Done:       make(chan struct{}),
	}
}

// Run registers the client and blocks until the peer disconnects
func (c *Client) Run() {
	// queued before Register so no broadcast can close Send first
	if ready, err := encode(MsgReady, ReadyPayload{MerchantID: c.MerchantID}); err == nil {
		c.Send <- ready
	}
	c.Hub.Register(c)
	go c.writePump()

	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		_ = c.Conn.Close()
		close(c.Done)
	}()

	c.Conn.SetReadLimit(512)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", "merchant_id", c.MerchantID, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Warn("websocket write error", "merchant_id", c.MerchantID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
