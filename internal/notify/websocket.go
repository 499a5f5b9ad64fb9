package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const writeControlWait = 5 * time.Second

// ServeWS upgrades the request to a WebSocket and pumps hub events to it.
// Client frames and pongs count as liveness pings; the hub's eviction loop
// closes connections that go quiet.
func ServeWS(c *gin.Context, hub *Hub, tenantID string) {
	ws, errUpgrade := upgrader.Upgrade(c.Writer, c.Request, nil)
	if errUpgrade != nil {
		log.WithError(errUpgrade).Warn("notify: websocket upgrade failed")
		return
	}
	defer func() { _ = ws.Close() }()

	conn := hub.Subscribe(tenantID)
	defer hub.Unsubscribe(conn.ID)

	ws.SetPongHandler(func(string) error {
		hub.Touch(conn.ID)
		return nil
	})

	// Reader drains client frames for liveness; its error ends the writer
	// loop below through the closed socket.
	go func() {
		for {
			if _, _, errRead := ws.ReadMessage(); errRead != nil {
				return
			}
			hub.Touch(conn.ID)
		}
	}()

	ticker := time.NewTicker(hub.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if errPing := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeControlWait)); errPing != nil {
				return
			}
		case event, ok := <-conn.Events():
			if !ok {
				// Evicted or shut down by the hub.
				_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle"), time.Now().Add(writeControlWait))
				return
			}
			if errWrite := ws.WriteJSON(event); errWrite != nil {
				return
			}
		}
	}
}
