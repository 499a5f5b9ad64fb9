package notify

import (
	"github.com/gin-gonic/gin"
)

// ServeSSE streams hub events to the client as server-sent events. SSE is
// one-way, so successful delivery doubles as the liveness signal.
func ServeSSE(c *gin.Context, hub *Hub, tenantID string) {
	conn := hub.Subscribe(tenantID)
	defer hub.Unsubscribe(conn.ID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-conn.Events():
			if !ok {
				return
			}
			hub.Touch(conn.ID)
			c.SSEvent(event.Type, event)
			c.Writer.Flush()
		}
	}
}
