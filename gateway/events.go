package gateway

import (
	"io"
	"net/http"

	"github.com/example/tableside/pkg/hub"
	"github.com/gin-gonic/gin"
)

// streamEvents relays a topic as server-sent events. Headers are flushed as
// soon as the subscription exists; clients fetch current state after that.
func (g *Gateway) streamEvents(c *gin.Context) {
	topic := c.DefaultQuery("topic", hub.TopicKitchen)
	events, err := g.api.Watch(c.Request.Context(), topic)
	if err != nil {
		g.writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(string(ev.Type), ev)
		return true
	})
}

func (g *Gateway) board(name string, view func() BoardView) gin.HandlerFunc {
	return func(c *gin.Context) {
		b := view()
		if b == nil {
			c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{
				Error: "The " + name + " board is not running here.",
				Code:  "board_unavailable",
			})
			return
		}
		snapshot, err := b.Snapshot(c.Request.Context())
		if err != nil {
			g.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"board":  name,
			"orders": snapshot,
			"total":  len(snapshot),
		})
	}
}
