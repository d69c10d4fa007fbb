package api

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"jarvis/internal/logging"
)

const eventWriteTimeout = 5 * time.Second

// streamEvents pushes every bus event to the page as one JSON text frame.
// The page only listens; anything it sends is discarded.
func (h *Handler) streamEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		logging.AppLogger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ch, cancel := h.events.Subscribe(32)
	defer cancel()

	// the read side ends only when the page goes away; server shutdown
	// arrives through the request context
	ctx := conn.CloseRead(context.WithoutCancel(c.Request.Context()))
	shutdown := c.Request.Context().Done()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-shutdown:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case e := <-ch:
			writeCtx, cancelWrite := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, e)
			cancelWrite()
			if err != nil {
				logging.AppLogger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
