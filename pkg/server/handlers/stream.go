package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/memloom/memloom"
	"github.com/memloom/memloom/pkg/events"
	"github.com/memloom/memloom/pkg/types"
)

const (
	streamBuffer     = 64
	streamWriteLimit = 10 * time.Second
)

// StreamHandler pushes graph mutation events over a websocket.
type StreamHandler struct {
	svc      memloom.Subscriber
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler builds the stream handler.
func NewStreamHandler(svc memloom.Subscriber, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			// The service fronts a single trusted agent, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Stream handles GET /api/v1/stream. Events the socket cannot keep up
// with are dropped; the client owns resync via snapshot.
func (h *StreamHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan types.GraphEvent, streamBuffer)
	name := "ws_" + uuid.NewString()[:8]
	h.svc.Subscribe(name, events.GraphHandler(func(ctx context.Context, ev types.GraphEvent) error {
		select {
		case ch <- ev:
		default:
		}
		return nil
	}))
	defer h.svc.Unsubscribe(name)

	// Reader goroutine: the peer closing the socket ends the stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(streamWriteLimit))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
