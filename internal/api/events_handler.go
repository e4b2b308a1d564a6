package api

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/prochub/prochub/internal/events/bus"
	"github.com/prochub/prochub/internal/supervisor"
)

// StreamEvents forwards service state-change events as server-sent events.
// GET /api/v1/events
func (h *Handler) StreamEvents(c *gin.Context) {
	// Buffered so a slow client cannot stall the bus dispatch.
	events := make(chan *bus.Event, 64)
	sub, err := h.sup.Bus().Subscribe(supervisor.SubjectStateChanged, func(ctx context.Context, evt *bus.Event) error {
		select {
		case events <- evt:
		default:
		}
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt := <-events:
			c.SSEvent(evt.Type, evt)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
