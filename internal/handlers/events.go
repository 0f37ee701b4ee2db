package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/briancaffey/nvidia-nim-kit/internal/events"
	"github.com/gin-gonic/gin"
)

type eventBus interface {
	Publish(context.Context, events.Event) error
	Subscribe(context.Context) (<-chan events.Event, func())
}

// SetEventBus enables change notifications and the /api/events stream.
func (h *Handler) SetEventBus(bus eventBus) {
	if bus != nil && isNilInterface(bus) {
		bus = nil
	}
	h.events = bus
}

// publish is best effort: a failed notification never fails the write.
func (h *Handler) publish(c *gin.Context, eventType string, data interface{}) {
	if h.events == nil {
		return
	}
	if err := h.events.Publish(context.WithoutCancel(c.Request.Context()), events.Event{Type: eventType, Data: data}); err != nil {
		h.requestLogger(c).WithError(err).WithField("event", eventType).Warn("Failed to publish event")
	}
}

// StreamEvents relays bus events as server-sent events until the client leaves.
func (h *Handler) StreamEvents(c *gin.Context) {
	if h.events == nil {
		abortDetail(c, http.StatusServiceUnavailable, "Event stream is not enabled")
		return
	}
	ctx := c.Request.Context()
	ch, cancel := h.events.Subscribe(ctx)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepalive := time.NewTicker(h.opts.EventKeepalive)
	defer keepalive.Stop()

	c.SSEvent("ready", gin.H{"status": "subscribed"})
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(evt.Type, evt)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().UTC()})
			return true
		}
	})
}
