package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
	"github.com/jonesrussell/north-cloud/competitor-scout/internal/logger"
)

// StreamEvents handles GET /api/v1/runs/:keyword/events as server-sent
// events. A late subscriber receives a snapshot event first. The stream ends
// after the run's terminal event.
func (h *Handler) StreamEvents(c *gin.Context) {
	keyword := c.Param("keyword")
	sub, err := h.runs.Subscribe(c.Request.Context(), keyword)
	if err != nil {
		h.respondServiceError(c, "subscribe", err)
		return
	}
	defer sub.Unsubscribe()

	setSSEHeaders(c)
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	log := h.log.With(logger.String("keyword", keyword))
	log.Debug("Event stream opened", logger.String("client_ip", c.ClientIP()))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				log.Debug("Event stream closed", logger.Int("dropped", sub.Dropped()))
				return
			}
			if writeErr := writeEvent(c.Writer, ev); writeErr != nil {
				log.Debug("Event stream write failed", logger.Error(writeErr))
				return
			}
			c.Writer.Flush()
		case <-ticker.C:
			if _, writeErr := fmt.Fprintf(c.Writer, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339)); writeErr != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func setSSEHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// writeEvent writes one event in SSE framing: id is the topic sequence
// number, event is the event type, data is the JSON payload.
func writeEvent(w io.Writer, ev domain.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", strconv.FormatUint(ev.Seq, 10), ev.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
