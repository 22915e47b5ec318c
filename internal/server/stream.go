package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type realtimeEventPayload struct {
	CaseIDs   []string `json:"caseIds,omitempty"`
	Timestamp string   `json:"timestamp"`
	Source    string   `json:"source"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorPayload{Error: "streaming unsupported", Code: "cases.stream.unsupported"})
		return
	}

	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, userID.String())
	defer cleanup()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	if err := h.writeEvent(c, realtimeEventHeartbeat, nil); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.writeEvent(c, realtimeEventHeartbeat, nil); err != nil {
				return
			}
			flusher.Flush()
		case message, open := <-messages:
			if !open {
				return
			}
			if err := h.writeEvent(c, message.EventType, message.CaseIDs); err != nil {
				h.logger.Debug("change stream write failed",
					zap.String("user_id", userID.String()),
					zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func (h *httpHandler) writeEvent(c *gin.Context, eventType string, caseIDs []string) error {
	data, err := json.Marshal(realtimeEventPayload{
		CaseIDs:   caseIDs,
		Timestamp: h.clock().UTC().Format(time.RFC3339),
		Source:    realtimeSourceBackend,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
