package httpapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lanhue/gateway/internal/eventbus"
	"github.com/lanhue/gateway/internal/model"
)

const sseKeepaliveInterval = 15 * time.Second

func (s *Server) handleV1Stream(c *gin.Context) {
	streamEvents(c, s.v1Bus)
}

func (s *Server) handleV2Stream(c *gin.Context) {
	streamEvents(c, s.v2Bus)
}

// streamEvents serves an SSE connection backed by bus, replaying from
// Last-Event-ID when present and emitting a needs_resync frame when the
// requested cursor has fallen out of the ring or is unparseable (spec.md
// section 4.6's SSE transport).
func streamEvents(c *gin.Context, bus *eventbus.Bus) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(interface{ Flush() })
	if !ok {
		c.Status(500)
		return
	}

	if lastIDHeader := c.GetHeader("Last-Event-Id"); lastIDHeader != "" {
		lastID, err := strconv.ParseInt(lastIDHeader, 10, 64)
		if err != nil {
			writeNeedsResync(c.Writer, "invalid_last_event_id")
			flusher.Flush()
		} else {
			replay := bus.ReplayFrom(lastID)
			if replay.Evicted {
				writeNeedsResync(c.Writer, "cursor_evicted")
				flusher.Flush()
			} else {
				for _, ev := range replay.Events {
					writeEvent(c.Writer, ev)
				}
				flusher.Flush()
			}
		}
	}

	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			writeEvent(c.Writer, ev)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w interface{ Write([]byte) (int, error) }, ev model.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.EventID, body)
}

func writeNeedsResync(w interface{ Write([]byte) (int, error) }, reason string) {
	body, _ := json.Marshal(map[string]interface{}{"type": "needs_resync", "reason": reason})
	fmt.Fprintf(w, "data: %s\n\n", body)
}
