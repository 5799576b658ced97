package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// queueEvent holds data for a queue-change SSE event.
type queueEvent struct {
	Depth  int  `json:"depth"`
	Online bool `json:"online"`
}

// pollInterval is how often the SSE handler samples queue depth.
var pollInterval = 3 * time.Second

// handleSSE streams queue depth and connectivity changes to the client.
func handleSSE(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		if c.Query("once") == "1" {
			// Single-shot mode for probes and tests.
			writeSSE(c.Writer, "queue", queueEvent{
				Depth:  opts.Queue.Len(),
				Online: opts.Monitor.Online(),
			})
			c.Writer.Flush()
			c.Status(http.StatusOK)
			return
		}

		lastDepth := -1
		lastOnline := opts.Monitor.Online()

		ctx := c.Request.Context()
		ticker := time.NewTicker(pollInterval)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				depth := opts.Queue.Len()
				online := opts.Monitor.Online()
				if depth == lastDepth && online == lastOnline {
					continue
				}
				lastDepth, lastOnline = depth, online
				writeSSE(c.Writer, "queue", queueEvent{Depth: depth, Online: online})
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
