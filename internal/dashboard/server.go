// Package dashboard serves a local status view of the delivery pipeline:
// queue contents, connectivity, and cached conversations, as JSON plus a
// live SSE stream.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/stagecoach/internal/connectivity"
	"github.com/zulandar/stagecoach/internal/queue"
	"github.com/zulandar/stagecoach/internal/store"
)

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Store   *store.Store
	Queue   *queue.Queue
	Monitor *connectivity.Monitor
	Port    int
	Out     io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := Router(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 7683
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// Router builds the dashboard's Gin router without binding a listener.
func Router(opts StartOpts) (*gin.Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dashboard: store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("dashboard: queue is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("dashboard: monitor is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/api/status", handleStatus(opts))
	router.GET("/api/queue", handleQueue(opts))
	router.GET("/api/conversations/:id/messages", handleMessages(opts))
	router.GET("/api/events", handleSSE(opts))
	return router, nil
}

func handleStatus(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"online":      opts.Monitor.Online(),
			"queue_depth": opts.Queue.Len(),
			"time":        time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func handleQueue(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries := opts.Queue.All()
		out := make([]gin.H, 0, len(entries))
		for _, e := range entries {
			out = append(out, gin.H{
				"message_id":      e.Message.ID,
				"conversation_id": e.Message.ConversationID,
				"status":          e.Message.Status,
				"enqueued_at":     e.EnqueuedAt.UTC().Format(time.RFC3339),
				"retry_count":     e.RetryCount,
			})
		}
		c.JSON(http.StatusOK, gin.H{"entries": out})
	}
}

func handleMessages(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := opts.Store.CachedMessages(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}
