package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tarefas/board"
)

const heartbeatInterval = 30 * time.Second

// streamTasks pushes every snapshot of the caller's tasks as a Server-Sent
// Event until the client goes away.
func streamTasks(f board.Feed, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity := identityFrom(c)
		ctx := c.Request().Context()

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		view := board.NewView(identity, f, nil, logger)
		if err := view.Activate(ctx); err != nil {
			return err
		}
		defer view.Deactivate()

		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set(echo.HeaderCacheControl, "no-cache")
		h.Set(echo.HeaderConnection, "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Response().WriteHeader(http.StatusOK)
		// an initial comment flushes the headers to the client
		if _, err := c.Response().Write([]byte(":ok\n\n")); err != nil {
			return nil
		}
		flusher.Flush()

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-view.Updates():
				if view.State() != board.StateLive {
					continue
				}
				data, err := sonic.Marshal(tasksResponse{Tasks: view.Tasks()})
				if err != nil {
					logger.WithError(err).Error("stream: encode snapshot")
					continue
				}
				if _, err := c.Response().Write([]byte("data: ")); err != nil {
					return nil
				}
				if _, err := c.Response().Write(data); err != nil {
					return nil
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case <-ctx.Done():
				return nil
			}
		}
	}
}
