package http

import (
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"murmur/internal/broadcast"
)

const wsWriteTimeout = 10 * time.Second

// wsUpgradeMiddleware rejects plain HTTP requests and opens the job's
// subscription before the upgrade, so unknown jobs still get a 404.
func wsUpgradeMiddleware(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	id := c.Params("id")
	c.Locals("job_id", id)
	sub, err := serviceFrom(c).Subscribe(id)
	if err != nil {
		return writeError(c, loggerFrom(c), err)
	}
	c.Locals("subscription", sub)
	err = c.Next()
	if c.Response().StatusCode() != fiber.StatusSwitchingProtocols {
		// Handshake failed; the socket handler never owned sub.
		sub.Close()
	}
	return err
}

// jobEventsSocket relays a job's events as JSON text frames until the
// terminal event has been sent or the client goes away.
func jobEventsSocket(logger *slog.Logger) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		sub, ok := conn.Locals("subscription").(*broadcast.Subscription)
		if !ok {
			_ = conn.Close()
			return
		}
		defer sub.Close()

		// The read loop only notices the peer closing.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, open := <-sub.Events():
				if !open {
					deadline := time.Now().Add(wsWriteTimeout)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"), deadline)
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					logger.Debug("ws_write_failed", "job_id", sub.JobID(), "error", err)
					return
				}
			case <-gone:
				logger.Debug("ws_client_gone", "job_id", sub.JobID())
				return
			}
		}
	}
}
