package bruteforce

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

const streamHeartbeat = 15 * time.Second

// Handler exposes the protection state to the PIN entry screen.
type Handler struct {
	guard     *Guard
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewHandler builds the PIN state handler.
func NewHandler(guard *Guard, logger *slog.Logger) *Handler {
	return &Handler{guard: guard, logger: logger, heartbeat: streamHeartbeat}
}

// State returns the current protection state.
func (h *Handler) State(c *fiber.Ctx) error {
	state, err := h.guard.Current(c.UserContext())
	if err != nil {
		h.logger.Error("read pin protection state", slog.Any("error", err))
		return fiber.NewError(http.StatusInternalServerError, "pin protection unavailable")
	}
	return c.Status(http.StatusOK).JSON(state)
}

// Stream sends every state change as a server-sent event until the client
// disconnects. Heartbeat comments detect dead connections.
func (h *Handler) Stream(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	ctx, cancel := context.WithCancel(context.Background())
	states := h.guard.StateChanges(ctx)
	heartbeat := h.heartbeat

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case state, ok := <-states:
				if !ok {
					return
				}
				payload, err := json.Marshal(state)
				if err != nil {
					h.logger.Error("encode pin state", slog.Any("error", err))
					return
				}
				if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload); err != nil {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}))
	return nil
}
