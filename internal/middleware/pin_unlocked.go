package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/fieldclinic/clinic_session/internal/bruteforce"
)

// StateReader returns the current PIN protection state.
type StateReader interface {
	Current(ctx context.Context) (bruteforce.State, error)
}

// PinUnlocked rejects PIN attempts with 423 while PIN entry is blocked. The
// body carries the state so the client can show the countdown.
func PinUnlocked(guard StateReader, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		state, err := guard.Current(c.UserContext())
		if err != nil {
			logger.Error("read pin protection state", slog.Any("error", err))
			return fiber.NewError(http.StatusInternalServerError, "pin protection unavailable")
		}
		if state.IsBlocked() {
			return c.Status(http.StatusLocked).JSON(fiber.Map{
				"error": "too many incorrect attempts, try again later",
				"state": state,
			})
		}
		return c.Next()
	}
}
