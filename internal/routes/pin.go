package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fieldclinic/clinic_session/internal/auth"
	"github.com/fieldclinic/clinic_session/internal/bruteforce"
)

// RegisterPinRoutes wires the PIN entry endpoints. unlocked rejects attempts
// while PIN entry is blocked.
func RegisterPinRoutes(r fiber.Router, state *bruteforce.Handler, session *auth.Handler, unlocked fiber.Handler) {
	group := r.Group("/pin")
	group.Get("/state", state.State)
	group.Get("/state/stream", state.Stream)
	group.Post("/verify", unlocked, session.VerifyPin)
}
