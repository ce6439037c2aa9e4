package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fieldclinic/clinic_session/internal/auth"
)

// RegisterSessionRoutes wires the login, registration and forgot-PIN flows.
// reset-pin is guarded by idempotency when it is non-nil.
func RegisterSessionRoutes(r fiber.Router, h *auth.Handler, idempotency fiber.Handler) {
	group := r.Group("/session")
	group.Get("/me", h.Me)
	group.Post("/find-user", h.FindUser)
	group.Post("/login-entry", h.SaveLoginEntry)
	group.Delete("/login-entry", h.ClearLoginEntry)
	group.Post("/request-otp", h.RequestOtp)
	group.Get("/otp", h.LatestOtp)
	group.Post("/login", h.Login)
	group.Get("/registration-entry", h.RegistrationEntry)
	group.Post("/registration-entry", h.SaveRegistrationEntry)
	group.Delete("/registration-entry", h.ClearRegistrationEntry)
	group.Post("/registration-entry/user", h.SaveRegistrationEntryAsUser)
	group.Post("/register", h.Register)
	group.Post("/refresh", h.Refresh)
	group.Post("/forgot-pin", h.ForgotPin)
	if idempotency != nil {
		group.Post("/reset-pin", idempotency, h.ResetPin)
	} else {
		group.Post("/reset-pin", h.ResetPin)
	}
}
