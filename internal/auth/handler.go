package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/fieldclinic/clinic_session/internal/identity"
	"github.com/fieldclinic/clinic_session/internal/otp"
)

// OtpInbox returns the most recent OTP received for the pending login.
type OtpInbox interface {
	Latest() (otp.Received, bool)
}

// Handler exposes the session flows on the local API.
type Handler struct {
	manager    *Manager
	inbox      OtpInbox
	retryCount int
	logger     *slog.Logger
}

// NewHandler builds the session handler. retryCount is the number of sync
// retries made by the forgot-PIN flow.
func NewHandler(manager *Manager, inbox OtpInbox, retryCount int, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, inbox: inbox, retryCount: retryCount, logger: logger}
}

func (h *Handler) fail(c *fiber.Ctx, op string, err error) error {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", slog.Any("error", err))
	}
	return fiber.NewError(status, Message(err))
}

type userResponse struct {
	UUID           string                  `json:"id"`
	FullName       string                  `json:"full_name"`
	Phone          string                  `json:"phone_number"`
	Status         identity.Status         `json:"sync_approval_status"`
	LoggedInStatus identity.LoggedInStatus `json:"logged_in_status"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

func newUserResponse(u identity.User) userResponse {
	return userResponse{
		UUID:           u.UUID,
		FullName:       u.FullName,
		Phone:          u.Phone,
		Status:         u.Status,
		LoggedInStatus: u.LoggedInStatus,
		UpdatedAt:      u.UpdatedAt,
	}
}

type phoneRequest struct {
	Phone string `json:"phone_number"`
}

// FindUser looks the phone number up on the server and, when found, stores
// the user locally for the OTP login.
func (h *Handler) FindUser(c *fiber.Ctx) error {
	var req phoneRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Phone == "" {
		return fiber.NewError(http.StatusBadRequest, "phone_number is required")
	}
	payload, err := h.manager.FindExistingUser(c.UserContext(), req.Phone)
	if err != nil {
		return h.fail(c, "find user", err)
	}
	if err := h.manager.SaveUserLocally(c.UserContext(), payload); err != nil {
		return h.fail(c, "save user locally", err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"id":           payload.UUID,
		"full_name":    payload.FullName,
		"phone_number": payload.Phone,
		"facility_ids": payload.FacilityUUIDs,
	})
}

// SaveLoginEntry stages the login entry.
func (h *Handler) SaveLoginEntry(c *fiber.Ctx) error {
	var entry identity.OngoingLoginEntry
	if err := c.BodyParser(&entry); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.manager.SaveOngoingLoginEntry(c.UserContext(), entry); err != nil {
		return h.fail(c, "save login entry", err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// ClearLoginEntry abandons the staged login.
func (h *Handler) ClearLoginEntry(c *fiber.Ctx) error {
	if err := h.manager.ClearOngoingLoginEntry(c.UserContext()); err != nil {
		return h.fail(c, "clear login entry", err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// RequestOtp asks the server to send a login OTP.
func (h *Handler) RequestOtp(c *fiber.Ctx) error {
	if err := h.manager.RequestLoginOtp(c.UserContext()); err != nil {
		return h.fail(c, "request otp", err)
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"status": "otp_requested"})
}

// LatestOtp returns the OTP picked up from the SMS bridge, if any.
func (h *Handler) LatestOtp(c *fiber.Ctx) error {
	received, ok := h.inbox.Latest()
	if !ok {
		return c.SendStatus(http.StatusNoContent)
	}
	return c.Status(http.StatusOK).JSON(received)
}

type loginRequest struct {
	OTP string `json:"otp"`
}

// Login completes the OTP login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.OTP == "" {
		return fiber.NewError(http.StatusBadRequest, "otp is required")
	}
	if err := h.manager.Login(c.UserContext(), req.OTP); err != nil {
		return h.fail(c, "login", err)
	}
	return h.Me(c)
}

type registrationEntryResponse struct {
	UUID          string   `json:"uuid"`
	FullName      string   `json:"full_name"`
	Phone         string   `json:"phone_number"`
	FacilityUUIDs []string `json:"facility_ids"`
}

func newRegistrationEntryResponse(e identity.OngoingRegistrationEntry) registrationEntryResponse {
	return registrationEntryResponse{UUID: e.UUID, FullName: e.FullName, Phone: e.Phone, FacilityUUIDs: e.FacilityUUIDs}
}

// SaveRegistrationEntry stages the registration details. The PIN is never
// echoed back.
func (h *Handler) SaveRegistrationEntry(c *fiber.Ctx) error {
	var entry identity.OngoingRegistrationEntry
	if err := c.BodyParser(&entry); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	saved, err := h.manager.SaveOngoingRegistrationEntry(c.UserContext(), entry)
	if err != nil {
		return h.fail(c, "save registration entry", err)
	}
	return c.Status(http.StatusCreated).JSON(newRegistrationEntryResponse(saved))
}

// RegistrationEntry reports whether a registration is staged.
func (h *Handler) RegistrationEntry(c *fiber.Ctx) error {
	entry, err := h.manager.OngoingRegistrationEntry(c.UserContext())
	if errors.Is(err, identity.ErrNoRegistrationEntry) {
		return c.Status(http.StatusOK).JSON(fiber.Map{"present": false})
	}
	if err != nil {
		return h.fail(c, "load registration entry", err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"present": true, "entry": newRegistrationEntryResponse(entry)})
}

// ClearRegistrationEntry abandons the staged registration.
func (h *Handler) ClearRegistrationEntry(c *fiber.Ctx) error {
	if err := h.manager.ClearOngoingRegistrationEntry(c.UserContext()); err != nil {
		return h.fail(c, "clear registration entry", err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// SaveRegistrationEntryAsUser stores the staged registration as the local user.
func (h *Handler) SaveRegistrationEntryAsUser(c *fiber.Ctx) error {
	user, err := h.manager.SaveOngoingRegistrationEntryAsUser(c.UserContext())
	if err != nil {
		return h.fail(c, "save registration entry as user", err)
	}
	return c.Status(http.StatusCreated).JSON(newUserResponse(user))
}

// Register creates the stored user on the server.
func (h *Handler) Register(c *fiber.Ctx) error {
	if err := h.manager.Register(c.UserContext()); err != nil {
		return h.fail(c, "register", err)
	}
	return h.Me(c)
}

// Refresh pulls the user's latest status from the server.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	if err := h.manager.RefreshLoggedInUser(c.UserContext()); err != nil {
		return h.fail(c, "refresh user", err)
	}
	return h.Me(c)
}

// ForgotPin syncs, clears local patient data and starts the PIN reset.
func (h *Handler) ForgotPin(c *fiber.Ctx) error {
	if err := h.manager.SyncAndClearData(c.UserContext(), h.retryCount); err != nil {
		return h.fail(c, "sync and clear data", err)
	}
	return h.Me(c)
}

type pinRequest struct {
	PIN string `json:"pin"`
}

// ResetPin sets the new PIN on the server.
func (h *Handler) ResetPin(c *fiber.Ctx) error {
	var req pinRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.manager.ResetPin(c.UserContext(), req.PIN); err != nil {
		return h.fail(c, "reset pin", err)
	}
	return h.Me(c)
}

// VerifyPin checks a PIN entry attempt. The response always carries the
// protection state.
func (h *Handler) VerifyPin(c *fiber.Ctx) error {
	var req pinRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	state, err := h.manager.VerifyPin(c.UserContext(), req.PIN)
	if err != nil {
		status := StatusCode(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("verify pin failed", slog.Any("error", err))
		}
		return c.Status(status).JSON(fiber.Map{"error": Message(err), "state": state})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"state": state})
}

// Me returns the local user and whether an access token is stored.
func (h *Handler) Me(c *fiber.Ctx) error {
	user, err := h.manager.LoggedInUser(c.UserContext())
	if err != nil {
		return h.fail(c, "load user", err)
	}
	_, hasToken, err := h.manager.AccessToken(c.UserContext())
	if err != nil {
		return h.fail(c, "load access token", err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"user":             newUserResponse(user),
		"has_access_token": hasToken,
	})
}
