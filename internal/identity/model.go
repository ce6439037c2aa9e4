package identity

import (
	"errors"
	"time"
)

var (
	// ErrNoUser is returned when no user record exists on this device yet.
	ErrNoUser = errors.New("no local user")
	// ErrNoLoginEntry is returned when no login is in progress.
	ErrNoLoginEntry = errors.New("no ongoing login entry")
	// ErrNoRegistrationEntry is returned when no registration is in progress.
	ErrNoRegistrationEntry = errors.New("no ongoing registration entry")
)

// Status is the server-side sync approval of a user. Values match the wire
// format of the sync API.
type Status string

const (
	StatusWaitingForApproval    Status = "requested"
	StatusApprovedForSyncing    Status = "allowed"
	StatusDisapprovedForSyncing Status = "denied"
)

// LoggedInStatus tracks where the device is in the login and forgot-PIN flows.
type LoggedInStatus string

const (
	NotLoggedIn       LoggedInStatus = "NOT_LOGGED_IN"
	OTPRequested      LoggedInStatus = "OTP_REQUESTED"
	LoggedIn          LoggedInStatus = "LOGGED_IN"
	ResettingPIN      LoggedInStatus = "RESETTING_PIN"
	ResetPINRequested LoggedInStatus = "RESET_PIN_REQUESTED"
)

// User is the single active user record kept on the device.
type User struct {
	UUID           string
	FullName       string
	Phone          string
	PINDigest      string
	Status         Status
	LoggedInStatus LoggedInStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Payload is the user as exchanged with the server.
type Payload struct {
	UUID          string    `json:"id"`
	FullName      string    `json:"full_name"`
	Phone         string    `json:"phone_number"`
	PINDigest     string    `json:"password_digest"`
	FacilityUUIDs []string  `json:"facility_ids"`
	Status        Status    `json:"sync_approval_status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ToUser converts a server payload into a local record with the given login status.
func (p Payload) ToUser(loggedInStatus LoggedInStatus) User {
	return User{
		UUID:           p.UUID,
		FullName:       p.FullName,
		Phone:          p.Phone,
		PINDigest:      p.PINDigest,
		Status:         p.Status,
		LoggedInStatus: loggedInStatus,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// ToPayload converts a local record into the server payload shape.
func (u User) ToPayload(facilityUUIDs []string) Payload {
	return Payload{
		UUID:          u.UUID,
		FullName:      u.FullName,
		Phone:         u.Phone,
		PINDigest:     u.PINDigest,
		FacilityUUIDs: facilityUUIDs,
		Status:        u.Status,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

// AuthResponse is returned by login, registration and PIN reset.
type AuthResponse struct {
	AccessToken string  `json:"access_token"`
	User        Payload `json:"user"`
}

// OngoingLoginEntry stages a login between phone lookup and OTP verification.
type OngoingLoginEntry struct {
	UUID  string `json:"uuid"`
	Phone string `json:"phone_number"`
	PIN   string `json:"pin,omitempty"`
}

// OngoingRegistrationEntry stages what the user filled in on the registration
// screens until it is saved as the local user.
type OngoingRegistrationEntry struct {
	UUID          string   `json:"uuid"`
	FullName      string   `json:"full_name"`
	Phone         string   `json:"phone_number"`
	PIN           string   `json:"pin,omitempty"`
	FacilityUUIDs []string `json:"facility_ids"`
}
