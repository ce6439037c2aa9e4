package auth

import (
	"errors"
	"net/http"

	"github.com/fieldclinic/clinic_session/internal/identity"
)

var (
	// ErrNetwork means the server could not be reached.
	ErrNetwork = errors.New("network unavailable")
	// ErrNotFound means no account exists for the looked-up phone number.
	ErrNotFound = errors.New("no account for phone number")
	// ErrUserNotFound means the server no longer recognises the logged-in user.
	ErrUserNotFound = errors.New("user not found")
	// ErrRegistrationRejected means the server created the user without any facility.
	ErrRegistrationRejected = errors.New("registration rejected: no facilities assigned")
	// ErrPinLocked means PIN entry is blocked after too many failed attempts.
	ErrPinLocked = errors.New("pin entry locked")
	// ErrIncorrectPin means the PIN did not match the stored digest.
	ErrIncorrectPin = errors.New("incorrect pin")
	// ErrInvalidEntry means a login or registration entry is incomplete.
	ErrInvalidEntry = errors.New("invalid entry")
)

// ServerError carries the message from a structured client-error response.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server rejected request: " + e.Message
}

// UnexpectedError wraps any failure outside the known kinds.
type UnexpectedError struct {
	Cause error
}

func (e *UnexpectedError) Error() string {
	if e.Cause == nil {
		return "unexpected error"
	}
	return "unexpected error: " + e.Cause.Error()
}

func (e *UnexpectedError) Unwrap() error {
	return e.Cause
}

func unexpected(err error) error {
	return &UnexpectedError{Cause: err}
}

// Message maps an error to the text shown to the user. It never exposes the
// underlying cause.
func Message(err error) string {
	var serverErr *ServerError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &serverErr):
		return serverErr.Message
	case errors.Is(err, ErrNetwork):
		return "No internet connection. Check your network and try again."
	case errors.Is(err, ErrNotFound):
		return "No account was found for this phone number."
	case errors.Is(err, ErrUserNotFound):
		return "Your account could not be found. Contact your supervisor."
	case errors.Is(err, ErrRegistrationRejected):
		return "Registration was not completed because no facility was assigned."
	case errors.Is(err, ErrPinLocked):
		return "Too many incorrect attempts. Try again later."
	case errors.Is(err, ErrIncorrectPin):
		return "Incorrect PIN."
	case errors.Is(err, ErrInvalidEntry):
		return "Some details are missing or invalid."
	case errors.Is(err, identity.ErrNoUser), errors.Is(err, identity.ErrNoLoginEntry):
		return "Please start again from the phone number screen."
	case errors.Is(err, identity.ErrNoRegistrationEntry):
		return "Please fill in the registration details again."
	default:
		return "Something went wrong. Please try again."
	}
}

// StatusCode maps an error to the HTTP status of the local API.
func StatusCode(err error) int {
	var serverErr *ServerError
	switch {
	case errors.As(err, &serverErr):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNetwork):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRegistrationRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPinLocked):
		return http.StatusLocked
	case errors.Is(err, ErrIncorrectPin):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrNoUser), errors.Is(err, identity.ErrNoLoginEntry),
		errors.Is(err, identity.ErrNoRegistrationEntry):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
