package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/fieldclinic/clinic_session/internal/remote"
)

// isConnectivity reports whether err means the server was never reached or
// the connection dropped.
func isConnectivity(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}

func httpStatus(err error) (*remote.StatusError, bool) {
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		return statusErr, true
	}
	return nil, false
}

type errorBody struct {
	Errors struct {
		User []string `json:"user"`
	} `json:"errors"`
}

// userErrorMessage extracts the first message of {"errors":{"user":[...]}}.
func userErrorMessage(body []byte) (string, bool) {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false
	}
	if len(parsed.Errors.User) == 0 || parsed.Errors.User[0] == "" {
		return "", false
	}
	return parsed.Errors.User[0], true
}

func classifyLogin(err error) error {
	if isConnectivity(err) {
		return ErrNetwork
	}
	if statusErr, ok := httpStatus(err); ok && statusErr.StatusCode == http.StatusUnauthorized {
		if msg, ok := userErrorMessage(statusErr.Body); ok {
			return &ServerError{Message: msg}
		}
	}
	return unexpected(err)
}

func classifyFindUser(err error) error {
	if isConnectivity(err) {
		return ErrNetwork
	}
	if statusErr, ok := httpStatus(err); ok && statusErr.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return unexpected(err)
}

func classifyResetPin(err error) error {
	if isConnectivity(err) {
		return ErrNetwork
	}
	if statusErr, ok := httpStatus(err); ok && statusErr.StatusCode == http.StatusUnauthorized {
		return ErrUserNotFound
	}
	return unexpected(err)
}

func classifyTransport(err error) error {
	if isConnectivity(err) {
		return ErrNetwork
	}
	return unexpected(err)
}
