package server

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/fieldclinic/clinic_session/internal/config"
	"github.com/fieldclinic/clinic_session/internal/routes"
)

func TestNewRejectsMissingCollaborators(t *testing.T) {
	if _, err := New(config.Config{AppEnv: "development"}, routes.Deps{}); err == nil {
		t.Fatalf("expected error without session manager")
	}
}

func TestJSONErrorHandler(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: jsonError})
	app.Get("/conflict", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusConflict, "no local user")
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return io.ErrUnexpectedEOF
	})

	cases := []struct {
		path    string
		status  int
		message string
	}{
		{"/conflict", fiber.StatusConflict, "no local user"},
		{"/boom", fiber.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, tc.path, nil))
		if err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("%s: decode: %v", tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.status || body["error"] != tc.message {
			t.Fatalf("%s: unexpected %d %v", tc.path, resp.StatusCode, body)
		}
	}
}
