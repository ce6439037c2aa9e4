// Package remote is the JSON client for the clinic sync server's user, login
// and facility endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldclinic/clinic_session/internal/facility"
	"github.com/fieldclinic/clinic_session/internal/identity"
)

const defaultTimeout = 30 * time.Second

// TokenSource supplies the access token attached to authenticated calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, bool, error)
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
}

// LoginRequest is sent when completing an OTP login.
type LoginRequest struct {
	Phone string `json:"phone_number"`
	PIN   string `json:"password"`
	OTP   string `json:"otp"`
}

// PinProtectionConfig is the server-driven brute-force protection setting.
type PinProtectionConfig struct {
	LimitOfFailedAttempts int  `json:"limit_of_failed_attempts"`
	BlockDurationSeconds  int  `json:"block_duration_seconds"`
	IsEnabled             bool `json:"is_enabled"`
}

// FacilityPage is one facility pull. ProcessedSince is the cursor for the
// next pull.
type FacilityPage struct {
	Facilities     []facility.Facility `json:"facilities"`
	ProcessedSince time.Time           `json:"processed_since"`
}

// Client talks to the sync server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient builds a client; tokens may be nil for unauthenticated use.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		logger:     logger,
	}
}

// Login exchanges phone, PIN and OTP for an access token.
func (c *Client) Login(ctx context.Context, req LoginRequest) (identity.AuthResponse, error) {
	var resp identity.AuthResponse
	body := map[string]LoginRequest{"user": req}
	err := c.do(ctx, http.MethodPost, "/v1/login", body, &resp)
	return resp, err
}

// FindUser looks up a registered user by phone number.
func (c *Client) FindUser(ctx context.Context, phone string) (identity.Payload, error) {
	var payload identity.Payload
	err := c.do(ctx, http.MethodGet, "/v1/users/find?phone_number="+url.QueryEscape(phone), nil, &payload)
	return payload, err
}

// CreateUser registers a new user.
func (c *Client) CreateUser(ctx context.Context, payload identity.Payload) (identity.AuthResponse, error) {
	var resp identity.AuthResponse
	body := map[string]identity.Payload{"user": payload}
	err := c.do(ctx, http.MethodPost, "/v1/users/register", body, &resp)
	return resp, err
}

// RequestLoginOtp asks the server to text an OTP to the phone.
func (c *Client) RequestLoginOtp(ctx context.Context, phone string) error {
	body := map[string]string{"phone_number": phone}
	return c.do(ctx, http.MethodPost, "/v1/login/otp", body, nil)
}

// ResetPin replaces the user's PIN digest.
func (c *Client) ResetPin(ctx context.Context, pinDigest string) (identity.AuthResponse, error) {
	var resp identity.AuthResponse
	body := map[string]string{"password_digest": pinDigest}
	err := c.do(ctx, http.MethodPost, "/v1/users/me/reset_password", body, &resp)
	return resp, err
}

// BruteForceConfig fetches the PIN protection settings.
func (c *Client) BruteForceConfig(ctx context.Context) (PinProtectionConfig, error) {
	var cfg PinProtectionConfig
	err := c.do(ctx, http.MethodGet, "/v1/config/pin_protection", nil, &cfg)
	return cfg, err
}

// PullFacilities fetches facilities changed after since; a zero since pulls
// everything.
func (c *Client) PullFacilities(ctx context.Context, since time.Time) (FacilityPage, error) {
	path := "/v1/facilities/sync"
	if !since.IsZero() {
		path += "?processed_since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var page FacilityPage
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, ok, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("load access token: %w", err)
		}
		if ok && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("remote call failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: raw}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
