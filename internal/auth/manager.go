// Package auth drives the login, registration and forgot-PIN flows of the
// device user and classifies every remote failure into a closed set of kinds.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldclinic/clinic_session/internal/bruteforce"
	"github.com/fieldclinic/clinic_session/internal/clinical"
	"github.com/fieldclinic/clinic_session/internal/facility"
	"github.com/fieldclinic/clinic_session/internal/identity"
	"github.com/fieldclinic/clinic_session/internal/otp"
	"github.com/fieldclinic/clinic_session/internal/remote"
)

const defaultBackgroundSyncTimeout = 2 * time.Minute

// RemoteClient is the sync server API used by the session flows.
type RemoteClient interface {
	Login(ctx context.Context, req remote.LoginRequest) (identity.AuthResponse, error)
	FindUser(ctx context.Context, phone string) (identity.Payload, error)
	CreateUser(ctx context.Context, payload identity.Payload) (identity.AuthResponse, error)
	RequestLoginOtp(ctx context.Context, phone string) error
	ResetPin(ctx context.Context, pinDigest string) (identity.AuthResponse, error)
}

// FacilitySync pulls the facility list from the server.
type FacilitySync interface {
	PullFacilities(ctx context.Context) error
}

// SyncScheduler runs a full sync on demand.
type SyncScheduler interface {
	SyncImmediately(ctx context.Context) error
}

// PinHasher produces and checks PIN digests.
type PinHasher interface {
	Hash(pin string) (string, error)
	Matches(digest, pin string) (bool, error)
}

// BruteForceGuard is the part of bruteforce.Guard the session flows need.
type BruteForceGuard interface {
	IncrementFailedAttempt(ctx context.Context) error
	ResetFailedAttempts(ctx context.Context) error
	RecordSuccessfulAuthentication(ctx context.Context) error
	Current(ctx context.Context) (bruteforce.State, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Remote       RemoteClient
	Users        identity.Repository
	Credentials  identity.Credentials
	Facilities   facility.Repository
	FacilitySync FacilitySync
	Clinical     clinical.DataStore
	Cursors      clinical.Cursors
	Guard        BruteForceGuard
	Sync         SyncScheduler
	OTP          otp.Listener
	Hasher       PinHasher
	Logger       *slog.Logger

	// BackgroundSyncTimeout bounds the sync started after a login.
	BackgroundSyncTimeout time.Duration
}

// Manager orchestrates the session flows. At most one flow mutating the
// local user is expected at a time.
type Manager struct {
	remote       RemoteClient
	users        identity.Repository
	credentials  identity.Credentials
	facilities   facility.Repository
	facilitySync FacilitySync
	clinical     clinical.DataStore
	cursors      clinical.Cursors
	guard        BruteForceGuard
	sync         SyncScheduler
	otp          otp.Listener
	hasher       PinHasher
	logger       *slog.Logger
	syncTimeout  time.Duration

	background sync.WaitGroup
}

// NewManager wires a Manager from its collaborators.
func NewManager(d Deps) *Manager {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := d.BackgroundSyncTimeout
	if timeout <= 0 {
		timeout = defaultBackgroundSyncTimeout
	}
	return &Manager{
		remote:       d.Remote,
		users:        d.Users,
		credentials:  d.Credentials,
		facilities:   d.Facilities,
		facilitySync: d.FacilitySync,
		clinical:     d.Clinical,
		cursors:      d.Cursors,
		guard:        d.Guard,
		sync:         d.Sync,
		otp:          d.OTP,
		hasher:       d.Hasher,
		logger:       logger.With(slog.String("component", "session")),
		syncTimeout:  timeout,
	}
}

// NextLoggedInStatus applies a server-reported status to the local login
// status. Approval always means logged in; other statuses leave it alone.
func NextLoggedInStatus(current identity.LoggedInStatus, status identity.Status) identity.LoggedInStatus {
	if status == identity.StatusApprovedForSyncing {
		return identity.LoggedIn
	}
	return current
}

// SaveOngoingLoginEntry stages the phone, user id and PIN for an OTP login.
func (m *Manager) SaveOngoingLoginEntry(ctx context.Context, entry identity.OngoingLoginEntry) error {
	entry.Phone = strings.TrimSpace(entry.Phone)
	if entry.UUID == "" || entry.Phone == "" {
		return fmt.Errorf("%w: uuid and phone number are required", ErrInvalidEntry)
	}
	return m.credentials.SaveOngoingLoginEntry(ctx, entry)
}

// OngoingLoginEntry returns the staged login entry.
func (m *Manager) OngoingLoginEntry(ctx context.Context) (identity.OngoingLoginEntry, error) {
	return m.credentials.OngoingLoginEntry(ctx)
}

// ClearOngoingLoginEntry abandons the staged login.
func (m *Manager) ClearOngoingLoginEntry(ctx context.Context) error {
	return m.credentials.ClearOngoingLoginEntry(ctx)
}

// LoggedInUser returns the local user record.
func (m *Manager) LoggedInUser(ctx context.Context) (identity.User, error) {
	return m.users.Current(ctx)
}

// AccessToken returns the stored access token, if any.
func (m *Manager) AccessToken(ctx context.Context) (string, bool, error) {
	return m.credentials.AccessToken(ctx)
}

// Wait blocks until background work started by Login and RequestLoginOtp has
// finished.
func (m *Manager) Wait() {
	m.background.Wait()
}

// Login completes an OTP login for the staged entry. Remote failures leave
// the staged entry and access token untouched.
func (m *Manager) Login(ctx context.Context, otpCode string) error {
	entry, err := m.credentials.OngoingLoginEntry(ctx)
	if err != nil {
		return unexpected(err)
	}

	resp, err := m.remote.Login(ctx, remote.LoginRequest{Phone: entry.Phone, PIN: entry.PIN, OTP: otpCode})
	if err != nil {
		classified := classifyLogin(err)
		m.logger.Warn("login failed", "error", err, "kind", Message(classified))
		return classified
	}

	if err := m.storeSession(ctx, resp); err != nil {
		return unexpected(err)
	}
	if err := m.credentials.ClearOngoingLoginEntry(ctx); err != nil {
		return unexpected(err)
	}

	m.syncInBackground(ctx)
	m.logger.Info("user logged in", slog.String("user_id", resp.User.UUID))
	return nil
}

func (m *Manager) syncInBackground(ctx context.Context) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.syncTimeout)
		defer cancel()
		if err := m.sync.SyncImmediately(syncCtx); err != nil {
			m.logger.Warn("sync after login failed", "error", err)
		}
	}()
}

// storeSession persists the token, the user as logged in and its facilities.
func (m *Manager) storeSession(ctx context.Context, resp identity.AuthResponse) error {
	if err := m.credentials.SetAccessToken(ctx, resp.AccessToken); err != nil {
		return err
	}
	if err := m.users.CreateOrUpdate(ctx, resp.User.ToUser(identity.LoggedIn)); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	if err := m.facilities.AssociateUserWithFacilities(ctx, resp.User.UUID, resp.User.FacilityUUIDs); err != nil {
		return fmt.Errorf("associate facilities: %w", err)
	}
	return nil
}

// FindExistingUser looks up a registered user by phone number.
func (m *Manager) FindExistingUser(ctx context.Context, phone string) (identity.Payload, error) {
	payload, err := m.remote.FindUser(ctx, strings.TrimSpace(phone))
	if err != nil {
		return identity.Payload{}, classifyFindUser(err)
	}
	return payload, nil
}

// SaveUserLocally pulls facilities, then stores a user found on the server
// before the OTP login. A failed pull saves nothing: connectivity failures are
// ErrNetwork, anything else is unexpected.
func (m *Manager) SaveUserLocally(ctx context.Context, payload identity.Payload) error {
	if err := m.facilitySync.PullFacilities(ctx); err != nil {
		m.logger.Warn("facility pull before saving user failed", "error", err)
		return classifyTransport(err)
	}
	if err := m.users.CreateOrUpdate(ctx, payload.ToUser(identity.NotLoggedIn)); err != nil {
		return unexpected(fmt.Errorf("save user: %w", err))
	}
	if err := m.facilities.AssociateUserWithFacilities(ctx, payload.UUID, payload.FacilityUUIDs); err != nil {
		return unexpected(fmt.Errorf("associate facilities: %w", err))
	}
	return nil
}

// SaveOngoingRegistrationEntry validates and stages a registration. A missing
// uuid is generated.
func (m *Manager) SaveOngoingRegistrationEntry(ctx context.Context, entry identity.OngoingRegistrationEntry) (identity.OngoingRegistrationEntry, error) {
	entry.FullName = strings.TrimSpace(entry.FullName)
	entry.Phone = strings.TrimSpace(entry.Phone)
	if entry.FullName == "" || entry.Phone == "" || entry.PIN == "" || len(entry.FacilityUUIDs) == 0 {
		return identity.OngoingRegistrationEntry{}, fmt.Errorf("%w: name, phone number, pin and at least one facility are required", ErrInvalidEntry)
	}
	if entry.UUID == "" {
		entry.UUID = uuid.NewString()
	}
	if err := m.credentials.SaveOngoingRegistrationEntry(ctx, entry); err != nil {
		return identity.OngoingRegistrationEntry{}, unexpected(err)
	}
	return entry, nil
}

// OngoingRegistrationEntry returns the staged registration.
func (m *Manager) OngoingRegistrationEntry(ctx context.Context) (identity.OngoingRegistrationEntry, error) {
	return m.credentials.OngoingRegistrationEntry(ctx)
}

// IsOngoingRegistrationEntryPresent reports whether a registration is staged.
func (m *Manager) IsOngoingRegistrationEntryPresent(ctx context.Context) (bool, error) {
	_, err := m.credentials.OngoingRegistrationEntry(ctx)
	switch {
	case errors.Is(err, identity.ErrNoRegistrationEntry):
		return false, nil
	case err != nil:
		return false, err
	default:
		return true, nil
	}
}

// ClearOngoingRegistrationEntry abandons the staged registration.
func (m *Manager) ClearOngoingRegistrationEntry(ctx context.Context) error {
	return m.credentials.ClearOngoingRegistrationEntry(ctx)
}

// SaveOngoingRegistrationEntryAsUser hashes the staged PIN and stores the
// pending user with its chosen facilities, then drops the staged entry.
// Register sends the user to the server.
func (m *Manager) SaveOngoingRegistrationEntryAsUser(ctx context.Context) (identity.User, error) {
	entry, err := m.credentials.OngoingRegistrationEntry(ctx)
	if err != nil {
		return identity.User{}, err
	}

	digest, err := m.hasher.Hash(entry.PIN)
	if err != nil {
		if errors.Is(err, identity.ErrPINTooShort) {
			return identity.User{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
		}
		return identity.User{}, unexpected(err)
	}

	now := time.Now().UTC()
	user := identity.User{
		UUID:           entry.UUID,
		FullName:       entry.FullName,
		Phone:          entry.Phone,
		PINDigest:      digest,
		Status:         identity.StatusWaitingForApproval,
		LoggedInStatus: identity.NotLoggedIn,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.users.CreateOrUpdate(ctx, user); err != nil {
		return identity.User{}, unexpected(err)
	}
	if err := m.facilities.AssociateUserWithFacilities(ctx, user.UUID, entry.FacilityUUIDs); err != nil {
		return identity.User{}, unexpected(err)
	}
	if err := m.credentials.ClearOngoingRegistrationEntry(ctx); err != nil {
		return identity.User{}, unexpected(err)
	}
	return user, nil
}

// Register creates the locally stored user on the server. A response without
// any facility fails with ErrRegistrationRejected even though the call
// succeeded.
func (m *Manager) Register(ctx context.Context) error {
	user, err := m.users.Current(ctx)
	if err != nil {
		return unexpected(err)
	}
	facilityUUIDs, err := m.facilities.FacilityUUIDsForUser(ctx, user.UUID)
	if err != nil {
		return unexpected(err)
	}

	resp, err := m.remote.CreateUser(ctx, user.ToPayload(facilityUUIDs))
	if err != nil {
		return classifyTransport(err)
	}
	if len(resp.User.FacilityUUIDs) == 0 {
		m.logger.Warn("registration returned no facilities", slog.String("user_id", resp.User.UUID))
		return ErrRegistrationRejected
	}
	if err := m.storeSession(ctx, resp); err != nil {
		return unexpected(err)
	}
	return nil
}

// RequestLoginOtp asks the server to send an OTP for the staged entry and
// starts listening for it in the background. The request never waits on the
// listener and a listen failure is only logged; only a successful request
// moves the user to OTP_REQUESTED.
func (m *Manager) RequestLoginOtp(ctx context.Context) error {
	entry, err := m.credentials.OngoingLoginEntry(ctx)
	if err != nil {
		return unexpected(err)
	}

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		if err := m.otp.ListenForLoginOtp(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("could not listen for login otp", "error", err)
		}
	}()

	if err := m.remote.RequestLoginOtp(ctx, entry.Phone); err != nil {
		return classifyTransport(err)
	}

	if err := m.users.UpdateLoggedInStatus(ctx, entry.UUID, identity.OTPRequested); err != nil {
		return unexpected(err)
	}
	return nil
}

// RefreshLoggedInUser pulls the user from the server and merges its status
// into the local record.
func (m *Manager) RefreshLoggedInUser(ctx context.Context) error {
	current, err := m.users.Current(ctx)
	if err != nil {
		return err
	}
	payload, err := m.remote.FindUser(ctx, current.Phone)
	if err != nil {
		return classifyFindUser(err)
	}

	refreshed := payload.ToUser(NextLoggedInStatus(current.LoggedInStatus, payload.Status))
	if refreshed.PINDigest == "" {
		refreshed.PINDigest = current.PINDigest
	}
	if err := m.users.CreateOrUpdate(ctx, refreshed); err != nil {
		return unexpected(fmt.Errorf("save refreshed user: %w", err))
	}
	if err := m.facilities.AssociateUserWithFacilities(ctx, payload.UUID, payload.FacilityUUIDs); err != nil {
		return unexpected(fmt.Errorf("associate facilities: %w", err))
	}
	if refreshed.LoggedInStatus != current.LoggedInStatus {
		m.logger.Info("logged in status changed",
			slog.String("from", string(current.LoggedInStatus)),
			slog.String("to", string(refreshed.LoggedInStatus)),
		)
	}
	return nil
}

// ResetPin sets a new PIN on the server for the local user. A local write
// failing after the server accepted the PIN is an UnexpectedError; callers
// retry the local update, not the remote call.
func (m *Manager) ResetPin(ctx context.Context, newPin string) error {
	current, err := m.users.Current(ctx)
	if err != nil {
		return unexpected(err)
	}
	digest, err := m.hasher.Hash(newPin)
	if err != nil {
		return unexpected(err)
	}

	resp, err := m.remote.ResetPin(ctx, digest)
	if err != nil {
		return classifyResetPin(err)
	}

	updated := current
	updated.PINDigest = digest
	updated.Status = resp.User.Status
	updated.LoggedInStatus = identity.ResetPINRequested
	if err := m.users.CreateOrUpdate(ctx, updated); err != nil {
		return unexpected(err)
	}
	if err := m.credentials.SetAccessToken(ctx, resp.AccessToken); err != nil {
		return unexpected(err)
	}
	return nil
}

// SyncAndClearData syncs with up to retryCount immediate retries, then clears
// clinical data, pull cursors and PIN counters and moves the user to
// RESETTING_PIN. The clean-up runs whatever the sync outcome; only clean-up
// failures are returned.
func (m *Manager) SyncAndClearData(ctx context.Context, retryCount int) error {
	for attempt := 0; attempt <= max(retryCount, 0); attempt++ {
		err := m.sync.SyncImmediately(ctx)
		if err == nil {
			break
		}
		m.logger.Warn("sync before clearing data failed", "attempt", attempt+1, "error", err)
	}

	var errs []error
	if err := m.clinical.ClearPatientData(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear patient data: %w", err))
	}
	if err := m.cursors.ClearAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear pull cursors: %w", err))
	}
	if err := m.guard.ResetFailedAttempts(ctx); err != nil {
		errs = append(errs, err)
	}
	if user, err := m.users.Current(ctx); err != nil {
		errs = append(errs, err)
	} else if err := m.users.UpdateLoggedInStatus(ctx, user.UUID, identity.ResettingPIN); err != nil {
		errs = append(errs, fmt.Errorf("update logged in status: %w", err))
	}
	return errors.Join(errs...)
}

// VerifyPin checks a PIN entry attempt against the local user's digest and
// records the outcome with the brute-force guard.
func (m *Manager) VerifyPin(ctx context.Context, pin string) (bruteforce.State, error) {
	state, err := m.guard.Current(ctx)
	if err != nil {
		return bruteforce.State{}, err
	}
	if state.IsBlocked() {
		return state, ErrPinLocked
	}

	user, err := m.users.Current(ctx)
	if err != nil {
		return state, err
	}
	ok, err := m.hasher.Matches(user.PINDigest, pin)
	if err != nil {
		return state, unexpected(err)
	}

	if !ok {
		if err := m.guard.IncrementFailedAttempt(ctx); err != nil {
			return state, err
		}
		state, err = m.guard.Current(ctx)
		if err != nil {
			return bruteforce.State{}, err
		}
		return state, ErrIncorrectPin
	}

	if err := m.guard.RecordSuccessfulAuthentication(ctx); err != nil {
		return state, err
	}
	return m.guard.Current(ctx)
}
