package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fieldclinic/clinic_session/internal/bruteforce"
	"github.com/fieldclinic/clinic_session/internal/clinical"
	"github.com/fieldclinic/clinic_session/internal/facility"
	"github.com/fieldclinic/clinic_session/internal/identity"
	"github.com/fieldclinic/clinic_session/internal/logging"
	"github.com/fieldclinic/clinic_session/internal/remote"
)

var (
	t0 = time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

	errBoom = errors.New("boom")
)

func connectivityError() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func unauthorizedError() error {
	return &remote.StatusError{
		Method:     http.MethodPost,
		Path:       "/v1/login",
		StatusCode: http.StatusUnauthorized,
		Body:       []byte(`{"errors":{"user":["user is not present"]}}`),
	}
}

func notFoundError() error {
	return &remote.StatusError{Method: http.MethodGet, Path: "/v1/users/find", StatusCode: http.StatusNotFound}
}

func userPayload(status identity.Status, facilities ...string) identity.Payload {
	return identity.Payload{
		UUID:          "6f8a3c1e-6f5b-4a55-9d4b-1b2f0f0d9a11",
		FullName:      "Asha Verma",
		Phone:         "9876543210",
		PINDigest:     "server-digest",
		FacilityUUIDs: facilities,
		Status:        status,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

type fakeRemote struct {
	mu sync.Mutex

	loginResp  identity.AuthResponse
	loginErr   error
	findResp   identity.Payload
	findErr    error
	createResp identity.AuthResponse
	createErr  error
	otpErr     error
	resetResp  identity.AuthResponse
	resetErr   error

	loginCalls  int
	findPhones  []string
	createCalls int
	otpCalls    int
	resetCalls  int
	resetDigest string
}

func (f *fakeRemote) Login(_ context.Context, _ remote.LoginRequest) (identity.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	return f.loginResp, f.loginErr
}

func (f *fakeRemote) FindUser(_ context.Context, phone string) (identity.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findPhones = append(f.findPhones, phone)
	return f.findResp, f.findErr
}

func (f *fakeRemote) CreateUser(_ context.Context, _ identity.Payload) (identity.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	return f.createResp, f.createErr
}

func (f *fakeRemote) RequestLoginOtp(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.otpCalls++
	return f.otpErr
}

func (f *fakeRemote) ResetPin(_ context.Context, digest string) (identity.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	f.resetDigest = digest
	return f.resetResp, f.resetErr
}

// fakeSync returns results in order, then nil.
type fakeSync struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (f *fakeSync) SyncImmediately(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

func (f *fakeSync) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeFacilitySync returns results in order, then nil.
type fakeFacilitySync struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (f *fakeFacilitySync) PullFacilities(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

type fakeHasher struct {
	err error
}

func (h fakeHasher) Hash(pin string) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	return "hashed:" + pin, nil
}

func (h fakeHasher) Matches(digest, pin string) (bool, error) {
	if !strings.HasPrefix(digest, "hashed:") {
		return false, errors.New("malformed digest")
	}
	return digest == "hashed:"+pin, nil
}

type fakeListener struct {
	mu    sync.Mutex
	err   error
	calls int
	// block, when set, holds ListenForLoginOtp until it is closed.
	block chan struct{}
}

func (l *fakeListener) ListenForLoginOtp(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.block != nil {
		l.mu.Unlock()
		<-l.block
		l.mu.Lock()
	}
	return l.err
}

func (l *fakeListener) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// failingUsers fails CreateOrUpdate with err while delegating reads.
type failingUsers struct {
	identity.Repository
	err error
}

func (f failingUsers) CreateOrUpdate(context.Context, identity.User) error {
	return f.err
}

type fixture struct {
	manager     *Manager
	remote       *fakeRemote
	sync         *fakeSync
	facilitySync *fakeFacilitySync
	listener     *fakeListener
	users        identity.Repository
	credentials  identity.Credentials
	facilities   facility.Repository
	clinical     *clinical.MemoryStore
	cursors      clinical.Cursors
	guard        *bruteforce.Guard
	counters     *bruteforce.MemoryStore
	clock        *clockwork.FakeClock
}

type fixtureOption func(*Deps)

func withHasher(h PinHasher) fixtureOption {
	return func(d *Deps) { d.Hasher = h }
}

func withUsers(wrap func(identity.Repository) identity.Repository) fixtureOption {
	return func(d *Deps) { d.Users = wrap(d.Users) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		remote:       &fakeRemote{},
		sync:         &fakeSync{},
		facilitySync: &fakeFacilitySync{},
		listener:     &fakeListener{},
		users:        identity.NewMemoryRepository(),
		credentials:  identity.NewMemoryCredentials(),
		facilities:   facility.NewMemoryRepository(),
		clinical:     clinical.NewMemoryStore(),
		cursors:      clinical.NewMemoryCursors(),
		counters:     bruteforce.NewMemoryStore(),
		clock:        clockwork.NewFakeClockAt(t0),
	}
	cfg := bruteforce.NewConfigValue(bruteforce.Config{LimitOfFailedAttempts: 3, BlockDuration: 30 * time.Second, IsEnabled: true})
	f.guard = bruteforce.NewGuard(f.clock, cfg, f.counters, logging.Discard())

	deps := Deps{
		Remote:       f.remote,
		Users:        f.users,
		Credentials:  f.credentials,
		Facilities:   f.facilities,
		FacilitySync: f.facilitySync,
		Clinical:     f.clinical,
		Cursors:      f.cursors,
		Guard:        f.guard,
		Sync:         f.sync,
		OTP:          f.listener,
		Hasher:       fakeHasher{},
		Logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.manager = NewManager(deps)
	return f
}

func (f *fixture) seedUser(t *testing.T, user identity.User) {
	t.Helper()
	if err := f.users.CreateOrUpdate(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func (f *fixture) seedLoginEntry(t *testing.T) identity.OngoingLoginEntry {
	t.Helper()
	entry := identity.OngoingLoginEntry{UUID: userPayload("").UUID, Phone: "9876543210", PIN: "1234"}
	if err := f.manager.SaveOngoingLoginEntry(context.Background(), entry); err != nil {
		t.Fatalf("seed login entry: %v", err)
	}
	return entry
}

func (f *fixture) seedRegistration(t *testing.T, pin string) identity.OngoingRegistrationEntry {
	t.Helper()
	entry, err := f.manager.SaveOngoingRegistrationEntry(context.Background(), identity.OngoingRegistrationEntry{
		FullName: "Asha Verma", Phone: "9876543210", PIN: pin, FacilityUUIDs: []string{"f-1"},
	})
	if err != nil {
		t.Fatalf("save registration entry: %v", err)
	}
	return entry
}

func localUser(loggedIn identity.LoggedInStatus, status identity.Status) identity.User {
	return userPayload(status).ToUser(loggedIn)
}

// failingFacilities fails AssociateUserWithFacilities with err.
type failingFacilities struct {
	facility.Repository
	err error
}

func (f failingFacilities) AssociateUserWithFacilities(context.Context, string, []string) error {
	return f.err
}

func withFacilities(wrap func(facility.Repository) facility.Repository) fixtureOption {
	return func(d *Deps) { d.Facilities = wrap(d.Facilities) }
}
