package identity

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/outpostgame/worldserver/internal/auth"
)

type fakeRepo struct {
	guests      map[string]string // deviceKey -> guestID
	guestExists map[string]bool
	users       map[string]UserRow
	userGuests  map[string]string // userID -> guestID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		guests:      map[string]string{},
		guestExists: map[string]bool{},
		users:       map[string]UserRow{},
		userGuests:  map[string]string{},
	}
}

func (r *fakeRepo) CreateGuest(_ context.Context, guestID string) error {
	r.guestExists[guestID] = true
	return nil
}

func (r *fakeRepo) GuestForDevice(_ context.Context, deviceKey string) (string, bool, error) {
	g, ok := r.guests[deviceKey]
	return g, ok, nil
}

func (r *fakeRepo) LinkDevice(_ context.Context, deviceKey, guestID string) error {
	r.guests[deviceKey] = guestID
	return nil
}

func (r *fakeRepo) CreateUser(_ context.Context, row UserRow) error {
	r.users[row.Username] = row
	return nil
}

func (r *fakeRepo) UserByUsername(_ context.Context, username string) (UserRow, bool, error) {
	row, ok := r.users[username]
	return row, ok, nil
}

func (r *fakeRepo) SetMFASecret(_ context.Context, userID, secret string) error {
	for username, row := range r.users {
		if row.ID == userID {
			row.MFASecret = secret
			r.users[username] = row
		}
	}
	return nil
}

func (r *fakeRepo) GuestForUser(_ context.Context, userID string) (string, bool, error) {
	g, ok := r.userGuests[userID]
	return g, ok, nil
}

func (r *fakeRepo) LinkUserGuest(_ context.Context, userID, guestID string) error {
	r.userGuests[userID] = guestID
	return nil
}

func (r *fakeRepo) IsGuestMigrated(_ context.Context, guestID string) (bool, error) {
	for _, g := range r.userGuests {
		if g == guestID {
			return true, nil
		}
	}
	return false, nil
}

func newTestService(t *testing.T, mfaEnabled bool) (*Service, *fakeRepo) {
	t.Helper()
	verifier, err := auth.NewVerifier("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	repo := newFakeRepo()
	clock := fixedClock{t: time.Unix(1_700_000_000, 0)}
	return NewService(repo, verifier, clock, mfaEnabled), repo
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestGuestForDeviceCreatesThenReuses(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()

	first, err := svc.GuestForDevice(ctx, "device-1")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.GuestForDevice(ctx, "device-1")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatalf("expected same guest across calls, got %q vs %q", first, second)
	}
}

func TestRegisterThenLoginRoundTrips(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "hunter2", ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	token, guestID, err := svc.Login(ctx, "alice", "hunter2", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token == "" || guestID == "" {
		t.Fatalf("expected token and guestID, got %q / %q", token, guestID)
	}

	// Logging in again resolves the same guest identity rather than minting
	// a second one.
	_, guestID2, err := svc.Login(ctx, "alice", "hunter2", "")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if guestID2 != guestID {
		t.Fatalf("expected stable guest identity, got %q vs %q", guestID2, guestID)
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "hunter2", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, "alice", "other", ""); err != ErrUsernameTaken {
		t.Fatalf("got %v, want ErrUsernameTaken", err)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()
	svc.Register(ctx, "alice", "hunter2", "")

	if _, _, err := svc.Login(ctx, "alice", "wrong", ""); err != ErrInvalidCreds {
		t.Fatalf("got %v, want ErrInvalidCreds", err)
	}
}

func TestLoginRequiresMFACodeWhenEnrolled(t *testing.T) {
	svc, repo := newTestService(t, true)
	ctx := context.Background()

	result, err := svc.Register(ctx, "alice", "hunter2", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if result.MFASecret == "" {
		t.Fatal("expected an MFA secret to be provisioned")
	}

	if _, _, err := svc.Login(ctx, "alice", "hunter2", ""); err != ErrMFARequired {
		t.Fatalf("got %v, want ErrMFARequired", err)
	}

	if _, _, err := svc.Login(ctx, "alice", "hunter2", "000000"); err != nil && err != ErrMFAInvalid {
		t.Fatalf("got %v, want ErrMFAInvalid or nil", err)
	}

	code, err := totp.GenerateCode(repo.users["alice"].MFASecret, time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice", "hunter2", code); err != nil {
		t.Fatalf("login with valid code: %v", err)
	}
}

func TestRegisterMigratesGuestAndDeviceRequiresLogin(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()

	guestID, err := svc.GuestForDevice(ctx, "device-1")
	if err != nil {
		t.Fatalf("guest for device: %v", err)
	}

	result, err := svc.Register(ctx, "alice", "hunter2", guestID)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if result.GuestID != guestID {
		t.Fatalf("got GuestID %q, want %q", result.GuestID, guestID)
	}

	if _, err := svc.GuestForDevice(ctx, "device-1"); err != ErrGuestMigrated {
		t.Fatalf("got %v, want ErrGuestMigrated", err)
	}
}
