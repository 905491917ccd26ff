// Package identity implements guest/device bootstrapping and optional
// registered-user accounts: bcrypt password hashing, TOTP/MFA enrollment
// and validation, and join-token issuance once a caller's identity is
// established.
package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/outpostgame/worldserver/internal/auth"
)

var (
	ErrUsernameTaken = errors.New("identity: username taken")
	ErrInvalidCreds  = errors.New("identity: invalid credentials")
	ErrMFARequired   = errors.New("identity: mfa code required")
	ErrMFAInvalid    = errors.New("identity: mfa code invalid")
	// ErrGuestMigrated is returned by GuestForDevice when the device's guest
	// identity has already been claimed by a registered account; the caller
	// must log in instead of continuing as a bare guest.
	ErrGuestMigrated = errors.New("identity: guest migrated, login required")
)

// UserRow is a persisted registered-user account.
type UserRow struct {
	ID           string
	Username     string
	PasswordHash string
	MFASecret    string // empty if MFA was never enrolled
}

// Repo is the persistence contract; internal/store's IdentityRepo
// implements it.
type Repo interface {
	CreateGuest(ctx context.Context, guestID string) error
	GuestForDevice(ctx context.Context, deviceKey string) (string, bool, error)
	LinkDevice(ctx context.Context, deviceKey, guestID string) error
	IsGuestMigrated(ctx context.Context, guestID string) (bool, error)

	CreateUser(ctx context.Context, row UserRow) error
	UserByUsername(ctx context.Context, username string) (UserRow, bool, error)
	SetMFASecret(ctx context.Context, userID, secret string) error
	GuestForUser(ctx context.Context, userID string) (string, bool, error)
	LinkUserGuest(ctx context.Context, userID, guestID string) error
}

// Clock is the minimal time source the service needs.
type Clock interface {
	Now() time.Time
}

// Service implements device-bound guest bootstrapping plus the optional
// registered-account path layered on top of the same guest identity.
type Service struct {
	repo       Repo
	tokens     *auth.Verifier
	clock      Clock
	mfaEnabled bool
	issuer     string
}

func NewService(repo Repo, tokens *auth.Verifier, clock Clock, mfaEnabled bool) *Service {
	return &Service{repo: repo, tokens: tokens, clock: clock, mfaEnabled: mfaEnabled, issuer: "Outpost"}
}

// GuestForDevice returns the guest ID bound to deviceKey, creating both the
// guest and the binding on first contact so a device never loses its
// identity across reinstalls as long as the key is preserved client-side.
// It returns ErrGuestMigrated if that guest's progress has since been
// claimed by a registered account, so the device must log in instead.
func (s *Service) GuestForDevice(ctx context.Context, deviceKey string) (string, error) {
	if guestID, ok, err := s.repo.GuestForDevice(ctx, deviceKey); err != nil {
		return "", err
	} else if ok {
		migrated, err := s.repo.IsGuestMigrated(ctx, guestID)
		if err != nil {
			return "", err
		}
		if migrated {
			return "", ErrGuestMigrated
		}
		return guestID, nil
	}

	guestID := uuid.NewString()
	if err := s.repo.CreateGuest(ctx, guestID); err != nil {
		return "", err
	}
	if err := s.repo.LinkDevice(ctx, deviceKey, guestID); err != nil {
		return "", err
	}
	return guestID, nil
}

// IssueToken mints a join token for guestID.
func (s *Service) IssueToken(guestID string) (string, time.Time, error) {
	return s.tokens.Issue(guestID, s.clock.Now())
}

// RegisterResult carries the enrollment artifacts a caller needs to finish
// MFA setup, when MFA is enabled for this server.
type RegisterResult struct {
	UserID    string
	GuestID   string // the guest identity now owned by this account
	MFASecret string // otpauth secret, empty unless mfaEnabled
	QRCodePNG []byte // QR code image for authenticator app enrollment
}

// Register creates a new user account. When MFA is enabled, it also
// provisions a TOTP secret and stores it on the account, so every later
// Login for that account requires a valid code.
//
// If guestID is non-empty, it names an existing device-bound guest whose
// progress transfers to the new account (that guest is marked migrated, so
// GuestForDevice on its originating device starts requiring login). If
// empty, a fresh guest identity is minted and linked to the account instead.
func (s *Service) Register(ctx context.Context, username, password, guestID string) (RegisterResult, error) {
	if _, ok, err := s.repo.UserByUsername(ctx, username); err != nil {
		return RegisterResult{}, err
	} else if ok {
		return RegisterResult{}, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("identity: hash password: %w", err)
	}

	userID := uuid.NewString()
	row := UserRow{ID: userID, Username: username, PasswordHash: string(hash)}

	result := RegisterResult{UserID: userID}
	if s.mfaEnabled {
		key, err := totp.Generate(totp.GenerateOpts{Issuer: s.issuer, AccountName: username})
		if err != nil {
			return RegisterResult{}, fmt.Errorf("identity: generate totp secret: %w", err)
		}
		row.MFASecret = key.Secret()
		result.MFASecret = key.Secret()
		if png, err := renderQR(key); err == nil {
			result.QRCodePNG = png
		}
	}

	if err := s.repo.CreateUser(ctx, row); err != nil {
		return RegisterResult{}, err
	}

	if guestID == "" {
		guestID = uuid.NewString()
		if err := s.repo.CreateGuest(ctx, guestID); err != nil {
			return RegisterResult{}, err
		}
	}
	if err := s.repo.LinkUserGuest(ctx, userID, guestID); err != nil {
		return RegisterResult{}, err
	}
	result.GuestID = guestID
	return result, nil
}

func renderQR(key *otp.Key) ([]byte, error) {
	img, err := key.Image(256, 256)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Login verifies credentials (and, if the account has MFA enrolled, the
// TOTP code), resolves or creates the guest identity backing this account,
// and issues a join token for it.
func (s *Service) Login(ctx context.Context, username, password, totpCode string) (token, guestID string, err error) {
	user, ok, err := s.repo.UserByUsername(ctx, username)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", ErrInvalidCreds
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", "", ErrInvalidCreds
	}
	if user.MFASecret != "" {
		if totpCode == "" {
			return "", "", ErrMFARequired
		}
		valid, verr := totp.ValidateCustom(totpCode, user.MFASecret, s.clock.Now(), totp.ValidateOpts{
			Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
		})
		if verr != nil || !valid {
			return "", "", ErrMFAInvalid
		}
	}

	guestID, ok, err = s.repo.GuestForUser(ctx, user.ID)
	if err != nil {
		return "", "", err
	}
	if !ok {
		guestID = uuid.NewString()
		if err := s.repo.CreateGuest(ctx, guestID); err != nil {
			return "", "", err
		}
		if err := s.repo.LinkUserGuest(ctx, user.ID, guestID); err != nil {
			return "", "", err
		}
	}

	tok, _, err := s.tokens.Issue(guestID, s.clock.Now())
	if err != nil {
		return "", "", err
	}
	return tok, guestID, nil
}
