// Package auth implements the stateless HMAC-SHA256 join-token contract:
// a token is "<payloadB64>.<sigB64>" where the payload is a JSON
// {gid, exp} object. Verification recomputes the HMAC, compares in
// constant time, and checks expiry.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Failure is the closed set of auth rejection reasons that cross the wire
// verbatim as the WS error{code} sent when a join is rejected.
type Failure string

const (
	FailureInvalid Failure = "auth_invalid"
	FailureExpired Failure = "auth_expired"
)

func (f Failure) Error() string { return string(f) }

// Claims is the token payload.
type Claims struct {
	GuestID string `json:"gid"`
	ExpMs   int64  `json:"exp"`
}

// Verifier issues and verifies join tokens. The signing key is derived from
// the operator secret via HKDF rather than used directly, so that rotating
// WS_AUTH_SECRET never hands the raw operator-configured secret straight to
// HMAC.
type Verifier struct {
	key []byte
	ttl time.Duration
}

// NewVerifier derives a 32-byte signing key from secret via HKDF-SHA256 and
// returns a Verifier with the given token lifetime.
func NewVerifier(secret string, ttl time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: empty WS_AUTH_SECRET")
	}
	reader := hkdf.New(sha256.New, []byte(secret), []byte("outpost-world-server"), []byte("join-token-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("auth: derive signing key: %w", err)
	}
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	return &Verifier{key: key, ttl: ttl}, nil
}

// Issue mints a token for guestID, valid from now for the verifier's TTL.
func (v *Verifier) Issue(guestID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(v.ttl)
	claims := Claims{GuestID: guestID, ExpMs: exp.UnixMilli()}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sig := v.sign(payloadB64)
	sigB64 := base64.RawURLEncoding.EncodeToString(sig)
	return payloadB64 + "." + sigB64, exp, nil
}

// Verify parses and validates a token, returning the guest ID or a Failure.
func (v *Verifier) Verify(token string, now time.Time) (string, error) {
	dot := strings.IndexByte(token, '.')
	if dot < 0 {
		return "", FailureInvalid
	}
	payloadB64, sigB64 := token[:dot], token[dot+1:]

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return "", FailureInvalid
	}
	expected := v.sign(payloadB64)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return "", FailureInvalid
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return "", FailureInvalid
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", FailureInvalid
	}
	if claims.GuestID == "" {
		return "", FailureInvalid
	}
	if now.UnixMilli() > claims.ExpMs {
		return "", FailureExpired
	}
	return claims.GuestID, nil
}

func (v *Verifier) sign(payloadB64 string) []byte {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}
