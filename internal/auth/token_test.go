package auth

import (
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	v, err := NewVerifier("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	token, _, err := v.Issue("guest-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	gid, err := v.Verify(token, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if gid != "guest-1" {
		t.Fatalf("got guest %q, want guest-1", gid)
	}
}

func TestVerifyExpired(t *testing.T) {
	v, _ := NewVerifier("test-secret", time.Minute)
	now := time.Unix(1_700_000_000, 0)
	token, _, _ := v.Issue("guest-1", now)

	_, err := v.Verify(token, now.Add(2*time.Minute))
	if err != FailureExpired {
		t.Fatalf("got %v, want %v", err, FailureExpired)
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	v, _ := NewVerifier("test-secret", time.Hour)
	now := time.Unix(1_700_000_000, 0)
	token, _, _ := v.Issue("guest-1", now)

	tampered := token[:len(token)-1] + "x"
	if tampered == token {
		t.Fatal("mutation produced identical token")
	}
	_, err := v.Verify(tampered, now)
	if err != FailureInvalid {
		t.Fatalf("got %v, want %v", err, FailureInvalid)
	}
}

func TestVerifyDifferentSecret(t *testing.T) {
	a, _ := NewVerifier("secret-a", time.Hour)
	b, _ := NewVerifier("secret-b", time.Hour)
	now := time.Unix(1_700_000_000, 0)

	token, _, _ := a.Issue("guest-1", now)
	if _, err := b.Verify(token, now); err != FailureInvalid {
		t.Fatalf("got %v, want %v", err, FailureInvalid)
	}
}

func TestVerifyMalformed(t *testing.T) {
	v, _ := NewVerifier("test-secret", time.Hour)
	now := time.Unix(1_700_000_000, 0)

	cases := []string{"", "no-dot-here", "abc.", ".abc", "!!!.!!!"}
	for _, c := range cases {
		if _, err := v.Verify(c, now); err != FailureInvalid {
			t.Errorf("Verify(%q) = %v, want %v", c, err, FailureInvalid)
		}
	}
}
