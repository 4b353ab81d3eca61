package user

import (
	"strings"
	"testing"
)

func TestValidateTokenRoundTrip(t *testing.T) {
	s := NewService(nil, "test-secret")

	token, err := s.issueToken("alice", "member")
	if err != nil {
		t.Fatal(err)
	}

	identity, role, err := s.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if identity != "alice" || role != "member" {
		t.Errorf("claims = (%s, %s), want (alice, member)", identity, role)
	}
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	s := NewService(nil, "test-secret")
	token, err := s.issueToken("alice", "member")
	if err != nil {
		t.Fatal(err)
	}

	// Flip a character in the signature segment.
	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	parts[2] = string(sig)

	if _, _, err := s.ValidateToken(strings.Join(parts, ".")); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewService(nil, "secret-a")
	verifier := NewService(nil, "secret-b")

	token, err := issuer.issueToken("alice", "member")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := verifier.ValidateToken(token); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
}
