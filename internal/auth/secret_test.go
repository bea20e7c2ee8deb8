package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := HashSecret("hunter2-but-longer")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if !strings.HasPrefix(hash, "pbkdf2$sha256$") {
		t.Fatalf("unexpected hash format: %q", hash)
	}
	if err := VerifySecret(hash, "hunter2-but-longer"); err != nil {
		t.Fatalf("VerifySecret: %v", err)
	}
	if err := VerifySecret(hash, "wrong"); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

func TestHashSecretRequiresValue(t *testing.T) {
	if _, err := HashSecret("  "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

func TestVerifySecretRejectsMalformedHashes(t *testing.T) {
	cases := []string{
		"",
		"plaintext",
		"bcrypt$sha256$1$a$b",
		"pbkdf2$sha256$zero$a$b",
		"pbkdf2$sha256$1000$!!$b",
	}
	for _, hash := range cases {
		if err := VerifySecret(hash, "anything"); err == nil {
			t.Fatalf("expected error for hash %q", hash)
		}
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"BEARER  spaced ", "spaced"},
		{"Basic abc123", ""},
		{"", ""},
		{"Bearer", ""},
	}
	for _, tc := range cases {
		if got := BearerToken(tc.header); got != tc.want {
			t.Fatalf("BearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}
