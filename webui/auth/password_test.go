package auth

import (
	"errors"
	"testing"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := HashPasswordWithCost("correct horse", MinCost)
	if err != nil {
		t.Fatalf("HashPasswordWithCost: %v", err)
	}
	if !IsValidHash(hash) {
		t.Errorf("IsValidHash(%q) = false", hash)
	}

	tests := []struct {
		name     string
		password string
		hash     string
		wantErr  error
	}{
		{"match", "correct horse", hash, nil},
		{"mismatch", "battery staple", hash, ErrPasswordMismatch},
		{"empty password", "", hash, ErrEmptyPassword},
		{"empty hash", "correct horse", "", ErrInvalidHash},
		{"garbage hash", "correct horse", "not-a-hash", ErrPasswordMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPassword(tt.password, tt.hash)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyPassword = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHashPasswordWithCost_Invalid(t *testing.T) {
	if _, err := HashPasswordWithCost("", MinCost); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("empty password: err = %v", err)
	}
	if _, err := HashPasswordWithCost("pw", 100); err == nil {
		t.Error("cost 100: expected error")
	}
}

func TestIsValidHash(t *testing.T) {
	if IsValidHash("") || IsValidHash("plain") {
		t.Error("IsValidHash accepted a non-bcrypt string")
	}
}
