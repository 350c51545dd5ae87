package identity

import "testing"

func TestHashPasswordRejectsEmpty(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Fatal("expected error hashing empty password")
	}
}

func TestHashAndVerifyPasswordRoundTrips(t *testing.T) {
	hash, err := HashPassword("SecurePass123!")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty hash")
	}
	if hash == "SecurePass123!" {
		t.Fatal("hash must not equal plaintext password")
	}
	if !VerifyPassword(hash, "SecurePass123!") {
		t.Fatal("expected correct password to verify")
	}
	if VerifyPassword(hash, "wrong") {
		t.Fatal("expected wrong password to fail verification")
	}
}
