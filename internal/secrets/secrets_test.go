package secrets

import "testing"

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	b := NewBox("a-test-secret", nil)

	ciphertext, err := b.Encrypt("super-secret-token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	plaintext, err := b.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plaintext != "super-secret-token" {
		t.Errorf("plaintext = %q, want %q", plaintext, "super-secret-token")
	}
}

func TestEncrypt_ProducesThreePartFormat(t *testing.T) {
	b := NewBox("a-test-secret", nil)
	ciphertext, err := b.Encrypt("x")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	parts := 1
	for _, c := range ciphertext {
		if c == '.' {
			parts++
		}
	}
	if parts != 3 {
		t.Errorf("ciphertext has %d dot-separated parts, want 3 (iv.tag.ciphertext)", parts)
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	b1 := NewBox("secret-one", nil)
	b2 := NewBox("secret-two", nil)

	ciphertext, err := b1.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := b2.Decrypt(ciphertext); err == nil {
		t.Errorf("Decrypt() with the wrong key succeeded, want an authentication error")
	}
}

func TestDecrypt_MalformedInputFails(t *testing.T) {
	b := NewBox("secret", nil)
	if _, err := b.Decrypt("not-a-valid-token"); err == nil {
		t.Errorf("Decrypt() on malformed input succeeded, want an error")
	}
}

func TestNewBox_EmptySecretFallsBackToDevKey(t *testing.T) {
	b1 := NewBox("", nil)
	b2 := NewBox("", nil)

	ciphertext, err := b1.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	// Both boxes fall back to the same well-known dev key, so either can
	// decrypt the other's ciphertext.
	plaintext, err := b2.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plaintext != "payload" {
		t.Errorf("plaintext = %q, want %q", plaintext, "payload")
	}
}
