package backup

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dukerupert/portal/internal/secret"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	original := []byte("SQLite format 3\x00 portal snapshot")
	passphrase := "test-passphrase-123"

	encrypted, err := Encrypt(original, passphrase)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(encrypted, original) {
		t.Error("encrypted content should not contain the plaintext")
	}
	if len(encrypted) <= secret.SaltSize+nonceSize {
		t.Errorf("encrypted length = %d, want header plus ciphertext", len(encrypted))
	}

	decrypted, err := Decrypt(encrypted, passphrase)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, original) {
		t.Errorf("decrypted = %q, want %q", decrypted, original)
	}
}

func TestEncryptUsesFreshSalt(t *testing.T) {
	a, err := Encrypt([]byte("same"), "pass")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := Encrypt([]byte("same"), "pass")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(a[:secret.SaltSize], b[:secret.SaltSize]) {
		t.Error("two backups should not share a salt")
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := Encrypt([]byte("secret data"), "correct")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(encrypted, "wrong"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptTampered(t *testing.T) {
	encrypted, err := Encrypt([]byte("secret data"), "pass")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	encrypted[len(encrypted)-1] ^= 0xff
	if _, err := Decrypt(encrypted, "pass"); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestDecryptTooSmall(t *testing.T) {
	_, err := Decrypt([]byte("short"), "pass")
	if !errors.Is(err, ErrTooSmall) {
		t.Errorf("err = %v, want %v", err, ErrTooSmall)
	}
}
