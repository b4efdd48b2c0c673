package crypto

import (
	"bytes"
	"testing"
)

func TestDerivationIsDeterministic(t *testing.T) {
	password := []byte("password-material")
	salt := []byte("0123456789abcdef")

	a := DerivePBKDF2(password, salt, 1000, 32)
	b := DerivePBKDF2(password, salt, 1000, 32)
	if !bytes.Equal(a, b) {
		t.Error("PBKDF2 is not deterministic")
	}

	c, err := DeriveScrypt(password, salt, 32)
	if err != nil {
		t.Fatalf("Scrypt failed: %v", err)
	}
	d, err := DeriveScrypt(password, salt, 32)
	if err != nil {
		t.Fatalf("Scrypt failed: %v", err)
	}
	if !bytes.Equal(c, d) {
		t.Error("Scrypt is not deterministic")
	}

	e := DeriveArgon2(password, salt, 32)
	f := DeriveArgon2(password, salt, 32)
	if !bytes.Equal(e, f) {
		t.Error("Argon2 is not deterministic")
	}

	if bytes.Equal(a, c) || bytes.Equal(a, e) || bytes.Equal(c, e) {
		t.Error("Different KDFs derived identical keys")
	}
}

func TestPassphraseEncryptionRoundTrip(t *testing.T) {
	data := []byte("key material to protect at rest")

	encrypted, err := EncryptWithPassphrase(data, "correct horse")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(encrypted, data) {
		t.Error("Ciphertext contains the plaintext")
	}

	decrypted, err := DecryptWithPassphrase(encrypted, "correct horse")
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, data) {
		t.Error("Round trip changed the data")
	}

	if _, err = DecryptWithPassphrase(encrypted, "wrong passphrase"); err == nil {
		t.Error("Decryption with the wrong passphrase succeeded")
	}
	if _, err = DecryptWithPassphrase(encrypted[:10], "correct horse"); err == nil {
		t.Error("Decryption of a truncated blob succeeded")
	}
}

func TestEncryptWithPassphraseRejectsTampering(t *testing.T) {
	encrypted, err := EncryptWithPassphrase([]byte("key material"), "correct horse")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	encrypted[len(encrypted)-1] ^= 0x01
	if _, err = DecryptWithPassphrase(encrypted, "correct horse"); err == nil {
		t.Error("Tampered ciphertext decrypted")
	}
}

func TestIsWeakKey(t *testing.T) {
	weak := [][]byte{
		{},
		make([]byte, 8),  // too short
		make([]byte, 32), // all zero
		bytes.Repeat([]byte{0x5a}, 32),                  // single byte
		bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 8), // tiny alphabet
	}
	for i, key := range weak {
		if !IsWeakKey(key) {
			t.Errorf("Weak key %d not detected", i)
		}
	}

	strong := DerivePBKDF2([]byte("p"), []byte("0123456789abcdef"), 1000, 32)
	if IsWeakKey(strong) {
		t.Error("Derived key flagged as weak")
	}
}
