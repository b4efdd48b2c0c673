package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"southwinds.dev/cloak/internal/misc"
)

// DerivePBKDF2 derives keyLen bytes from password and salt using
// PBKDF2-HMAC-SHA-256. Deterministic for identical inputs.
func DerivePBKDF2(password, salt []byte, iterations, keyLen int) []byte {
	if iterations <= 0 {
		iterations = misc.PBKDF2Iterations
	}
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}

// DeriveScrypt derives keyLen bytes from password and salt using scrypt with
// the fixed cost parameters from internal/misc. Deterministic for identical inputs.
func DeriveScrypt(password, salt []byte, keyLen int) ([]byte, error) {
	key, err := scrypt.Key(password, salt, misc.ScryptN, misc.ScryptR, misc.ScryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt derivation failed: %w", err)
	}
	return key, nil
}

// DeriveArgon2 derives keyLen bytes from password and salt using argon2id
// with the fixed cost parameters from internal/misc. Deterministic for
// identical inputs.
func DeriveArgon2(password, salt []byte, keyLen int) []byte {
	if keyLen <= 0 {
		keyLen = int(misc.ArgonKeyLen)
	}
	return argon2.IDKey(
		password,
		salt,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		uint32(keyLen),
	)
}

// EncryptWithPassphrase encrypts data using a passphrase with PBKDF2 + ChaCha20-Poly1305.
// Output layout: salt || nonce || ciphertext+tag.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := DerivePBKDF2([]byte(passphrase), salt, misc.PBKDF2Iterations, chacha20poly1305.KeySize)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	result := make([]byte, len(salt)+len(nonce)+len(ciphertext))
	copy(result[:len(salt)], salt)
	copy(result[len(salt):len(salt)+len(nonce)], nonce)
	copy(result[len(salt)+len(nonce):], ciphertext)

	return result, nil
}

// DecryptWithPassphrase decrypts data produced by EncryptWithPassphrase.
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < misc.SaltSize+chacha20poly1305.NonceSize {
		return nil, errors.New("encrypted data too short")
	}

	salt := encryptedData[:misc.SaltSize]
	nonce := encryptedData[misc.SaltSize : misc.SaltSize+chacha20poly1305.NonceSize]
	ciphertext := encryptedData[misc.SaltSize+chacha20poly1305.NonceSize:]

	key := DerivePBKDF2([]byte(passphrase), salt, misc.PBKDF2Iterations, chacha20poly1305.KeySize)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func IsWeakKey(key []byte) bool {
	if len(key) < 16 {
		return true
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	return len(uniqueBytes) < len(key)/2
}
