package cloak

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestEncryptTamperDetection(t *testing.T) {
	for _, name := range []string{AlgorithmAESGCM, AlgorithmChaCha20} {
		t.Run(name, func(t *testing.T) {
			codec, err := NewCodec(name, CodecOptions{})
			if err != nil {
				t.Fatalf("Failed to create codec: %v", err)
			}

			encoded, err := codec.Encode([]byte("api-token"), 42)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			// Flip one bit anywhere in the frame.
			tampered := make([]byte, len(encoded))
			copy(tampered, encoded)
			tampered[len(tampered)/2] ^= 0x01

			if _, err = codec.Decode(tampered, 42); !errors.Is(err, ErrAuthenticationFailed) {
				t.Errorf("Expected ErrAuthenticationFailed after bit flip, got: %v", err)
			}
		})
	}
}

func TestEncryptTruncatedInput(t *testing.T) {
	codec, err := NewCodec(AlgorithmAESGCM, CodecOptions{})
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}

	for _, size := range []int{0, 1, 11, 27} {
		if _, err = codec.Decode(make([]byte, size), 1); !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("Decode of %d-byte input: expected ErrAuthenticationFailed, got %v", size, err)
		}
	}
}

func TestEncryptOutputPolymorphism(t *testing.T) {
	codec, err := NewCodec(AlgorithmChaCha20, CodecOptions{})
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}

	first, err := codec.Encode([]byte("same input"), 42)
	if err != nil {
		t.Fatalf("First encode failed: %v", err)
	}
	time.Sleep(time.Millisecond)
	second, err := codec.Encode([]byte("same input"), 42)
	if err != nil {
		t.Fatalf("Second encode failed: %v", err)
	}

	if bytes.Equal(first, second) {
		t.Error("Repeated encodes with the same nonce produced identical output")
	}
	for _, encoded := range [][]byte{first, second} {
		decoded, err := codec.Decode(encoded, 42)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !bytes.Equal(decoded, []byte("same input")) {
			t.Errorf("Decode returned %q", decoded)
		}
	}
}

func TestEncryptUnsupportedKeySizes(t *testing.T) {
	if _, err := NewCodec(AlgorithmAESGCM, CodecOptions{KeySizeBits: 100}); err == nil {
		t.Error("Expected aes-gcm with 100-bit key to be rejected")
	}
	if _, err := NewCodec(AlgorithmChaCha20, CodecOptions{KeySizeBits: 128}); err == nil {
		t.Error("Expected chacha20-poly1305 with 128-bit key to be rejected")
	}
}

func TestEncryptWithKeyManagerEmbedsVersion(t *testing.T) {
	manager, err := NewKeyManager(KeyManagerOptions{})
	if err != nil {
		t.Fatalf("Failed to create key manager: %v", err)
	}
	defer manager.Close()

	codec, err := NewCodec(AlgorithmAESGCM, CodecOptions{Keys: manager})
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}

	encoded, err := codec.Encode([]byte("payload"), 42)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// First encode mints version 1, framed big-endian in front.
	if encoded[0] != 0 || encoded[1] != 0 || encoded[2] != 0 || encoded[3] != 1 {
		t.Errorf("Expected embedded key version 1, got % x", encoded[:4])
	}

	decoded, err := codec.Decode(encoded, 42)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decoded, []byte("payload")) {
		t.Errorf("Decode returned %q", decoded)
	}
}

func TestEncryptDecodesWithSupersededKey(t *testing.T) {
	manager, err := NewKeyManager(KeyManagerOptions{MaxOldKeys: 2})
	if err != nil {
		t.Fatalf("Failed to create key manager: %v", err)
	}
	defer manager.Close()

	codec, err := NewCodec(AlgorithmChaCha20, CodecOptions{Keys: manager})
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}

	encoded, err := codec.Encode([]byte("old-generation"), 7)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Rotate within the retention window: the old version stays decodable.
	if _, err = manager.GenerateNewKey(7, 256); err != nil {
		t.Fatalf("Rotation failed: %v", err)
	}

	decoded, err := codec.Decode(encoded, 7)
	if err != nil {
		t.Fatalf("Decode after rotation failed: %v", err)
	}
	if !bytes.Equal(decoded, []byte("old-generation")) {
		t.Errorf("Decode returned %q", decoded)
	}
}

func TestEncryptPrunedVersionFailsDecode(t *testing.T) {
	manager, err := NewKeyManager(KeyManagerOptions{MaxOldKeys: 1})
	if err != nil {
		t.Fatalf("Failed to create key manager: %v", err)
	}
	defer manager.Close()

	codec, err := NewCodec(AlgorithmAESGCM, CodecOptions{Keys: manager})
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}

	encoded, err := codec.Encode([]byte("doomed"), 3)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Push version 1 out of the retention window (1 old + 1 current).
	for i := 0; i < 3; i++ {
		if _, err = manager.GenerateNewKey(3, 256); err != nil {
			t.Fatalf("Rotation %d failed: %v", i, err)
		}
	}

	if _, err = codec.Decode(encoded, 3); !errors.Is(err, ErrKeyVersionNotFound) {
		t.Errorf("Expected ErrKeyVersionNotFound for pruned version, got: %v", err)
	}
}
