package cloak

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"

	"southwinds.dev/cloak/internal/crypto"
)

// aeadCodec implements authenticated encryption as a pipeline step. Both
// registered AEAD algorithms share it and differ only in cipher construction.
//
// Output layout without a key manager:
//
//	iv || ciphertext+tag
//
// With a key manager attached, a big-endian key version is framed in front so
// decode can resolve the right retained key:
//
//	version (4 bytes) || iv || ciphertext+tag
//
// The IV is expanded from the nonce XOR the wall clock, which keeps repeated
// encodes of the same plaintext from producing identical ciphertext. Decode
// never needs to reconstruct the IV; it reads it back from the frame.
type aeadCodec struct {
	name    string
	keyLen  int
	newAEAD func(key []byte) (cipher.AEAD, error)
	keys    *KeyManager
	kdf     KDFConfig
}

func newAESGCMCodec(opts CodecOptions) (Codec, error) {
	switch opts.KeySizeBits {
	case 128, 192, 256:
	default:
		return nil, fmt.Errorf("aes-gcm: unsupported key size %d bits", opts.KeySizeBits)
	}
	return &aeadCodec{
		name:   AlgorithmAESGCM,
		keyLen: opts.KeySizeBits / 8,
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
		keys: opts.Keys,
		kdf:  opts.KDF,
	}, nil
}

func newChaCha20Codec(opts CodecOptions) (Codec, error) {
	if opts.KeySizeBits != 256 {
		return nil, fmt.Errorf("chacha20-poly1305: unsupported key size %d bits", opts.KeySizeBits)
	}
	return &aeadCodec{
		name:    AlgorithmChaCha20,
		keyLen:  chacha20poly1305.KeySize,
		newAEAD: chacha20poly1305.New,
		keys:    opts.Keys,
		kdf:     opts.KDF,
	}, nil
}

func (c *aeadCodec) Name() string {
	return c.name
}

func (c *aeadCodec) Encode(data []byte, nonce int64) ([]byte, error) {
	key, version, err := c.encodeKey(nonce)
	if err != nil {
		return nil, codecErr(c.name, "encode", err)
	}
	defer memguard.WipeBytes(key)

	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, codecErr(c.name, "encode", err)
	}

	iv := make([]byte, aead.NonceSize())
	crypto.NewSplitmix(uint64(nonce) ^ uint64(time.Now().UnixNano())).Fill(iv)

	ciphertext := aead.Seal(nil, iv, data, nil)

	if c.keys == nil {
		out := make([]byte, len(iv)+len(ciphertext))
		copy(out, iv)
		copy(out[len(iv):], ciphertext)
		return out, nil
	}

	out := make([]byte, 4+len(iv)+len(ciphertext))
	binary.BigEndian.PutUint32(out[:4], version)
	copy(out[4:], iv)
	copy(out[4+len(iv):], ciphertext)
	return out, nil
}

func (c *aeadCodec) Decode(data []byte, nonce int64) ([]byte, error) {
	payload := data
	var version uint32
	if c.keys != nil {
		if len(payload) < 4 {
			return nil, codecErr(c.name, "decode", ErrAuthenticationFailed)
		}
		version = binary.BigEndian.Uint32(payload[:4])
		payload = payload[4:]
	}

	key, err := c.decodeKey(nonce, version)
	if err != nil {
		return nil, codecErr(c.name, "decode", err)
	}
	defer memguard.WipeBytes(key)

	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, codecErr(c.name, "decode", err)
	}

	if len(payload) < aead.NonceSize()+aead.Overhead() {
		return nil, codecErr(c.name, "decode", ErrAuthenticationFailed)
	}

	iv := payload[:aead.NonceSize()]
	ciphertext := payload[aead.NonceSize():]

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		// No partial plaintext ever leaves this point.
		return nil, codecErr(c.name, "decode", ErrAuthenticationFailed)
	}
	return plaintext, nil
}

// encodeKey resolves the encryption key for an encode call. With a key
// manager attached it triggers a due rotation first, then uses the current
// key; detached codecs derive the key from the nonce.
func (c *aeadCodec) encodeKey(nonce int64) ([]byte, uint32, error) {
	if c.keys == nil {
		key, err := c.kdf.deriveNonceKey(nonce, c.keyLen)
		return key, 0, err
	}

	if _, err := c.keys.RotateIfNeeded(nonce, c.keyLen*8); err != nil {
		return nil, 0, err
	}
	vk, ok := c.keys.CurrentKey()
	if !ok {
		return nil, 0, ErrNoActiveKey
	}
	return vk.Key, vk.Version, nil
}

func (c *aeadCodec) decodeKey(nonce int64, version uint32) ([]byte, error) {
	if c.keys == nil {
		return c.kdf.deriveNonceKey(nonce, c.keyLen)
	}

	vk, ok := c.keys.KeyByVersion(version)
	if !ok {
		return nil, fmt.Errorf("%w: version %d", ErrKeyVersionNotFound, version)
	}
	return vk.Key, nil
}
