package cloak

import (
	"errors"
	"fmt"
)

// Sentinel errors raised by the obfuscation pipeline and the key manager.
// Codec- and key-level errors propagate synchronously to the immediate
// caller; expiry and rotation failures are reported as statuses and events
// instead (see ExpirableSecret and RotationManager).
var (
	// ErrAuthenticationFailed indicates an AEAD authentication-tag mismatch
	// during decode. Partially decrypted data is never returned.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrSecretExpired indicates a read of a hard-expired secret's value.
	ErrSecretExpired = errors.New("secret has hard-expired")

	// ErrNoActiveKey indicates an operation required an active versioned key
	// and none exists.
	ErrNoActiveKey = errors.New("no active key available")

	// ErrKeyVersionNotFound indicates a decode referenced a key version that
	// is no longer retained.
	ErrKeyVersionNotFound = errors.New("key version not found")

	// ErrUnknownAlgorithm indicates an algorithm name with no registered codec.
	ErrUnknownAlgorithm = errors.New("unknown algorithm")

	// ErrUnknownKDF indicates an unsupported key derivation function name.
	// Raised at construction time, never at derivation time.
	ErrUnknownKDF = errors.New("unknown key derivation function")

	// ErrManagerClosed indicates an operation on a closed RotationManager.
	ErrManagerClosed = errors.New("rotation manager is closed")
)

// CodecError wraps a failure inside a single pipeline step, identifying the
// step by algorithm name. Any CodecError aborts the whole encode or decode.
type CodecError struct {
	Algorithm string
	Op        string // "encode" or "decode"
	Err       error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Algorithm, e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func codecErr(algorithm, op string, err error) *CodecError {
	return &CodecError{Algorithm: algorithm, Op: op, Err: err}
}
