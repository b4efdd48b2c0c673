package misc

const (
	// PermutationFormatVersion identifies the PRNG stream used by the shuffle
	// codec. Bump only together with a change to the keystream algorithm.
	PermutationFormatVersion = 1

	// PBKDF2Iterations is the default HMAC-SHA-256 iteration count.
	PBKDF2Iterations = 100000

	// Scrypt cost parameters (fixed, see RFC 7914 recommendations)
	ScryptN = 16384
	ScryptR = 8
	ScryptP = 1

	// ArgonTime Key derivation parameters for passphrase-protected stores
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	SaltSize = 16

	// DefaultKeySizeBits is the symmetric key size used when none is configured.
	DefaultKeySizeBits = 256

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
