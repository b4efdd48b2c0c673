package cloak

// Secret is an immutable container for an obfuscated payload and the nonce
// that was used to produce it.
//
// The nonce is caller-supplied, typically derived from a name hash and a
// timestamp at obfuscation time (see NonceFromName), and must be presented
// unchanged to decode. It seeds every piece of per-call randomness in the
// pipeline — key-stream generation, IV expansion and position permutations —
// so that decoding is a pure function of (data, nonce, pipeline configuration).
type Secret struct {
	data  []byte
	nonce int64
}

// NewSecret creates a Secret from obfuscated bytes and the nonce used to
// produce them. The data slice is copied.
func NewSecret(data []byte, nonce int64) Secret {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Secret{data: buf, nonce: nonce}
}

// Data returns a copy of the obfuscated payload.
func (s Secret) Data() []byte {
	buf := make([]byte, len(s.data))
	copy(buf, s.data)
	return buf
}

// Nonce returns the nonce the payload was obfuscated with.
func (s Secret) Nonce() int64 {
	return s.nonce
}

// Len returns the size of the obfuscated payload in bytes.
func (s Secret) Len() int {
	return len(s.data)
}
