package crypto

// Splitmix is a deterministic 64-bit PRNG (splitmix64). It seeds the shuffle
// permutation and the XOR keystreams, so its output sequence is part of the
// on-the-wire format and must never change for a given format version.
// The standard library generators are not used here because their internal
// algorithms are not guaranteed stable across Go releases.
type Splitmix struct {
	state uint64
}

// NewSplitmix returns a generator seeded with seed.
func NewSplitmix(seed uint64) *Splitmix {
	return &Splitmix{state: seed}
}

// Next returns the next 64-bit value in the stream.
func (s *Splitmix) Next() uint64 {
	s.state += 0x9e3779b97f4a7c15
	z := s.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Intn returns a value in [0, n). n must be > 0.
// Modulo bias is acceptable here: the stream drives obfuscation, not
// cryptographic key material.
func (s *Splitmix) Intn(n int) int {
	return int(s.Next() % uint64(n))
}

// Fill overwrites buf with keystream bytes.
func (s *Splitmix) Fill(buf []byte) {
	var word uint64
	for i := range buf {
		if i%8 == 0 {
			word = s.Next()
		}
		buf[i] = byte(word >> (8 * (i % 8)))
	}
}

// XORKeyStream XORs src with the keystream into dst. dst and src may alias.
func (s *Splitmix) XORKeyStream(dst, src []byte) {
	var word uint64
	for i := range src {
		if i%8 == 0 {
			word = s.Next()
		}
		dst[i] = src[i] ^ byte(word>>(8*(i%8)))
	}
}
