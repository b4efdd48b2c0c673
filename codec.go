package cloak

import (
	"fmt"
	"sort"
)

// Codec is one reversible byte transform inside a Pipeline.
//
// For all byte sequences d and nonces n, Decode(Encode(d, n), n) == d.
// Encode is not required to be deterministic: AEAD codecs mix wall-clock time
// into their IV expansion so repeated calls with the same inputs produce
// different bytes. Decode relies only on what the codec framed into its own
// output, never on neighbouring steps.
type Codec interface {
	// Name returns the stable algorithm name the codec is registered under.
	Name() string

	// Encode transforms data forward. The nonce seeds all per-call randomness.
	Encode(data []byte, nonce int64) ([]byte, error)

	// Decode inverts Encode given the same nonce.
	Decode(data []byte, nonce int64) ([]byte, error)
}

// CodecOptions carries the static configuration shared by codec constructors.
type CodecOptions struct {
	// Keys, when set, attaches encryption codecs to a KeyManager: encode uses
	// the current versioned key (rotating it first if due) and embeds the
	// version, decode resolves the embedded version. When nil, encryption
	// keys are derived from the nonce alone.
	Keys *KeyManager

	// KDF configures nonce-based key derivation for detached encryption
	// codecs. Zero value means DefaultKDFConfig.
	KDF KDFConfig

	// KeySizeBits is the symmetric key size for encryption codecs.
	// Zero means 256.
	KeySizeBits int
}

// Per-codec seed tags keep the deterministic keystreams of different codecs
// in the same pipeline from cancelling each other out.
const (
	xorSeedTag     uint64 = 0x78f0c1d2a5b4e697 // xor codec keystream
	maskSeedTag    uint64 = 0x3c5a96e1d2b4f708 // compression polymorphic mask
	shuffleSeedTag uint64 = 0xd1e8f4a2c3b5a697 // shuffle permutation stream
)

type codecFactory func(opts CodecOptions) (Codec, error)

// codecRegistry maps stable algorithm names to factories. The configuration
// layer resolves textual pipeline specs against these names.
var codecRegistry = map[string]codecFactory{
	AlgorithmAESGCM:   newAESGCMCodec,
	AlgorithmChaCha20: newChaCha20Codec,
	AlgorithmZlib:     newZlibCodec,
	AlgorithmGzip:     newGzipCodec,
	AlgorithmZstd:     newZstdCodec,
	AlgorithmShuffle:  newShuffleCodec,
	AlgorithmXOR:      newXORCodec,
}

// codecAliases routes unavailable LZ-family scheme names to a supported codec
// with comparable characteristics.
var codecAliases = map[string]string{
	"lz4":     AlgorithmZstd,
	"lzma":    AlgorithmZstd,
	"snappy":  AlgorithmZstd,
	"deflate": AlgorithmZlib,
	"bzip2":   AlgorithmGzip,
}

// Stable algorithm names.
const (
	AlgorithmAESGCM   = "aes-256-gcm"
	AlgorithmChaCha20 = "chacha20-poly1305"
	AlgorithmZlib     = "zlib"
	AlgorithmGzip     = "gzip"
	AlgorithmZstd     = "zstd"
	AlgorithmShuffle  = "shuffle"
	AlgorithmXOR      = "xor"
)

// NewCodec resolves an algorithm name to a concrete codec.
// Unknown names return ErrUnknownAlgorithm.
func NewCodec(name string, opts CodecOptions) (Codec, error) {
	resolved := name
	if target, ok := codecAliases[name]; ok {
		resolved = target
	}

	factory, ok := codecRegistry[resolved]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, name)
	}

	if opts.KeySizeBits == 0 {
		opts.KeySizeBits = 256
	}
	if opts.KDF.Name == "" {
		opts.KDF = DefaultKDFConfig()
	}
	if err := opts.KDF.Validate(); err != nil {
		return nil, err
	}

	return factory(opts)
}

// SupportedAlgorithms returns the registered algorithm names, sorted.
// Alias names are not included.
func SupportedAlgorithms() []string {
	names := make([]string, 0, len(codecRegistry))
	for name := range codecRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
