package cloak

import (
	"fmt"

	"southwinds.dev/cloak/internal/crypto"
	"southwinds.dev/cloak/internal/misc"
)

// shuffleCodec permutes byte positions with a nonce-seeded Fisher-Yates
// shuffle. The permutation is never stored; decode re-derives the same swap
// sequence from the nonce and replays it backwards. A format version byte is
// framed in front so the keystream algorithm can be evolved later:
//
//	format version (1 byte) || shuffled payload
type shuffleCodec struct{}

func newShuffleCodec(CodecOptions) (Codec, error) {
	return &shuffleCodec{}, nil
}

func (c *shuffleCodec) Name() string {
	return AlgorithmShuffle
}

func (c *shuffleCodec) Encode(data []byte, nonce int64) ([]byte, error) {
	out := make([]byte, 1+len(data))
	out[0] = misc.PermutationFormatVersion
	payload := out[1:]
	copy(payload, data)

	prng := crypto.NewSplitmix(uint64(nonce) ^ shuffleSeedTag)
	for i := len(payload) - 1; i >= 1; i-- {
		j := prng.Intn(i + 1)
		payload[i], payload[j] = payload[j], payload[i]
	}
	return out, nil
}

func (c *shuffleCodec) Decode(data []byte, nonce int64) ([]byte, error) {
	if len(data) < 1 {
		return nil, codecErr(AlgorithmShuffle, "decode", fmt.Errorf("empty payload"))
	}
	if data[0] != misc.PermutationFormatVersion {
		return nil, codecErr(AlgorithmShuffle, "decode",
			fmt.Errorf("unsupported permutation format version %d", data[0]))
	}

	out := make([]byte, len(data)-1)
	copy(out, data[1:])
	if len(out) < 2 {
		return out, nil
	}

	// Regenerate the swap sequence, then undo the swaps in reverse order.
	prng := crypto.NewSplitmix(uint64(nonce) ^ shuffleSeedTag)
	swaps := make([]int, len(out))
	for i := len(out) - 1; i >= 1; i-- {
		swaps[i] = prng.Intn(i + 1)
	}
	for i := 1; i < len(out); i++ {
		j := swaps[i]
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// xorCodec XORs the payload with a nonce-keyed deterministic keystream. The
// transform is an involution, so Encode and Decode are the same operation and
// the payload length never changes.
type xorCodec struct{}

func newXORCodec(CodecOptions) (Codec, error) {
	return &xorCodec{}, nil
}

func (c *xorCodec) Name() string {
	return AlgorithmXOR
}

func (c *xorCodec) Encode(data []byte, nonce int64) ([]byte, error) {
	return c.apply(data, nonce), nil
}

func (c *xorCodec) Decode(data []byte, nonce int64) ([]byte, error) {
	return c.apply(data, nonce), nil
}

func (c *xorCodec) apply(data []byte, nonce int64) []byte {
	out := make([]byte, len(data))
	crypto.NewSplitmix(uint64(nonce)^xorSeedTag).XORKeyStream(out, data)
	return out
}
