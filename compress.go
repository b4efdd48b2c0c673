package cloak

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"southwinds.dev/cloak/internal/crypto"
)

// compressionCodec wraps a compression scheme as a pipeline step. The
// compressed bytes are XOR-masked with a nonce-keyed stream so the output
// carries no recognisable compression magic, and a length prefix frames the
// payload:
//
//	payload length (4 bytes, big-endian) || masked compressed payload
//
// Decode strips the frame, unmasks and decompresses.
type compressionCodec struct {
	name       string
	compress   func(data []byte) ([]byte, error)
	decompress func(data []byte) ([]byte, error)
}

func newZlibCodec(CodecOptions) (Codec, error) {
	return &compressionCodec{
		name: AlgorithmZlib,
		compress: func(data []byte) ([]byte, error) {
			var buf bytes.Buffer
			w := zlib.NewWriter(&buf)
			if _, err := w.Write(data); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		decompress: func(data []byte) ([]byte, error) {
			r, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			defer r.Close()
			return io.ReadAll(r)
		},
	}, nil
}

func newGzipCodec(CodecOptions) (Codec, error) {
	return &compressionCodec{
		name: AlgorithmGzip,
		compress: func(data []byte) ([]byte, error) {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			if _, err := w.Write(data); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		decompress: func(data []byte) ([]byte, error) {
			r, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			defer r.Close()
			return io.ReadAll(r)
		},
	}, nil
}

func newZstdCodec(CodecOptions) (Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &compressionCodec{
		name: AlgorithmZstd,
		compress: func(data []byte) ([]byte, error) {
			return enc.EncodeAll(data, nil), nil
		},
		decompress: func(data []byte) ([]byte, error) {
			return dec.DecodeAll(data, nil)
		},
	}, nil
}

func (c *compressionCodec) Name() string {
	return c.name
}

func (c *compressionCodec) Encode(data []byte, nonce int64) ([]byte, error) {
	compressed, err := c.compress(data)
	if err != nil {
		return nil, codecErr(c.name, "encode", err)
	}

	out := make([]byte, 4+len(compressed))
	binary.BigEndian.PutUint32(out[:4], uint32(len(compressed)))
	crypto.NewSplitmix(uint64(nonce)^maskSeedTag).XORKeyStream(out[4:], compressed)
	return out, nil
}

func (c *compressionCodec) Decode(data []byte, nonce int64) ([]byte, error) {
	if len(data) < 4 {
		return nil, codecErr(c.name, "decode", fmt.Errorf("payload too short: %d bytes", len(data)))
	}
	payloadLen := int(binary.BigEndian.Uint32(data[:4]))
	if payloadLen != len(data)-4 {
		return nil, codecErr(c.name, "decode",
			fmt.Errorf("payload length mismatch: framed %d, got %d", payloadLen, len(data)-4))
	}

	compressed := make([]byte, payloadLen)
	crypto.NewSplitmix(uint64(nonce)^maskSeedTag).XORKeyStream(compressed, data[4:])

	decompressed, err := c.decompress(compressed)
	if err != nil {
		return nil, codecErr(c.name, "decode", err)
	}
	return decompressed, nil
}
