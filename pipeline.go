package cloak

import (
	"strings"

	"southwinds.dev/cloak/audit"
)

// Pipeline chains codecs into one reversible transform. Encode applies the
// steps in declaration order, Decode applies their inverses in reverse order,
// and every step sees the same nonce. An empty pipeline is the identity
// transform.
//
// A Pipeline is immutable after construction and safe for concurrent use as
// long as its codecs are (all codecs in this package are).
type Pipeline struct {
	codecs []Codec
	logger audit.Logger
}

// NewPipeline builds a pipeline from codecs, applied left to right on encode.
func NewPipeline(codecs ...Codec) *Pipeline {
	return &Pipeline{codecs: codecs, logger: audit.NewNoOpLogger()}
}

// NewPipelineFromNames builds a pipeline by resolving algorithm names through
// the codec registry, all sharing opts.
func NewPipelineFromNames(names []string, opts CodecOptions) (*Pipeline, error) {
	codecs := make([]Codec, 0, len(names))
	for _, name := range names {
		codec, err := NewCodec(name, opts)
		if err != nil {
			return nil, err
		}
		codecs = append(codecs, codec)
	}
	return NewPipeline(codecs...), nil
}

// WithAudit returns a copy of the pipeline that records obfuscate and
// deobfuscate operations to logger. Audit failures never fail the operation.
func (p *Pipeline) WithAudit(logger audit.Logger) *Pipeline {
	if logger == nil {
		logger = audit.NewNoOpLogger()
	}
	return &Pipeline{codecs: p.codecs, logger: logger}
}

// Steps returns the algorithm names in encode order.
func (p *Pipeline) Steps() []string {
	names := make([]string, len(p.codecs))
	for i, c := range p.codecs {
		names[i] = c.Name()
	}
	return names
}

// Encode runs the forward transform over data. The first failing step aborts
// the chain and its error is returned unchanged.
func (p *Pipeline) Encode(data []byte, nonce int64) ([]byte, error) {
	out := data
	for _, codec := range p.codecs {
		var err error
		out, err = codec.Encode(out, nonce)
		if err != nil {
			p.logOp("obfuscate", false, len(data), err)
			return nil, err
		}
	}
	p.logOp("obfuscate", true, len(data), nil)
	return out, nil
}

// Decode runs the inverse transform over data, undoing the steps in reverse
// order with the nonce that was used to encode.
func (p *Pipeline) Decode(data []byte, nonce int64) ([]byte, error) {
	out := data
	for i := len(p.codecs) - 1; i >= 0; i-- {
		var err error
		out, err = p.codecs[i].Decode(out, nonce)
		if err != nil {
			p.logOp("deobfuscate", false, len(data), err)
			return nil, err
		}
	}
	p.logOp("deobfuscate", true, len(data), nil)
	return out, nil
}

// Obfuscate encodes data and wraps the result and nonce into a Secret.
func (p *Pipeline) Obfuscate(data []byte, nonce int64) (Secret, error) {
	encoded, err := p.Encode(data, nonce)
	if err != nil {
		return Secret{}, err
	}
	return NewSecret(encoded, nonce), nil
}

// Reveal decodes a Secret back to its original bytes.
func (p *Pipeline) Reveal(secret Secret) ([]byte, error) {
	return p.Decode(secret.Data(), secret.Nonce())
}

// logOp records one pipeline operation. Payload bytes are never logged, only
// the step list and input size.
func (p *Pipeline) logOp(action string, success bool, size int, opErr error) {
	metadata := map[string]interface{}{
		"steps":      strings.Join(p.Steps(), ","),
		"input_size": size,
	}
	if opErr != nil {
		metadata["error"] = opErr.Error()
	}
	_ = p.logger.Log(action, success, metadata)
}
