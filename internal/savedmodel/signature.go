package savedmodel

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/ekisa-team/tfconv/internal/tfproto"
)

const (
	// SignatureServingDefault is the key Keras and tf.saved_model export by default.
	SignatureServingDefault = "serving_default"

	// SignatureInfer is the key commonly used for hand-written tf.functions.
	SignatureInfer = "infer"
)

// Signature is a named entry point of a loaded model.
type Signature struct {
	Key string
	Def *tfproto.SignatureDef
}

// NamedTensor is a signature argument bound to a graph tensor.
type NamedTensor struct {
	Key  string
	Info *tfproto.TensorInfo
}

// Inputs returns the signature inputs sorted by key.
func (s *Signature) Inputs() []NamedTensor {
	return namedTensors(s.Def.Inputs)
}

// Outputs returns the signature outputs sorted by key.
func (s *Signature) Outputs() []NamedTensor {
	return namedTensors(s.Def.Outputs)
}

func namedTensors(m map[string]*tfproto.TensorInfo) []NamedTensor {
	out := make([]NamedTensor, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, NamedTensor{Key: k, Info: m[k]})
	}
	return out
}

// Policy is a ranked list of signature keys to try.
type Policy []string

// DefaultPolicy prefers serving_default, then infer.
var DefaultPolicy = Policy{SignatureServingDefault, SignatureInfer}

// Resolve picks exactly one signature. The first ranked key present wins;
// otherwise the lexicographically smallest key is used so the choice is
// reproducible. An empty mapping yields a *NoSignatureError.
func (p Policy) Resolve(signatures map[string]*Signature) (*Signature, error) {
	if len(signatures) == 0 {
		return nil, &NoSignatureError{Candidates: p}
	}

	for _, key := range p {
		if sig, ok := signatures[key]; ok {
			return sig, nil
		}
		slog.Debug("Signature not present, trying next", "signature", key)
	}

	keys := slices.Sorted(maps.Keys(signatures))
	slog.Warn("No ranked signature found, falling back to first by name",
		"ranked", []string(p),
		"available", keys,
		"selected", keys[0],
	)

	return signatures[keys[0]], nil
}
