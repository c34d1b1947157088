package savedmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/tfconv/internal/tfproto"
)

func signatures(keys ...string) map[string]*Signature {
	m := make(map[string]*Signature, len(keys))
	for _, k := range keys {
		m[k] = &Signature{Key: k, Def: &tfproto.SignatureDef{}}
	}
	return m
}

func TestPolicy_Resolve(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		keys   []string
		want   string
	}{
		{"serving_default wins over everything", DefaultPolicy, []string{"infer", "a", "serving_default"}, "serving_default"},
		{"infer when serving_default is absent", DefaultPolicy, []string{"predict", "infer"}, "infer"},
		{"first by name as last resort", DefaultPolicy, []string{"zeta", "beta", "alpha"}, "alpha"},
		{"single signature", DefaultPolicy, []string{"call"}, "call"},
		{"injected ranking", Policy{"predict", "serving_default"}, []string{"serving_default", "predict"}, "predict"},
		{"empty ranking falls back to name order", nil, []string{"b", "a"}, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := tt.policy.Resolve(signatures(tt.keys...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, sig.Key)
		})
	}
}

func TestPolicy_ResolveIsReproducible(t *testing.T) {
	sigs := signatures("c", "b", "a", "d")
	for range 20 {
		sig, err := DefaultPolicy.Resolve(sigs)
		require.NoError(t, err)
		assert.Equal(t, "a", sig.Key)
	}
}

func TestPolicy_ResolveEmpty(t *testing.T) {
	_, err := DefaultPolicy.Resolve(nil)

	var nse *NoSignatureError
	require.ErrorAs(t, err, &nse)
	assert.Equal(t, []string{"serving_default", "infer"}, nse.Candidates)
}

func TestSignature_SortedArguments(t *testing.T) {
	sig := &Signature{Key: "s", Def: &tfproto.SignatureDef{
		Inputs: map[string]*tfproto.TensorInfo{
			"b": {Name: "b:0"},
			"a": {Name: "a:0"},
		},
		Outputs: map[string]*tfproto.TensorInfo{"out": {Name: "y:0"}},
	}}

	inputs := sig.Inputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, "a", inputs[0].Key)
	assert.Equal(t, "b:0", inputs[1].Info.Name)
	assert.Equal(t, "y:0", sig.Outputs()[0].Info.Name)
}
