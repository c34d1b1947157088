package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/tfconv/internal/tfproto"
)

func writeBundle(t *testing.T, tensors map[string]*tfproto.Tensor) string {
	t.Helper()

	prefix := filepath.Join(t.TempDir(), "variables", "variables")
	w := NewWriter(prefix)
	for k, v := range tensors {
		require.NoError(t, w.Add(k, v))
	}
	require.NoError(t, w.Finish())

	return prefix
}

func TestReader_ReadsTensors(t *testing.T) {
	prefix := writeBundle(t, map[string]*tfproto.Tensor{
		"dense/kernel": tfproto.NewFloatTensor([]int64{2, 2}, []float32{1, 2, 3, 4}),
		"dense/bias":   tfproto.NewFloatTensor([]int64{2}, []float32{0.5, -0.5}),
		"step":         tfproto.NewInt32Tensor(nil, []int32{42}),
	})

	r, err := Open(prefix)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int32(1), r.NumShards())

	keys, err := r.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"dense/bias", "dense/kernel", "step"}, keys)

	kernel, err := r.Tensor("dense/kernel")
	require.NoError(t, err)
	assert.Equal(t, tfproto.DTFloat, kernel.DType)
	assert.Equal(t, []int64{2, 2}, kernel.Shape.Dims)
	vals, err := kernel.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, vals)

	step, err := r.Tensor("step")
	require.NoError(t, err)
	ints, err := step.Ints()
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, ints)
}

func TestReader_MissingKey(t *testing.T) {
	prefix := writeBundle(t, map[string]*tfproto.Tensor{
		"a": tfproto.NewFloatTensor([]int64{1}, []float32{1}),
	})

	r, err := Open(prefix)
	require.NoError(t, err)
	defer r.Close()

	assert.False(t, r.Has("b"))
	_, err = r.Tensor("b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReader_DetectsCorruptData(t *testing.T) {
	prefix := writeBundle(t, map[string]*tfproto.Tensor{
		"a": tfproto.NewFloatTensor([]int64{2}, []float32{1, 2}),
	})

	data := DataPath(prefix, 0, 1)
	raw, err := os.ReadFile(data)
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, os.WriteFile(data, raw, 0o644))

	r, err := Open(prefix)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Tensor("a")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpen_MissingIndex(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "variables"))
	assert.Error(t, err)
}

func TestOpen_GarbageIndex(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "variables")
	require.NoError(t, os.WriteFile(IndexPath(prefix), []byte("not a table"), 0o644))

	_, err := Open(prefix)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReader_VariableKeys(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "variables")
	w := NewWriter(prefix)
	require.NoError(t, w.Add("layer-0/kernel/.ATTRIBUTES/VARIABLE_VALUE", tfproto.NewFloatTensor([]int64{1}, []float32{3})))
	require.NoError(t, w.AddObjectGraph(&tfproto.TrackableObjectGraph{Nodes: []*tfproto.TrackableObject{
		{Children: []tfproto.ObjectReference{{NodeID: 1, LocalName: "layer-0"}}},
		{Attributes: []tfproto.SerializedTensor{{
			Name:          "VARIABLE_VALUE",
			FullName:      "dense/kernel",
			CheckpointKey: "layer-0/kernel/.ATTRIBUTES/VARIABLE_VALUE",
		}}},
	}}))
	require.NoError(t, w.Finish())

	r, err := Open(prefix)
	require.NoError(t, err)
	defer r.Close()

	keys, graph, err := r.VariableKeys()
	require.NoError(t, err)
	require.NotNil(t, graph)
	assert.Len(t, graph.Nodes, 2)
	assert.Equal(t, map[string]string{"dense/kernel": "layer-0/kernel/.ATTRIBUTES/VARIABLE_VALUE"}, keys)
}

func TestReader_VariableKeysWithoutObjectGraph(t *testing.T) {
	prefix := writeBundle(t, map[string]*tfproto.Tensor{
		"w": tfproto.NewFloatTensor([]int64{1}, []float32{1}),
	})

	r, err := Open(prefix)
	require.NoError(t, err)
	defer r.Close()

	keys, graph, err := r.VariableKeys()
	require.NoError(t, err)
	assert.Nil(t, graph)
	assert.Empty(t, keys)
}

func TestStrings_RoundTripChecksum(t *testing.T) {
	raw, crc := encodeStrings([][]byte{[]byte("ab"), []byte(""), []byte("xyz")})

	strs, got, err := decodeStrings(raw, 3)
	require.NoError(t, err)
	assert.Equal(t, crc, got)
	assert.Equal(t, "xyz", string(strs[2]))
	assert.Empty(t, strs[1])
}
