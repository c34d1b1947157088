package savedmodel_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/tfconv/internal/savedmodel"
	"github.com/ekisa-team/tfconv/internal/savedmodeltest"
	"github.com/ekisa-team/tfconv/internal/tfproto"
)

func TestLoad_Dense(t *testing.T) {
	dir := t.TempDir()
	savedmodeltest.Dense().Write(t, dir)

	m, err := savedmodel.Load(context.Background(), dir)
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.HasVariables())
	assert.Equal(t, []string{"serving_default"}, m.SignatureKeys())
	assert.Len(t, m.Graph().Node, 5)
	assert.Len(t, m.Graph().Library, 1)

	sig, err := m.Signature("serving_default")
	require.NoError(t, err)
	assert.Equal(t, "StatefulPartitionedCall:0", sig.Outputs()[0].Info.Name)

	_, err = m.Signature("missing")
	assert.ErrorIs(t, err, savedmodel.ErrSignatureNotFound)
}

func TestModel_ReadVariable(t *testing.T) {
	dir := t.TempDir()
	savedmodeltest.Dense().Write(t, dir)

	m, err := savedmodel.Load(context.Background(), dir)
	require.NoError(t, err)
	defer m.Close()

	tests := []struct {
		name string
		want []float32
	}{
		{"dense/kernel", savedmodeltest.Kernel},
		{"dense/kernel:0", savedmodeltest.Kernel},
		{"dense/bias", savedmodeltest.Bias},
		{"layer_with_weights-0/bias/.ATTRIBUTES/VARIABLE_VALUE", savedmodeltest.Bias},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := m.ReadVariable(tt.name)
			require.NoError(t, err)
			got, err := v.Float32s()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = m.ReadVariable("dense/missing")
	assert.ErrorIs(t, err, savedmodel.ErrVariableNotFound)

	names, err := m.VariableNames()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"layer_with_weights-0/bias/.ATTRIBUTES/VARIABLE_VALUE",
		"layer_with_weights-0/kernel/.ATTRIBUTES/VARIABLE_VALUE",
	}, names)
}

func TestModel_ReadVariableBySavedObjectName(t *testing.T) {
	b := savedmodeltest.Dense()
	// Drop full names from the checkpoint so only the SavedObjectGraph maps
	// variable names to keys.
	for _, node := range b.ObjectGraph.Nodes {
		for i := range node.Attributes {
			node.Attributes[i].FullName = ""
		}
	}

	dir := t.TempDir()
	b.Write(t, dir)

	m, err := savedmodel.Load(context.Background(), dir)
	require.NoError(t, err)
	defer m.Close()

	v, err := m.ReadVariable("dense/bias")
	require.NoError(t, err)
	got, err := v.Float32s()
	require.NoError(t, err)
	assert.Equal(t, savedmodeltest.Bias, got)
}

func TestLoad_Legacy(t *testing.T) {
	dir := t.TempDir()
	savedmodeltest.Legacy().Write(t, dir)

	m, err := savedmodel.Load(context.Background(), dir)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []string{"infer", "logits"}, m.SignatureKeys())

	sig, err := savedmodel.DefaultPolicy.Resolve(m.Signatures())
	require.NoError(t, err)
	assert.Equal(t, "infer", sig.Key)

	v, err := m.ReadVariable("w")
	require.NoError(t, err)
	assert.Equal(t, tfproto.NewShape(4, 2), v.Shape)
}

func TestLoad_WithoutVariables(t *testing.T) {
	b := savedmodeltest.Legacy()
	b.Variables = nil

	dir := t.TempDir()
	b.Write(t, dir)

	m, err := savedmodel.Load(context.Background(), dir)
	require.NoError(t, err)
	defer m.Close()

	assert.False(t, m.HasVariables())
	_, err = m.ReadVariable("w")
	assert.ErrorIs(t, err, savedmodel.ErrNoVariables)
}

func TestLoad_Errors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "model.pb")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	garbage := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(garbage, "saved_model.pb"), []byte{0xff, 0xff}, 0o644))

	tagged := t.TempDir()
	b := savedmodeltest.Legacy()
	b.Tags = []string{"train"}
	b.Write(t, tagged)

	tests := []struct {
		name   string
		dir    string
		target error
	}{
		{"missing directory", filepath.Join(t.TempDir(), "nope"), os.ErrNotExist},
		{"not a directory", file, savedmodel.ErrNotDirectory},
		{"missing saved_model.pb", t.TempDir(), os.ErrNotExist},
		{"unparsable saved_model.pb", garbage, tfproto.ErrMalformed},
		{"no meta graph with tags", tagged, savedmodel.ErrNoMetaGraph},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := savedmodel.Load(context.Background(), tt.dir)

			var le *savedmodel.LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tt.dir, le.Path)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestLoad_AnyTags(t *testing.T) {
	dir := t.TempDir()
	b := savedmodeltest.Legacy()
	b.Tags = []string{"train"}
	b.Write(t, dir)

	m, err := savedmodel.Load(context.Background(), dir, savedmodel.LoadOptions{})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []string{"train"}, m.MetaGraph.Tags)
}

func TestLoad_Cancelled(t *testing.T) {
	dir := t.TempDir()
	savedmodeltest.Dense().Write(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := savedmodel.Load(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
}
