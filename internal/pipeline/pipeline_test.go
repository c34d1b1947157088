package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/tfconv/internal/freeze"
	"github.com/ekisa-team/tfconv/internal/savedmodel"
	"github.com/ekisa-team/tfconv/internal/savedmodeltest"
	"github.com/ekisa-team/tfconv/internal/tflite"
	"github.com/ekisa-team/tfconv/internal/tfproto"
)

// --- Mock types ---

type MockModel struct {
	mock.Mock
}

func (m *MockModel) Graph() *tfproto.GraphDef {
	return &tfproto.GraphDef{}
}

func (m *MockModel) ReadVariable(name string) (*tfproto.Tensor, error) {
	args := m.Called(name)
	if t, ok := args.Get(0).(*tfproto.Tensor); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockModel) Signatures() map[string]*savedmodel.Signature {
	args := m.Called()
	return args.Get(0).(map[string]*savedmodel.Signature)
}

func (m *MockModel) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockLoader struct {
	mock.Mock
}

func (m *MockLoader) Load(ctx context.Context, dir string, opts savedmodel.LoadOptions) (Model, error) {
	args := m.Called(ctx, dir, opts)
	if model, ok := args.Get(0).(Model); ok {
		return model, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockFreezer struct {
	mock.Mock
}

func (m *MockFreezer) Freeze(ctx context.Context, src freeze.Source, sig *savedmodel.Signature) (*freeze.Graph, error) {
	args := m.Called(ctx, src, sig)
	if g, ok := args.Get(0).(*freeze.Graph); ok {
		return g, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockConverter struct {
	mock.Mock
}

func (m *MockConverter) Convert(g *freeze.Graph, opts tflite.Options) ([]byte, error) {
	args := m.Called(g, opts)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) WriteFile(path string, data []byte) error {
	args := m.Called(path, data)
	return args.Error(0)
}

type mocks struct {
	model     *MockModel
	loader    *MockLoader
	freezer   *MockFreezer
	converter *MockConverter
	writer    *MockWriter
	stdout    *bytes.Buffer
}

func newMocks() *mocks {
	return &mocks{
		model:     new(MockModel),
		loader:    new(MockLoader),
		freezer:   new(MockFreezer),
		converter: new(MockConverter),
		writer:    new(MockWriter),
		stdout:    new(bytes.Buffer),
	}
}

func (m *mocks) runner() *Runner {
	return NewRunner(
		WithLoader(m.loader),
		WithFreezer(m.freezer),
		WithConverter(m.converter),
		WithWriter(m.writer),
		WithStdout(m.stdout),
	)
}

func (m *mocks) assertExpectations(t *testing.T) {
	m.model.AssertExpectations(t)
	m.loader.AssertExpectations(t)
	m.freezer.AssertExpectations(t)
	m.converter.AssertExpectations(t)
	m.writer.AssertExpectations(t)
}

var (
	inferSig = &savedmodel.Signature{Key: "infer", Def: &tfproto.SignatureDef{}}
	frozen   = &freeze.Graph{
		Signature: "infer",
		Inputs:    []freeze.TensorSpec{{Key: "x", Name: "x:0", DType: tfproto.DTFloat, Shape: tfproto.NewShape(-1, 4)}},
		Outputs:   []freeze.TensorSpec{{Key: "probs", Name: "probs:0", DType: tfproto.DTFloat, Shape: tfproto.NewShape(-1, 2)}},
	}
	opts = Options{
		InputPath:  "saved_model",
		OutputPath: "model_frozen.tflite",
		Signatures: savedmodel.DefaultPolicy,
		Tags:       []string{"serve"},
	}
)

// --- Tests ---

func TestRunner_Run(t *testing.T) {
	m := newMocks()
	artifact := []byte("TFL3")

	m.loader.On("Load", mock.Anything, "saved_model", savedmodel.LoadOptions{Tags: []string{"serve"}}).Return(m.model, nil)
	m.model.On("Signatures").Return(map[string]*savedmodel.Signature{"infer": inferSig, "other": {Key: "other"}})
	m.model.On("Close").Return(nil)
	m.freezer.On("Freeze", mock.Anything, m.model, inferSig).Return(frozen, nil)
	m.converter.On("Convert", frozen, tflite.Options{SignatureKey: "infer"}).Return(artifact, nil)
	m.writer.On("WriteFile", "model_frozen.tflite", artifact).Return(nil)

	res, err := m.runner().Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, "infer", res.Signature)
	assert.Equal(t, 4, res.BytesWritten)
	assert.Equal(t, "model_frozen.tflite", res.OutputPath)
	assert.Equal(t, frozen.Inputs, res.Inputs)

	lines := strings.Split(strings.TrimSpace(m.stdout.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Frozen graph inputs: [x: x:0 float32 (?, 4)]", lines[0])
	assert.Equal(t, "Frozen graph outputs: [probs: probs:0 float32 (?, 2)]", lines[1])
	assert.Equal(t, "Saved TFLite to model_frozen.tflite", lines[2])

	m.assertExpectations(t)
}

func TestRunner_EmptyPolicyPrefersServingDefault(t *testing.T) {
	m := newMocks()
	serving := &savedmodel.Signature{Key: "serving_default", Def: &tfproto.SignatureDef{}}
	artifact := []byte("TFL3")

	m.loader.On("Load", mock.Anything, "in", savedmodel.LoadOptions{}).Return(m.model, nil)
	m.model.On("Signatures").Return(map[string]*savedmodel.Signature{
		"a_first_by_name": {Key: "a_first_by_name"},
		"infer":           inferSig,
		"serving_default": serving,
	})
	m.model.On("Close").Return(nil)
	m.freezer.On("Freeze", mock.Anything, m.model, serving).Return(frozen, nil)
	m.converter.On("Convert", frozen, tflite.Options{SignatureKey: "serving_default"}).Return(artifact, nil)
	m.writer.On("WriteFile", "out.tflite", artifact).Return(nil)

	res, err := m.runner().Run(context.Background(), Options{InputPath: "in", OutputPath: "out.tflite"})
	require.NoError(t, err)

	assert.Equal(t, "serving_default", res.Signature)
	m.assertExpectations(t)
}

func TestRunner_LoadFailureStopsPipeline(t *testing.T) {
	m := newMocks()
	loadErr := &savedmodel.LoadError{Path: "saved_model", Err: os.ErrNotExist}
	m.loader.On("Load", mock.Anything, "saved_model", mock.Anything).Return(nil, loadErr)

	_, err := m.runner().Run(context.Background(), opts)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepLoad, stepErr.Step)

	var le *savedmodel.LoadError
	assert.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, os.ErrNotExist)

	m.freezer.AssertNotCalled(t, "Freeze", mock.Anything, mock.Anything, mock.Anything)
	m.writer.AssertNotCalled(t, "WriteFile", mock.Anything, mock.Anything)
	assert.Empty(t, m.stdout.String())
}

func TestRunner_NoSignatures(t *testing.T) {
	m := newMocks()
	m.loader.On("Load", mock.Anything, mock.Anything, mock.Anything).Return(m.model, nil)
	m.model.On("Signatures").Return(map[string]*savedmodel.Signature{})
	m.model.On("Close").Return(nil)

	_, err := m.runner().Run(context.Background(), opts)

	var nse *savedmodel.NoSignatureError
	require.ErrorAs(t, err, &nse)
	assert.Equal(t, []string{"serving_default", "infer"}, nse.Candidates)
	m.freezer.AssertNotCalled(t, "Freeze", mock.Anything, mock.Anything, mock.Anything)
	m.assertExpectations(t)
}

func TestRunner_ConversionFailureWritesNothing(t *testing.T) {
	m := newMocks()
	convErr := &tflite.ConversionError{Ops: []string{"Erf"}}

	m.loader.On("Load", mock.Anything, mock.Anything, mock.Anything).Return(m.model, nil)
	m.model.On("Signatures").Return(map[string]*savedmodel.Signature{"infer": inferSig})
	m.model.On("Close").Return(nil)
	m.freezer.On("Freeze", mock.Anything, m.model, inferSig).Return(frozen, nil)
	m.converter.On("Convert", frozen, mock.Anything).Return(nil, convErr)

	_, err := m.runner().Run(context.Background(), opts)

	assert.ErrorIs(t, err, tflite.ErrUnsupportedOp)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepConvert, stepErr.Step)

	m.writer.AssertNotCalled(t, "WriteFile", mock.Anything, mock.Anything)
	assert.NotContains(t, m.stdout.String(), "Saved TFLite")
	m.assertExpectations(t)
}

func TestRunner_FreezeFailure(t *testing.T) {
	m := newMocks()
	m.loader.On("Load", mock.Anything, mock.Anything, mock.Anything).Return(m.model, nil)
	m.model.On("Signatures").Return(map[string]*savedmodel.Signature{"infer": inferSig})
	m.model.On("Close").Return(nil)
	m.freezer.On("Freeze", mock.Anything, m.model, inferSig).
		Return(nil, &freeze.FreezeError{Signature: "infer", Node: "w", Err: freeze.ErrVariable})

	_, err := m.runner().Run(context.Background(), opts)

	assert.ErrorIs(t, err, freeze.ErrVariable)
	m.converter.AssertNotCalled(t, "Convert", mock.Anything, mock.Anything)
	assert.Empty(t, m.stdout.String())
	m.assertExpectations(t)
}

func TestRunner_WritesFrozenGraph(t *testing.T) {
	m := newMocks()
	artifact := []byte("TFL3")
	o := opts
	o.FrozenGraphPath = "frozen.pb"

	m.loader.On("Load", mock.Anything, mock.Anything, mock.Anything).Return(m.model, nil)
	m.model.On("Signatures").Return(map[string]*savedmodel.Signature{"infer": inferSig})
	m.model.On("Close").Return(nil)
	m.freezer.On("Freeze", mock.Anything, m.model, inferSig).Return(frozen, nil)
	m.writer.On("WriteFile", "frozen.pb", mock.Anything).Return(nil)
	m.converter.On("Convert", frozen, mock.Anything).Return(artifact, nil)
	m.writer.On("WriteFile", "model_frozen.tflite", artifact).Return(nil)

	_, err := m.runner().Run(context.Background(), o)
	require.NoError(t, err)
	m.assertExpectations(t)
}

func TestRunner_WriteFailure(t *testing.T) {
	m := newMocks()
	m.loader.On("Load", mock.Anything, mock.Anything, mock.Anything).Return(m.model, nil)
	m.model.On("Signatures").Return(map[string]*savedmodel.Signature{"infer": inferSig})
	m.model.On("Close").Return(nil)
	m.freezer.On("Freeze", mock.Anything, mock.Anything, mock.Anything).Return(frozen, nil)
	m.converter.On("Convert", mock.Anything, mock.Anything).Return([]byte("x"), nil)
	m.writer.On("WriteFile", mock.Anything, mock.Anything).Return(os.ErrPermission)

	_, err := m.runner().Run(context.Background(), opts)

	assert.ErrorIs(t, err, os.ErrPermission)
	assert.NotContains(t, m.stdout.String(), "Saved TFLite")
}

func TestRunner_Cancelled(t *testing.T) {
	m := newMocks()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.runner().Run(ctx, opts)

	assert.ErrorIs(t, err, context.Canceled)
	m.loader.AssertNotCalled(t, "Load", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunner_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "saved_model")
	savedmodeltest.Dense().Write(t, input)

	var stdout bytes.Buffer
	runner := NewRunner(WithStdout(&stdout))

	o := Options{
		InputPath:       input,
		OutputPath:      filepath.Join(dir, "out", "model_frozen.tflite"),
		FrozenGraphPath: filepath.Join(dir, "out", "frozen.pb"),
		Signatures:      savedmodel.DefaultPolicy,
		Tags:            []string{"serve"},
	}

	res, err := runner.Run(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, "serving_default", res.Signature)

	first, err := os.ReadFile(o.OutputPath)
	require.NoError(t, err)
	assert.Len(t, first, res.BytesWritten)

	info, err := tflite.Read(first)
	require.NoError(t, err)
	require.Len(t, info.Signatures, 1)
	assert.Equal(t, "serving_default", info.Signatures[0].Key)

	frozenGraph, err := os.ReadFile(o.FrozenGraphPath)
	require.NoError(t, err)
	gd, err := tfproto.UnmarshalGraphDef(frozenGraph)
	require.NoError(t, err)
	for _, n := range gd.Node {
		assert.NotContains(t, []string{"VarHandleOp", "ReadVariableOp", "StatefulPartitionedCall"}, n.Op)
	}

	_, err = runner.Run(context.Background(), o)
	require.NoError(t, err)
	second, err := os.ReadFile(o.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, first, second, "reruns must produce identical files")

	assert.Contains(t, stdout.String(), "Frozen graph inputs: [x: serving_default_x:0 float32")
	assert.Contains(t, stdout.String(), "Saved TFLite to "+o.OutputPath)
}

func TestRunner_EndToEndUnsupportedOp(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "saved_model")
	output := filepath.Join(dir, "model.tflite")

	b := savedmodeltest.Legacy()
	for _, n := range b.Nodes {
		if n.Name == "probs" {
			n.Op = "Erf"
		}
	}
	b.Write(t, input)

	_, err := NewRunner(WithStdout(new(bytes.Buffer))).Run(context.Background(), Options{
		InputPath:  input,
		OutputPath: output,
		Signatures: savedmodel.DefaultPolicy,
	})

	var convErr *tflite.ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, []string{"Erf"}, convErr.Ops)

	_, statErr := os.Stat(output)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}
