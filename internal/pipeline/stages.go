package pipeline

import (
	"context"
	"os"

	"github.com/ekisa-team/tfconv/internal/freeze"
	"github.com/ekisa-team/tfconv/internal/savedmodel"
	"github.com/ekisa-team/tfconv/internal/tflite"
	"github.com/ekisa-team/tfconv/internal/xfs"
)

// Model is a loaded bundle as the pipeline sees it.
type Model interface {
	freeze.Source
	Signatures() map[string]*savedmodel.Signature
	Close() error
}

// Loader opens a SavedModel directory.
type Loader interface {
	Load(ctx context.Context, dir string, opts savedmodel.LoadOptions) (Model, error)
}

// Freezer turns one signature of a model into a constant-only graph.
type Freezer interface {
	Freeze(ctx context.Context, src freeze.Source, sig *savedmodel.Signature) (*freeze.Graph, error)
}

// Converter serializes a frozen graph into the target format.
type Converter interface {
	Convert(g *freeze.Graph, opts tflite.Options) ([]byte, error)
}

// Writer persists an artifact.
type Writer interface {
	WriteFile(path string, data []byte) error
}

// SavedModelLoader loads bundles from disk.
type SavedModelLoader struct{}

func (SavedModelLoader) Load(ctx context.Context, dir string, opts savedmodel.LoadOptions) (Model, error) {
	m, err := savedmodel.Load(ctx, dir, opts)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GraphFreezer inlines functions and replaces variables with constants.
type GraphFreezer struct{}

func (GraphFreezer) Freeze(ctx context.Context, src freeze.Source, sig *savedmodel.Signature) (*freeze.Graph, error) {
	return freeze.Freeze(ctx, src, sig)
}

// TFLiteConverter lowers frozen graphs to TFLite flatbuffers.
type TFLiteConverter struct{}

func (TFLiteConverter) Convert(g *freeze.Graph, opts tflite.Options) ([]byte, error) {
	return tflite.Convert(g, opts)
}

// AtomicWriter replaces files through a temporary file and a rename.
type AtomicWriter struct {
	Perm os.FileMode
}

func (w AtomicWriter) WriteFile(path string, data []byte) error {
	perm := w.Perm
	if perm == 0 {
		perm = 0o644
	}
	return xfs.WriteFileAtomic(path, data, perm)
}
