// Package savedmodel loads TensorFlow SavedModel bundles from disk.
package savedmodel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ekisa-team/tfconv/internal/checkpoint"
	"github.com/ekisa-team/tfconv/internal/tfproto"
)

const (
	// SavedModelFilename is the protobuf file at the root of a bundle.
	SavedModelFilename = "saved_model.pb"

	// VariablesDirectory holds the variables checkpoint.
	VariablesDirectory = "variables"

	// VariablesFilename is the checkpoint prefix inside VariablesDirectory.
	VariablesFilename = "variables"

	// TagServe is the tag exported for inference graphs.
	TagServe = "serve"
)

// LoadOptions configures Load.
type LoadOptions struct {
	// Tags selects the MetaGraphDef. Empty means the first one.
	Tags []string
}

// DefaultLoadOptions returns options selecting the serving graph.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{Tags: []string{TagServe}}
}

// Model is a loaded SavedModel bundle.
type Model struct {
	Dir       string
	MetaGraph *tfproto.MetaGraphDef

	signatures   map[string]*Signature
	variables    *checkpoint.Reader
	variableKeys map[string]string
}

// Load reads the bundle in dir. Every failure is reported as a *LoadError.
func Load(ctx context.Context, dir string, opts ...LoadOptions) (*Model, error) {
	o := DefaultLoadOptions()
	if len(opts) > 0 {
		o = opts[0]
	}

	fail := func(err error) (*Model, error) {
		return nil, &LoadError{Path: dir, Err: err}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fail(err)
	}
	if !info.IsDir() {
		return fail(ErrNotDirectory)
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, SavedModelFilename))
	if err != nil {
		return fail(err)
	}

	sm, err := tfproto.UnmarshalSavedModel(raw)
	if err != nil {
		return fail(err)
	}

	mg, err := selectMetaGraph(sm, o.Tags)
	if err != nil {
		return fail(err)
	}

	m := &Model{
		Dir:          dir,
		MetaGraph:    mg,
		signatures:   make(map[string]*Signature, len(mg.Signatures)),
		variableKeys: make(map[string]string),
	}
	for key, def := range mg.Signatures {
		m.signatures[key] = &Signature{Key: key, Def: def}
	}

	prefix := filepath.Join(dir, VariablesDirectory, VariablesFilename)
	if _, err := os.Stat(checkpoint.IndexPath(prefix)); err == nil {
		if err := m.openVariables(prefix); err != nil {
			return fail(err)
		}
	} else {
		slog.Debug("SavedModel has no variables checkpoint", "dir", dir)
	}

	slog.Debug("SavedModel loaded",
		"dir", dir,
		"tags", mg.Tags,
		"tensorflow_version", mg.TensorflowVersion,
		"nodes", len(mg.Graph.Node),
		"functions", len(mg.Graph.Library),
		"signatures", m.SignatureKeys(),
	)

	return m, nil
}

func selectMetaGraph(sm *tfproto.SavedModel, tags []string) (*tfproto.MetaGraphDef, error) {
	if len(sm.MetaGraphs) == 0 {
		return nil, ErrNoMetaGraph
	}
	if len(tags) == 0 {
		return sm.MetaGraphs[0], nil
	}

	for _, mg := range sm.MetaGraphs {
		if mg.HasTags(tags) {
			return mg, nil
		}
	}

	available := make([]string, 0, len(sm.MetaGraphs))
	for _, mg := range sm.MetaGraphs {
		available = append(available, "["+strings.Join(mg.Tags, ",")+"]")
	}

	return nil, fmt.Errorf("%w: want %v, have %s", ErrNoMetaGraph, tags, strings.Join(available, " "))
}

func (m *Model) openVariables(prefix string) error {
	r, err := checkpoint.Open(prefix)
	if err != nil {
		return err
	}

	keys, tog, err := r.VariableKeys()
	if err != nil {
		r.Close()
		return err
	}
	m.variables = r
	m.variableKeys = keys

	// SavedObjectGraph node ids line up with the checkpoint object graph, so
	// SavedVariable names resolve to the same keys.
	og := m.MetaGraph.ObjectGraph
	if og == nil || tog == nil {
		return nil
	}
	for id, node := range og.Nodes {
		if node.Variable == nil || node.Variable.Name == "" || id >= len(tog.Nodes) {
			continue
		}
		for _, attr := range tog.Nodes[id].Attributes {
			if attr.Name != checkpoint.VariableValueAttr {
				continue
			}
			if _, ok := m.variableKeys[node.Variable.Name]; !ok {
				m.variableKeys[node.Variable.Name] = attr.CheckpointKey
			}
		}
	}

	return nil
}

// Graph returns the GraphDef of the selected MetaGraph.
func (m *Model) Graph() *tfproto.GraphDef {
	return m.MetaGraph.Graph
}

// Signatures returns the signatures keyed by name.
func (m *Model) Signatures() map[string]*Signature {
	return m.signatures
}

// SignatureKeys returns the signature names in sorted order.
func (m *Model) SignatureKeys() []string {
	return slices.Sorted(maps.Keys(m.signatures))
}

// Signature returns the signature named key.
func (m *Model) Signature(key string) (*Signature, error) {
	sig, ok := m.signatures[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSignatureNotFound, key)
	}
	return sig, nil
}

// HasVariables reports whether the bundle carries a checkpoint.
func (m *Model) HasVariables() bool {
	return m.variables != nil
}

// VariableNames returns the checkpoint keys holding variable values.
func (m *Model) VariableNames() ([]string, error) {
	if m.variables == nil {
		return nil, nil
	}

	keys, err := m.variables.Keys()
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(keys, func(k string) bool {
		return k == checkpoint.ObjectGraphKey || strings.HasPrefix(k, "_")
	}), nil
}

// ReadVariable returns the current value of the variable called name. The
// name is looked up through the object graph first, then used as a raw key.
func (m *Model) ReadVariable(name string) (*tfproto.Tensor, error) {
	if m.variables == nil {
		return nil, fmt.Errorf("%w: %w: %q", ErrVariableNotFound, ErrNoVariables, name)
	}

	name = strings.TrimSuffix(name, ":0")
	candidates := []string{name}
	if key, ok := m.variableKeys[name]; ok {
		candidates = []string{key, name}
	}

	for _, key := range candidates {
		t, err := m.variables.Tensor(key)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, checkpoint.ErrNotFound) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrVariableNotFound, name)
}

// Close releases the checkpoint files.
func (m *Model) Close() error {
	if m.variables == nil {
		return nil
	}
	return m.variables.Close()
}
